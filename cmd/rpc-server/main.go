package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/zentalk-rpc/pkg/api"
	"github.com/ZentaChain/zentalk-rpc/pkg/config"
	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/ZentaChain/zentalk-rpc/pkg/services"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
	"github.com/ZentaChain/zentalk-rpc/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Path to a YAML or .env config file (environment only when empty)")
	port       = flag.Int("port", 0, "Port to listen on (overrides config)")
	dbPath     = flag.String("db", "", "Path to the SQLite database (overrides config)")
	addUser    = flag.String("adduser", "", "Create user name:password with full access before starting")
)

func main() {
	flag.Parse()

	printBanner()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}

	logger, err := logging.New(cfg.Log, nil)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	users, err := storage.NewUserStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	defer users.Close()

	fmt.Printf("✓ User store opened at %s\n", cfg.Storage.DBPath)

	if *addUser != "" {
		if err := seedUser(users, *addUser); err != nil {
			return err
		}
	}

	var sink rpc.AuditSink = rpc.NewLogSink(logger)
	var auditStore *storage.AuditStore
	if cfg.Storage.AuditEnabled {
		auditStore, err = storage.NewAuditStore(cfg.Storage.DBPath, cfg.Storage.AuditRetention, cfg.Session.SweepInterval, logger)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer auditStore.Close()

		sink = rpc.MultiSink{sink, auditStore}
		fmt.Printf("✓ Audit log enabled (retention: %s)\n", cfg.Storage.AuditRetention)
	} else {
		fmt.Println("⚠️  Audit log disabled")
	}

	registry := session.NewRegistry(session.Config{
		PendingTTL:      cfg.Session.PendingTTL,
		CleanupInterval: cfg.Session.CleanupInterval,
	})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := rpc.NewMetrics(promRegistry, registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	server := rpc.NewServer(users, rpc.NewMethodTable(),
		rpc.WithRegistry(registry),
		rpc.WithAuditSink(sink),
		rpc.WithMetrics(metrics),
		rpc.WithLogger(logger),
		rpc.WithDefaultCompression(cfg.CompressionLevel()),
	)
	if err := services.RegisterAll(server.Methods(), registry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	fmt.Printf("✓ %d methods registered\n", len(server.Methods().Methods()))

	opts := []api.Option{api.WithGatherer(promRegistry)}
	if auditStore != nil {
		opts = append(opts, api.WithAuditReader(auditStore))
	}
	httpServer := api.NewServer(server, &api.Config{
		Port:         cfg.Server.Port,
		EnableCORS:   cfg.Server.EnableCORS,
		CORSOrigins:  cfg.Server.CORSOrigins,
		EnableAdmin:  cfg.Server.EnableAdmin,
		RateLimit:    cfg.Limiter.RPS,
		RateBurst:    cfg.Limiter.Burst,
		RateTTL:      cfg.Limiter.TTL,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, logger, opts...)

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("✓ Listening on port %d (POST /rpc)\n", cfg.Server.Port)
	if cfg.Server.EnableAdmin {
		fmt.Println("⚠️  Admin endpoints enabled (/api/v1/sessions, /api/v1/audit)")
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Start(ctx)
	})
	g.Go(func() error {
		return server.RunSweeper(ctx, cfg.Session.SweepInterval, cfg.Session.MaxIdle)
	})

	return g.Wait()
}

// seedUser creates name:password (or resets its password) and grants it
// every method
func seedUser(users *storage.UserStore, arg string) error {
	name, password, ok := strings.Cut(arg, ":")
	if !ok || name == "" || password == "" {
		return fmt.Errorf("-adduser wants name:password, got %q", arg)
	}

	err := users.AddUser(name, password)
	switch {
	case err == nil:
		fmt.Printf("✓ User %s created\n", name)
	case errors.Is(err, storage.ErrUserExists):
		if err := users.SetPassword(name, password); err != nil {
			return fmt.Errorf("reset password for %s: %w", name, err)
		}
		fmt.Printf("✓ User %s already existed, password reset\n", name)
	default:
		return fmt.Errorf("create user %s: %w", name, err)
	}

	return users.Grant(name, storage.Wildcard, storage.Wildcard)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            Zentalk RPC Server v1.0               ║")
	fmt.Println("║    Authenticated encrypted remote procedures     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}
