// Package config loads the rpc-server configuration from a YAML file, a
// .env file or the environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
)

type ServerConfig struct {
	Port         int           `yaml:"port" env:"RPC_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"RPC_READ_TIMEOUT" env-default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"RPC_WRITE_TIMEOUT" env-default:"30s"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"RPC_MAX_BODY_BYTES" env-default:"1048576"`
	EnableCORS   bool          `yaml:"enable_cors" env:"RPC_ENABLE_CORS" env-default:"true"`
	CORSOrigins  []string      `yaml:"cors_origins" env:"RPC_CORS_ORIGINS" env-separator:"," env-default:"*"`
	EnableAdmin  bool          `yaml:"enable_admin" env:"RPC_ENABLE_ADMIN" env-default:"false"`
}

type LimiterConfig struct {
	RPS   float64       `yaml:"rps" env:"RPC_LIMITER_RPS" env-default:"50"`
	Burst int           `yaml:"burst" env:"RPC_LIMITER_BURST" env-default:"100"`
	TTL   time.Duration `yaml:"ttl" env:"RPC_LIMITER_TTL" env-default:"1h"`
}

type SessionConfig struct {
	PendingTTL      time.Duration `yaml:"pending_ttl" env:"RPC_PENDING_TTL" env-default:"2m"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"RPC_CLEANUP_INTERVAL" env-default:"30s"`
	MaxIdle         time.Duration `yaml:"max_idle" env:"RPC_MAX_IDLE" env-default:"30m"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"RPC_SWEEP_INTERVAL" env-default:"1m"`
	Compression     string        `yaml:"compression" env:"RPC_COMPRESSION" env-default:"fast"`
}

type StorageConfig struct {
	DBPath         string        `yaml:"db_path" env:"RPC_DB_PATH" env-default:"rpc.db"`
	AuditEnabled   bool          `yaml:"audit_enabled" env:"RPC_AUDIT_ENABLED" env-default:"true"`
	AuditRetention time.Duration `yaml:"audit_retention" env:"RPC_AUDIT_RETENTION" env-default:"720h"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"RPC_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"RPC_LOG_FORMAT" env-default:"text"`
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limiter LimiterConfig `yaml:"limiter"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// Load reads the configuration. A .env path is loaded into the
// environment first; any other path is read as YAML with environment
// overrides; an empty path reads the environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	switch {
	case path == "":
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	case strings.HasSuffix(filepath.Base(path), ".env"):
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	default:
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that panics on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks ranges and names
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	if c.Limiter.RPS <= 0 || c.Limiter.Burst <= 0 {
		errs = append(errs, errors.New("limiter rps and burst must be positive"))
	}
	if c.Session.PendingTTL <= 0 {
		errs = append(errs, errors.New("pending ttl must be positive"))
	}
	if c.Session.MaxIdle < 0 || c.Session.SweepInterval < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}
	if _, err := protocol.ParseCompression(c.Session.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("db path is empty"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// CompressionLevel returns the configured default reply compression
func (c *Config) CompressionLevel() protocol.Compression {
	level, err := protocol.ParseCompression(c.Session.Compression)
	if err != nil {
		return protocol.DefaultCompression
	}
	return level.Resolve()
}
