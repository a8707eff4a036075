package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-rpc/pkg/client"
	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/services"
)

// call Service.method [args...]: log in, invoke once, print the result.
func callCmd() *cobra.Command {
	var (
		url         string
		user        string
		password    string
		compression string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <Service.method> [args...]",
		Short: "Call a remote method and print its result",
		Long:  "Arguments that parse as integers are sent as int, anything else as string.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, method, ok := strings.Cut(args[0], ".")
			if !ok || service == "" || method == "" {
				return fmt.Errorf("want Service.method, got %q", args[0])
			}

			level, err := protocol.ParseCompression(compression)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c := client.New(client.NewHTTPTransport(url, timeout), user, password,
				client.WithCompression(level), client.WithLogger(logger))
			c.OnCallback(services.MethodNotify, func(params []protocol.Value) {
				fmt.Fprintf(cmd.ErrOrStderr(), "callback %s%v\n", services.MethodNotify, params)
			})

			if err := c.Login(ctx); err != nil {
				return err
			}
			defer c.Disconnect(context.Background())

			result, err := c.Invoke(ctx, service, method, parseArgs(args[1:])...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080/rpc", "rpc endpoint")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	cmd.Flags().StringVar(&compression, "compression", "fast", "reply compression (none, fast, balanced, best)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func parseArgs(args []string) []protocol.Value {
	out := make([]protocol.Value, 0, len(args))
	for _, a := range args {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			out = append(out, protocol.Int(n))
			continue
		}
		out = append(out, protocol.String(a))
	}
	return out
}
