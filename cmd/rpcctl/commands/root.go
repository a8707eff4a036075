// Package commands implements rpcctl, the administration and test client
// for rpc-server.
package commands

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	verbose bool
	logger  = logrus.New()
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rpcctl",
		Short:         "Manage rpc-server users and call remote methods",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !verbose {
				logger.SetOutput(io.Discard)
				return
			}
			logger.SetOutput(cmd.ErrOrStderr())
			logger.SetLevel(logrus.DebugLevel)
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", "rpc.db", "path to the server database")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(userCmd(), callCmd(), auditCmd())
	return root
}
