package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-rpc/pkg/storage"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the request audit log",
	}
	cmd.AddCommand(auditTailCmd())
	return cmd
}

// audit tail: newest records first.
func auditTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.NewAuditStore(dbPath, 0, 0, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tUSER\tREQUEST\tRESPONSE\tPARTS\tELAPSED\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s#%d\t%s#%d\t%d\t%s\t%s\n",
					r.Time.Format(time.DateTime), r.User,
					r.RequestType, r.RequestIndex,
					r.ResponseType, r.ResponseIndex,
					r.Parts, r.Elapsed, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return cmd
}
