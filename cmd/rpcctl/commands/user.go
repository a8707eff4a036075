package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-rpc/pkg/storage"
)

func openUsers() (*storage.UserStore, error) {
	return storage.NewUserStore(dbPath, logger)
}

// withUsers runs fn against the user store and closes it afterwards
func withUsers(fn func(*storage.UserStore) error) error {
	users, err := openUsers()
	if err != nil {
		return err
	}
	defer users.Close()
	return fn(users)
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and their grants",
	}
	cmd.AddCommand(userAddCmd(), userPasswdCmd(), userDelCmd(), userListCmd(), userGrantCmd(), userRevokeCmd())
	return cmd
}

// user add <name> <password>: create a user, optionally granting everything.
func userAddCmd() *cobra.Command {
	var grantAll bool
	cmd := &cobra.Command{
		Use:   "add <name> <password>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(func(users *storage.UserStore) error {
				if err := users.AddUser(args[0], args[1]); err != nil {
					return err
				}
				if grantAll {
					if err := users.Grant(args[0], storage.Wildcard, storage.Wildcard); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s added\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&grantAll, "all", false, "grant every service and method")
	return cmd
}

func userPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <name> <password>",
		Short: "Replace a user's password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(func(users *storage.UserStore) error {
				if err := users.SetPassword(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "password for %s updated\n", args[0])
				return nil
			})
		},
	}
}

func userDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "del <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a user and their grants",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(func(users *storage.UserStore) error {
				if err := users.DeleteUser(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users and their grants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(func(users *storage.UserStore) error {
				list, err := users.ListUsers()
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tCREATED\tGRANTS")
				for _, u := range list {
					grants := make([]string, 0, len(u.Grants))
					for _, g := range u.Grants {
						grants = append(grants, g.Service+"."+g.Method)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", u.Name, u.CreatedAt.Format(time.DateTime), strings.Join(grants, ","))
				}
				return w.Flush()
			})
		},
	}
}

// grant <name> <service> [method]: the method defaults to every method.
func userGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <name> <service> [method]",
		Short: "Allow a user to call a service method (\"*\" for any)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, method := grantTarget(args)
			return withUsers(func(users *storage.UserStore) error {
				if err := users.Grant(args[0], service, method); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s.%s to %s\n", service, method, args[0])
				return nil
			})
		},
	}
}

func userRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <name> <service> [method]",
		Short: "Remove a grant",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, method := grantTarget(args)
			return withUsers(func(users *storage.UserStore) error {
				if err := users.Revoke(args[0], service, method); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s.%s from %s\n", service, method, args[0])
				return nil
			})
		},
	}
}

func grantTarget(args []string) (service, method string) {
	method = storage.Wildcard
	if len(args) == 3 {
		method = args[2]
	}
	return args[1], method
}
