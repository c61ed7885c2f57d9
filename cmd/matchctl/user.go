package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/tabletop"
)

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	cmd.AddCommand(newUserAddCommand(opts))
	return cmd
}

func newUserAddCommand(opts *rootOptions) *cobra.Command {
	var u tabletop.User

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create an account and print its bearer token",
		Long: `Create an account and print its bearer token.

The token is shown once; only its hash is stored.

Examples:
  matchctl user add alice --email alice@example.com --turn-emails
  matchctl user add root --admin --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			u.Name = args[0]
			created, token, err := store.NewSQLiteStore(db).CreateUser(ctx, u)
			if err != nil {
				return err
			}

			out := struct {
				ID    int64  `json:"id"`
				Name  string `json:"name"`
				Token string `json:"token"`
			}{created.ID, created.Name, token}
			return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "created user %s (id %d)\ntoken: %s\n", created.Name, created.ID, token)
			})
		},
	}

	cmd.Flags().StringVar(&u.Email, "email", "", "email address for turn notifications")
	cmd.Flags().BoolVar(&u.Admin, "admin", false, "allow moving on behalf of any player")
	cmd.Flags().BoolVar(&u.TurnEmails, "turn-emails", false, "notify when a turn is handed over")
	return cmd
}
