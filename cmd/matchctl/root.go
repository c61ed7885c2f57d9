package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/playperu/tabletop/internal/database"
	"github.com/playperu/tabletop/internal/migrations"
)

var validFormats = []string{"text", "json"}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	DB     string
	Format string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "matchctl",
		Short:         "Administer tabletop matches",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "data/tabletop.db"
	}
	cmd.PersistentFlags().StringVar(&opts.DB, "db", defaultDB, "path to the SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newUserCommand(opts))
	cmd.AddCommand(newMatchCommand(opts))

	return cmd
}

// open connects to the database and brings its schema up to date.
func (o *rootOptions) open(ctx context.Context) (*sql.DB, error) {
	db, err := database.Open(ctx, o.DB)
	if err != nil {
		return nil, err
	}
	if _, err := migrations.Up(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// print writes v as indented JSON, or calls text in text mode.
func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := database.Open(ctx, opts.DB)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := migrations.Up(ctx, db)
			if err != nil {
				return err
			}
			version, err := migrations.Version(ctx, db)
			if err != nil {
				return err
			}

			out := struct {
				Applied []int64 `json:"applied"`
				Version int64   `json:"version"`
			}{applied, version}
			return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				if len(applied) == 0 {
					fmt.Fprintf(w, "schema up to date at version %d\n", version)
					return
				}
				fmt.Fprintf(w, "applied %v, schema at version %d\n", applied, version)
			})
		},
	}
}
