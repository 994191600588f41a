package cli

import (
	"fmt"

	"github.com/safar/go-fulfillment/internal/database"
	"github.com/spf13/cobra"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the SQL migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{database.MigrateUp, database.MigrateDown},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := args[0]
			if direction != database.MigrateUp && direction != database.MigrateDown {
				return fmt.Errorf("direction must be %q or %q", database.MigrateUp, database.MigrateDown)
			}
			if dir == "" {
				dir = opts.cfg.Database.MigrationsDir
			}

			db, err := openDB(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.RunMigrations(cmd.Context(), db, dir, direction)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			fmt.Fprintf(out, "%d migration(s) %s\n", len(applied), direction)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (default DATABASE_MIGRATIONS_DIR)")
	return cmd
}
