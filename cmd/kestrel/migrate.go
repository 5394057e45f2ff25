package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/repository"
)

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := repository.Open(cfg.Repository)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if status {
				statuses, err := repository.Status(ctx, db, cfg.Repository.Driver)
				if err != nil {
					return err
				}
				table := newTable(out, []string{"Version", "Migration", "Applied"})
				for _, s := range statuses {
					table.Append([]string{strconv.FormatInt(s.Version, 10), s.Source, strconv.FormatBool(s.Applied)})
				}
				table.Render()
				return nil
			}

			n, err := repository.Migrate(ctx, db, cfg.Repository.Driver)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(out, "Database is up to date.")
				return nil
			}
			fmt.Fprintf(out, "Applied %d migrations.\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "show migration status without applying")
	return cmd
}
