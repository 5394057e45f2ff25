package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/ingest"
)

func generateCmd() *cobra.Command {
	var opts ingest.GenerateOptions
	cmd := &cobra.Command{
		Use:   "generate <file.csv>",
		Short: "Write a synthetic ledger with embedded anomalies",
		Long: `Generate writes a reproducible CSV ledger for demos and tests. Normal rows
pay a hundred regular vendors on weekdays; anomalous rows pay unseen
vendors very large or tiny amounts, mostly on weekends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			n, err := ingest.Generate(f, opts)
			if err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d rows (%d anomalous) to %s\n", opts.Rows, n, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Rows, "rows", 1000, "number of rows")
	cmd.Flags().Float64Var(&opts.AnomalyRate, "anomaly-rate", 0.03, "share of anomalous rows, 0 to 1")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 42, "random seed")
	return cmd
}
