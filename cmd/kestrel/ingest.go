package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/app"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// maxErrorRows caps the malformed row table.
const maxErrorRows = 20

func ingestCmd() *cobra.Command {
	var (
		tenant       string
		mapping      map[string]string
		defaultPayer string
		batchSize    int
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <file.csv>",
		Short: "Read a CSV ledger, score every row and fill the review queue",
		Long: `Ingest reads a CSV export, detects which columns hold the amount, date,
payer, payee, category and memo, and scores every valid row. Rows that
cannot be parsed are reported with their row number and skipped.

Use --map to override detection, e.g. --map payee=Vendor --map memo=Notes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := ingest.Read(f, tenant, ingest.Options{Mapping: mapping, DefaultPayer: defaultPayer})
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nColumns: %s\n\n", res.Mapping)
			printHealth(out, res.Report)
			printRowErrors(out, res.Errors)

			if len(res.Transactions) == 0 {
				fmt.Fprintln(out, "No valid transactions to score.")
				return nil
			}

			a, err := app.Build(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.Refitter.Bootstrap(ctx); err != nil {
				return fmt.Errorf("fit existing tenants: %w", err)
			}

			bar := progressbar.NewOptions(len(res.Transactions),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetDescription("Scoring"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetVisibility(!quiet),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(cmd.ErrOrStderr()) }),
			)

			start := time.Now()
			counts := make(map[string]int)
			for lo := 0; lo < len(res.Transactions); lo += batchSize {
				if err := ctx.Err(); err != nil {
					return err
				}
				hi := min(lo+batchSize, len(res.Transactions))
				for _, r := range a.Pipeline.ProcessBatch(ctx, tenant, res.Transactions[lo:hi]) {
					counts[r.Outcome()]++
				}
				_ = bar.Add(hi - lo)
			}
			_ = bar.Finish()

			// Queued rows are scored by the backlog rescore after the first fit
			a.Pipeline.Wait()

			printOutcomes(out, counts, time.Since(start))
			return printQueueStats(cmd, a, tenant)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant the transactions belong to")
	cmd.Flags().StringToStringVar(&mapping, "map", nil, "field=header column overrides (amount, date, payer, payee, category, memo)")
	cmd.Flags().StringVar(&defaultPayer, "default-payer", "", "payer used when the file has no payer column")
	cmd.Flags().IntVar(&batchSize, "batch", 500, "transactions stored and scored per batch")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

func printHealth(w io.Writer, r ingest.HealthReport) {
	table := newTable(w, []string{"Rows", "Valid", "Malformed", "Duplicates", "Completeness"})
	table.Append([]string{
		strconv.Itoa(r.Rows),
		strconv.Itoa(r.Valid),
		strconv.Itoa(r.Malformed),
		strconv.Itoa(r.Duplicates),
		fmt.Sprintf("%.1f%%", r.Completeness*100),
	})
	table.Render()

	if len(r.MissingByField) == 0 {
		return
	}
	fields := make([]string, 0, len(r.MissingByField))
	for f := range r.MissingByField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	fmt.Fprintln(w)
	missing := newTable(w, []string{"Field", "Missing"})
	for _, f := range fields {
		missing.Append([]string{f, strconv.Itoa(r.MissingByField[f])})
	}
	missing.Render()
}

func printRowErrors(w io.Writer, errs []*domain.MalformedTransactionError) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%d malformed rows skipped:\n", len(errs))
	table := newTable(w, []string{"Row", "Field", "Reason"})
	for i, e := range errs {
		if i == maxErrorRows {
			break
		}
		table.Append([]string{strconv.Itoa(e.Row), e.Field, e.Reason})
	}
	table.Render()
	if len(errs) > maxErrorRows {
		fmt.Fprintf(w, "... and %d more\n", len(errs)-maxErrorRows)
	}
}

func printOutcomes(w io.Writer, counts map[string]int, elapsed time.Duration) {
	fmt.Fprintln(w)
	table := newTable(w, []string{"Outcome", "Count"})
	for _, o := range []string{
		pipeline.OutcomeScored,
		pipeline.OutcomeFlagged,
		pipeline.OutcomeQueued,
		pipeline.OutcomeMalformed,
		pipeline.OutcomeError,
	} {
		if n := counts[o]; n > 0 {
			table.Append([]string{o, strconv.Itoa(n)})
		}
	}
	table.Render()
	fmt.Fprintf(w, "Processed in %s\n", elapsed.Round(time.Millisecond))
}

func printQueueStats(cmd *cobra.Command, a *app.App, tenant string) error {
	q, err := a.Queues.Queue(cmd.Context(), tenant)
	if err != nil {
		return err
	}
	stats := q.Stats(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "\nReview queue: %d pending, %d in review, %d resolved (high %d, medium %d, low %d)\n",
		stats.ByStatus[domain.ReviewPending],
		stats.ByStatus[domain.ReviewInReview],
		stats.ByStatus[domain.ReviewConfirmed]+stats.ByStatus[domain.ReviewDismissed],
		stats.BySeverity[domain.SeverityHigh],
		stats.BySeverity[domain.SeverityMedium],
		stats.BySeverity[domain.SeverityLow],
	)
	return nil
}
