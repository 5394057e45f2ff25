package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// exportHeader is the column layout of an exported review file.
var exportHeader = []string{
	"item_id", "transaction_id", "date", "payer", "payee", "category", "memo", "amount",
	"score", "percentile", "low_confidence", "severity", "status",
	"factors", "indicators", "assigned_to", "resolved_by", "reviewer_note", "resolved_at",
}

func exportCmd() *cobra.Command {
	var flags queueFlags
	cmd := &cobra.Command{
		Use:   "export <file.csv>",
		Short: "Write review items with their explanations to a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := flags.listItems(cmd)
			if err != nil {
				return err
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := writeItems(f, items); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", args[0], err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d items to %s\n", len(items), args[0])
			return nil
		},
	}
	flags.register(cmd, "all")
	return cmd
}

func writeItems(f *os.File, items []*domain.ReviewItem) error {
	w := csv.NewWriter(f)
	if err := w.Write(exportHeader); err != nil {
		return err
	}
	for _, item := range items {
		if err := w.Write(exportRecord(item)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func exportRecord(item *domain.ReviewItem) []string {
	rec := make([]string, 0, len(exportHeader))
	rec = append(rec, item.ID, item.TransactionID)

	if tx := item.Transaction; tx != nil {
		rec = append(rec,
			tx.Timestamp.Format(time.RFC3339),
			tx.Payer, tx.Payee, tx.Category, tx.Memo,
			strconv.FormatFloat(tx.Amount, 'f', 2, 64),
		)
	} else {
		rec = append(rec, "", "", "", "", "", "")
	}

	if s := item.Score; s != nil {
		rec = append(rec,
			strconv.FormatFloat(s.Score, 'f', 4, 64),
			strconv.FormatFloat(s.PercentileRank, 'f', 4, 64),
			strconv.FormatBool(s.LowConfidence),
		)
	} else {
		rec = append(rec, "", "", strconv.FormatBool(item.LowConfidence))
	}

	var factors []string
	if item.Explanation != nil {
		factors = item.Explanation.Sentences()
	}
	indicators := make([]string, 0, len(item.Indicators))
	for _, ind := range item.Indicators {
		indicators = append(indicators, fmt.Sprintf("%s (%s)", ind.Name, ind.Severity))
	}

	resolvedAt := ""
	if item.ResolvedAt != nil {
		resolvedAt = item.ResolvedAt.Format(time.RFC3339)
	}

	return append(rec,
		string(item.Severity), string(item.Status),
		strings.Join(factors, "; "), strings.Join(indicators, "; "),
		item.AssignedTo, item.ResolvedBy, item.ReviewerNote, resolvedAt,
	)
}
