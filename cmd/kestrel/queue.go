package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/review"
)

// queueFlags are shared by queue and export.
type queueFlags struct {
	tenant   string
	status   string
	severity string
	limit    int
	archived bool
}

func (f *queueFlags) register(cmd *cobra.Command, defaultStatus string) {
	cmd.Flags().StringVar(&f.tenant, "tenant", "default", "tenant whose queue to read")
	cmd.Flags().StringVar(&f.status, "status", defaultStatus, "pending, in_review, confirmed, dismissed or all")
	cmd.Flags().StringVar(&f.severity, "severity", "", "only items of this severity (low, medium, high)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum items (0 for no limit)")
	cmd.Flags().BoolVar(&f.archived, "archived", false, "include archived items")
}

func (f *queueFlags) filter() (domain.ReviewFilter, error) {
	filter := domain.ReviewFilter{
		Severity:        domain.Severity(strings.ToLower(f.severity)),
		Limit:           f.limit,
		IncludeArchived: f.archived,
	}
	if status := strings.ToLower(f.status); status != "all" {
		filter.Status = domain.ReviewStatus(status)
		if !filter.Status.Valid() {
			return filter, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, f.status)
		}
	}
	switch filter.Severity {
	case "", domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh:
	default:
		return filter, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, f.severity)
	}
	return filter, nil
}

// listItems reads the tenant's items straight from the store in review
// order. It does not load the live queue, so leases held by a running
// server are left alone.
func (f *queueFlags) listItems(cmd *cobra.Command) ([]*domain.ReviewItem, error) {
	filter, err := f.filter()
	if err != nil {
		return nil, err
	}
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	all, err := repo.ListReviewItems(cmd.Context(), f.tenant)
	if err != nil {
		return nil, err
	}
	items := make([]*domain.ReviewItem, 0, len(all))
	for _, item := range all {
		if filter.Match(item) {
			items = append(items, item)
		}
	}
	return review.Order(items, filter.Limit), nil
}

func queueCmd() *cobra.Command {
	var flags queueFlags
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the review queue, most urgent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := flags.listItems(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "Review queue is empty.")
				return nil
			}

			table := newTable(out, []string{"Item", "Date", "Payee", "Amount", "Pctl", "Severity", "Status", "Why"})
			for _, item := range items {
				table.Append(itemRow(item))
			}
			table.Render()
			fmt.Fprintf(out, "%d items\n", len(items))
			return nil
		},
	}
	flags.register(cmd, string(domain.ReviewPending))
	return cmd
}

func itemRow(item *domain.ReviewItem) []string {
	var date, payee, amount, pctl, why string
	if tx := item.Transaction; tx != nil {
		date = tx.Timestamp.Format("2006-01-02")
		payee = tx.Payee
		amount = fmt.Sprintf("%.2f", tx.Amount)
	}
	if s := item.Score; s != nil {
		pctl = fmt.Sprintf("%.1f", s.PercentileRank*100)
		if s.LowConfidence {
			pctl += "*"
		}
	}
	if exp := item.Explanation; exp != nil && len(exp.Factors) > 0 {
		why = exp.Factors[0].Text
	}
	return []string{shortID(item.ID), date, payee, amount, pctl, string(item.Severity), string(item.Status), why}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	return table
}
