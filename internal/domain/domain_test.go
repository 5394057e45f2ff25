package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTransactionValidate(t *testing.T) {
	base := Transaction{
		ID:        "tx-1",
		Timestamp: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		Amount:    120,
		Payer:     "acme",
		Payee:     "office-supplies",
	}

	tests := []struct {
		name   string
		mutate func(*Transaction)
		field  string
	}{
		{"valid", func(*Transaction) {}, ""},
		{"missing id", func(t *Transaction) { t.ID = "" }, "id"},
		{"missing timestamp", func(t *Transaction) { t.Timestamp = time.Time{} }, "timestamp"},
		{"nan amount", func(t *Transaction) { t.Amount = math.NaN() }, "amount"},
		{"huge amount", func(t *Transaction) { t.Amount = math.MaxFloat64 / 2 }, "amount"},
		{"huge negative amount", func(t *Transaction) { t.Amount = -1e300 }, "amount"},
		{"largest amount", func(t *Transaction) { t.Amount = MaxAmount }, ""},
		{"missing payer", func(t *Transaction) { t.Payer = "" }, "payer"},
		{"missing payee", func(t *Transaction) { t.Payee = "" }, "payee"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := base
			tt.mutate(&tx)
			err := tx.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var mErr *MalformedTransactionError
			if !errors.As(err, &mErr) {
				t.Fatalf("expected MalformedTransactionError, got %v", err)
			}
			if mErr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, mErr.Field)
			}
		})
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		p    float64
		want Severity
	}{
		{0.951, SeverityLow},
		{0.975, SeverityMedium},
		{0.98, SeverityMedium},
		{0.99, SeverityHigh},
		{1, SeverityHigh},
	}
	for _, tt := range tests {
		if got := SeverityFor(tt.p); got != tt.want {
			t.Errorf("SeverityFor(%v) = %s, want %s", tt.p, got, tt.want)
		}
	}
}

func TestSameRun(t *testing.T) {
	score := &AnomalyScore{ID: "s1", TransactionID: "tx", ModelID: "m1"}

	if err := SameRun(score, &Explanation{ScoreID: "s1", TransactionID: "tx", ModelID: "m1"}); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := SameRun(score, &Explanation{ScoreID: "s2", TransactionID: "tx", ModelID: "m1"}); !errors.Is(err, ErrRunMismatch) {
		t.Errorf("expected ErrRunMismatch for score id, got %v", err)
	}
	if err := SameRun(score, &Explanation{ScoreID: "s1", TransactionID: "tx", ModelID: "m2"}); !errors.Is(err, ErrRunMismatch) {
		t.Errorf("expected ErrRunMismatch for model id, got %v", err)
	}
	if err := SameRun(score, nil); !errors.Is(err, ErrRunMismatch) {
		t.Errorf("expected ErrRunMismatch for nil explanation, got %v", err)
	}
}

func TestFeatureVectorValuesOrder(t *testing.T) {
	v := &FeatureVector{
		AmountZScore:     1,
		FrequencyLast30d: 2,
		CategoryRarity:   3,
		PayeeNovelty:     4,
		TimeOfDayBucket:  5,
	}
	vals := v.Values()
	if len(vals) != len(FeatureNames) {
		t.Fatalf("expected %d values, got %d", len(FeatureNames), len(vals))
	}
	for i, name := range FeatureNames {
		got, ok := v.Value(name)
		if !ok || got != vals[i] || got != float64(i+1) {
			t.Errorf("feature %s: got %v, want %v", name, got, float64(i+1))
		}
	}
}

func TestReviewStatusTerminal(t *testing.T) {
	if ReviewPending.Terminal() || ReviewInReview.Terminal() {
		t.Error("pending and in_review must not be terminal")
	}
	if !ReviewConfirmed.Terminal() || !ReviewDismissed.Terminal() {
		t.Error("confirmed and dismissed must be terminal")
	}
	if ReviewStatus("closed").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestReviewFilterMatch(t *testing.T) {
	pending := &ReviewItem{Status: ReviewPending, Severity: SeverityHigh}
	archived := &ReviewItem{Status: ReviewDismissed, Severity: SeverityLow, Archived: true}

	tests := []struct {
		name   string
		filter ReviewFilter
		item   *ReviewItem
		want   bool
	}{
		{"empty matches live item", ReviewFilter{}, pending, true},
		{"empty hides archived", ReviewFilter{}, archived, false},
		{"include archived", ReviewFilter{IncludeArchived: true}, archived, true},
		{"status mismatch", ReviewFilter{Status: ReviewConfirmed}, pending, false},
		{"severity match", ReviewFilter{Status: ReviewPending, Severity: SeverityHigh}, pending, true},
		{"severity mismatch", ReviewFilter{Severity: SeverityMedium}, pending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.item); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}
