package explain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/isolation"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func history(n int) []*domain.Transaction {
	txns := make([]*domain.Transaction, 0, n)
	for i := 0; i < n; i++ {
		txns = append(txns, &domain.Transaction{
			ID:        fmt.Sprintf("h-%03d", i),
			Timestamp: t0.Add(-time.Duration(n-i) * 24 * time.Hour).Add(time.Duration(i%4) * time.Hour),
			Amount:    500 + float64(i%7)*10 - 30,
			Payer:     "acme",
			Payee:     fmt.Sprintf("supplier-%d", i%3),
			Category:  "supplies",
		})
	}
	return txns
}

func fixture(t *testing.T) ([]*domain.Transaction, []*domain.FeatureVector, *scoring.Snapshot) {
	t.Helper()
	txns := history(40)
	vectors := features.NewExtractor(domain.DefaultDetectionConfig()).BuildWindow(txns)
	snap, err := scoring.Fit("tenant-1", vectors, isolation.DefaultOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	return txns, vectors, snap
}

func largeAmount(t *testing.T, txns []*domain.Transaction) *domain.FeatureVector {
	t.Helper()
	tx := &domain.Transaction{ID: "big", Timestamp: t0, Amount: 50000, Payer: "acme", Payee: "supplier-1", Category: "supplies"}
	v, err := features.NewExtractor(domain.DefaultDetectionConfig()).Extract(tx, &features.HistoricalContext{PayerHistory: txns})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	return v
}

func TestExplainLargeAmount(t *testing.T) {
	txns, _, snap := fixture(t)
	v := largeAmount(t, txns)
	score := scoring.ScoreWith(snap, v)

	g := NewGenerator(domain.DefaultDetectionConfig())
	exp, err := g.Explain(v, score, snap)
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}

	if exp.Generic {
		t.Fatal("expected specific factors")
	}
	if exp.Factors[0].Feature != domain.FeatureAmountZScore {
		t.Errorf("expected amount as the top factor, got %s", exp.Factors[0].Feature)
	}
	if !strings.HasPrefix(exp.Factors[0].Text, "amount is ") || !strings.Contains(exp.Factors[0].Text, "x the payer's typical transaction size") {
		t.Errorf("unexpected text: %q", exp.Factors[0].Text)
	}
	if len(exp.Factors) > 3 {
		t.Errorf("expected at most 3 factors, got %d", len(exp.Factors))
	}
	for i, f := range exp.Factors {
		if f.Contribution < 0.05 || f.Contribution > 1 {
			t.Errorf("factor %s contribution %v out of range", f.Feature, f.Contribution)
		}
		if i > 0 && f.Contribution > exp.Factors[i-1].Contribution {
			t.Errorf("factors not descending at %d", i)
		}
	}
	if err := domain.SameRun(score, exp); err != nil {
		t.Errorf("expected explanation from the score's run: %v", err)
	}
}

func TestContributionsOrdered(t *testing.T) {
	_, vectors, snap := fixture(t)
	for _, v := range vectors {
		got := Contributions(v, snap)
		if len(got) != len(domain.FeatureNames) {
			t.Fatalf("expected %d contributions, got %d", len(domain.FeatureNames), len(got))
		}
		for i, f := range got {
			if f.Contribution < 0 || f.Contribution > 1 {
				t.Errorf("contribution out of range: %+v", f)
			}
			if i == 0 {
				continue
			}
			prev := got[i-1]
			if f.Contribution > prev.Contribution {
				t.Errorf("not descending: %+v after %+v", f, prev)
			}
			if f.Contribution == prev.Contribution && featureIndex(f.Feature) < featureIndex(prev.Feature) {
				t.Errorf("tie not in declaration order: %s after %s", f.Feature, prev.Feature)
			}
		}
	}
}

func TestExplainGenericFallback(t *testing.T) {
	_, vectors, snap := fixture(t)
	v := vectors[len(vectors)/2]
	score := scoring.ScoreWith(snap, v)

	g := &Generator{TopK: 3, Materiality: 1.01}
	exp, err := g.Explain(v, score, snap)
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if !exp.Generic || len(exp.Factors) != 1 {
		t.Fatalf("expected one generic factor, got %+v", exp.Factors)
	}
	if exp.Factors[0].Feature != domain.FeatureMultiFactor || exp.Factors[0].Text != GenericText {
		t.Errorf("unexpected generic factor: %+v", exp.Factors[0])
	}
}

func TestExplainTopK(t *testing.T) {
	txns, _, snap := fixture(t)
	v := largeAmount(t, txns)
	score := scoring.ScoreWith(snap, v)

	g := &Generator{TopK: 1, Materiality: 0}
	exp, err := g.Explain(v, score, snap)
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if len(exp.Factors) != 1 {
		t.Errorf("expected 1 factor, got %d", len(exp.Factors))
	}
}

func TestExplainRunMismatch(t *testing.T) {
	_, vectors, snap := fixture(t)
	v := vectors[5]
	score := scoring.ScoreWith(snap, v)
	g := NewGenerator(domain.DefaultDetectionConfig())

	t.Run("OtherModel", func(t *testing.T) {
		stale := *score
		stale.ModelID = "other-model"
		_, err := g.Explain(v, &stale, snap)
		if !errors.Is(err, domain.ErrRunMismatch) {
			t.Errorf("expected ErrRunMismatch, got %v", err)
		}
	})

	t.Run("OtherTransaction", func(t *testing.T) {
		_, err := g.Explain(vectors[6], score, snap)
		if !errors.Is(err, domain.ErrRunMismatch) {
			t.Errorf("expected ErrRunMismatch, got %v", err)
		}
	})
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name    string
		feature string
		v       domain.FeatureVector
		want    string
	}{
		{
			name:    "AmountRatio",
			feature: domain.FeatureAmountZScore,
			v:       domain.FeatureVector{Amount: 2100, PayerTypicalAmount: 500},
			want:    "amount is 4.2x the payer's typical transaction size",
		},
		{
			name:    "AmountLowConfidence",
			feature: domain.FeatureAmountZScore,
			v:       domain.FeatureVector{Amount: 1000, PayerTypicalAmount: 500, LowConfidence: true},
			want:    "amount is 2.0x the tenant's typical transaction size",
		},
		{
			name:    "AmountNegative",
			feature: domain.FeatureAmountZScore,
			v:       domain.FeatureVector{Amount: -50, AmountZScore: -3.24, PayerTypicalAmount: 500},
			want:    "amount is 3.2 standard deviations from the payer's typical transaction size",
		},
		{
			name:    "NewPayee",
			feature: domain.FeaturePayeeNovelty,
			v:       domain.FeatureVector{PayeeNovelty: 1},
			want:    "payee has never been paid by this payer before",
		},
		{
			name:    "RarePayee",
			feature: domain.FeaturePayeeNovelty,
			v:       domain.FeatureVector{PayeeNovelty: 0.25},
			want:    "payee has been paid only 3 times before",
		},
		{
			name:    "NewCategory",
			feature: domain.FeatureCategoryRarity,
			v:       domain.FeatureVector{CategoryRarity: 1},
			want:    "category has never appeared in the payer's history",
		},
		{
			name:    "OffHours",
			feature: domain.FeatureTimeOfDayBucket,
			v:       domain.FeatureVector{TimeOfDayBucket: 0},
			want:    "transaction time 00:00-04:00 UTC is unusual for this payer",
		},
		{
			name:    "Frequency",
			feature: domain.FeatureFrequency30d,
			v:       domain.FeatureVector{FrequencyLast30d: 27},
			want:    "payer made 27 transactions in the 30 days before this one",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.feature, &tt.v); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func featureIndex(name string) int {
	for i, n := range domain.FeatureNames {
		if n == name {
			return i
		}
	}
	return -1
}
