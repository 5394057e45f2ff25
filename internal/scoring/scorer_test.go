package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// payerHistory returns n daily transactions of roughly amount from one payer.
func payerHistory(n int, amount float64) []*domain.Transaction {
	txns := make([]*domain.Transaction, 0, n)
	for i := 0; i < n; i++ {
		txns = append(txns, &domain.Transaction{
			ID:        fmt.Sprintf("h-%03d", i),
			TenantID:  "tenant-1",
			Timestamp: t0.Add(-time.Duration(n-i) * 24 * time.Hour).Add(time.Duration(i%4) * time.Hour),
			Amount:    amount + float64(i%7)*10 - 30,
			Payer:     "acme",
			Payee:     fmt.Sprintf("supplier-%d", i%3),
			Category:  "supplies",
		})
	}
	return txns
}

func trainingWindow(n int) ([]*domain.Transaction, []*domain.FeatureVector) {
	txns := payerHistory(n, 500)
	ex := features.NewExtractor(domain.DefaultDetectionConfig())
	return txns, ex.BuildWindow(txns)
}

func testForest() domain.ForestConfig {
	return domain.ForestConfig{Trees: 100, SampleSize: 256, Seed: 42}
}

func TestScoreBeforeFit(t *testing.T) {
	s := NewScorer(testForest())
	_, _, err := s.Score("tenant-1", &domain.FeatureVector{TransactionID: "tx"})
	if !errors.Is(err, domain.ErrModelNotFitted) {
		t.Errorf("expected ErrModelNotFitted, got %v", err)
	}
	if s.Fitted("tenant-1") {
		t.Error("expected tenant to be unfitted")
	}
}

func TestFitRequiresTrainingData(t *testing.T) {
	s := NewScorer(testForest())
	_, vectors := trainingWindow(MinTraining - 1)

	_, err := s.Fit(context.Background(), "tenant-1", vectors)
	if !errors.Is(err, domain.ErrInsufficientTrainingData) {
		t.Errorf("expected ErrInsufficientTrainingData, got %v", err)
	}

	_, err = s.Fit(context.Background(), "", vectors)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer(testForest())
	_, vectors := trainingWindow(40)
	if _, err := s.Fit(context.Background(), "tenant-1", vectors); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	v := vectors[20]
	a, snapA, err := s.Score("tenant-1", v)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	b, snapB, _ := s.Score("tenant-1", v)

	if snapA != snapB {
		t.Fatal("expected the same snapshot")
	}
	if a.Score != b.Score || a.PercentileRank != b.PercentileRank {
		t.Errorf("scores differ: %+v vs %+v", a, b)
	}
	if a.ID == b.ID {
		t.Error("expected a new score id per run")
	}
	if a.ModelID != snapA.ID {
		t.Errorf("expected model id %s, got %s", snapA.ID, a.ModelID)
	}

	// Same seed and data fit an equivalent model.
	other, err := Fit("tenant-1", vectors, s.opts)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if got := ScoreWith(other, v); got.Score != a.Score {
		t.Errorf("refit with same seed changed score: %v vs %v", got.Score, a.Score)
	}
}

func TestLargeAmountIsFlaggable(t *testing.T) {
	s := NewScorer(testForest())
	history, vectors := trainingWindow(40)
	if _, err := s.Fit(context.Background(), "tenant-1", vectors); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	tx := &domain.Transaction{
		ID:        "big",
		TenantID:  "tenant-1",
		Timestamp: t0,
		Amount:    50000,
		Payer:     "acme",
		Payee:     "supplier-1",
		Category:  "supplies",
	}
	v, err := features.NewExtractor(domain.DefaultDetectionConfig()).Extract(tx, &features.HistoricalContext{PayerHistory: history})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	score, _, err := s.Score("tenant-1", v)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.PercentileRank <= 0.95 {
		t.Errorf("expected percentile rank above 0.95, got %v", score.PercentileRank)
	}
	if score.Score < 0 || score.Score > 1 {
		t.Errorf("score out of range: %v", score.Score)
	}

	snap, _ := s.Snapshot("tenant-1")
	if typical, outlier := snap.RawScore(vectors[len(vectors)-1]), snap.RawScore(v); typical >= outlier {
		t.Errorf("expected typical %v below outlier %v", typical, outlier)
	}
}

func TestSnapshotSwap(t *testing.T) {
	s := NewScorer(testForest())
	_, vectors := trainingWindow(60)

	first, err := s.Fit(context.Background(), "tenant-1", vectors[:30])
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	var (
		mu     sync.Mutex
		fitted = map[string]bool{first.ID: true}
		wg     sync.WaitGroup
	)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				snap, err := s.Fit(context.Background(), "tenant-1", vectors[:30+j*10])
				if err != nil {
					t.Errorf("Fit failed: %v", err)
					return
				}
				mu.Lock()
				fitted[snap.ID] = true
				mu.Unlock()
			}
		}()
	}

	seen := make(chan string, 400)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				score, snap, err := s.Score("tenant-1", vectors[j%len(vectors)])
				if err != nil {
					t.Errorf("Score failed: %v", err)
					return
				}
				if score.ModelID != snap.ID {
					t.Errorf("score model %s does not match snapshot %s", score.ModelID, snap.ID)
				}
				seen <- snap.ID
			}
		}()
	}
	wg.Wait()
	close(seen)

	for id := range seen {
		if !fitted[id] {
			t.Errorf("scored against unknown snapshot %s", id)
		}
	}
}

func TestPercentileRank(t *testing.T) {
	snap := &Snapshot{trainScores: []float64{0.1, 0.2, 0.2, 0.4}, minRaw: 0.1, maxRaw: 0.4}

	tests := []struct {
		raw            float64
		wantPercentile float64
		wantScore      float64
	}{
		{0.05, 0, 0},
		{0.1, 0.25, 0},
		{0.2, 0.75, 1.0 / 3},
		{0.4, 1, 1},
		{0.9, 1, 1},
	}
	for _, tt := range tests {
		if got := snap.PercentileRank(tt.raw); got != tt.wantPercentile {
			t.Errorf("PercentileRank(%v) = %v, want %v", tt.raw, got, tt.wantPercentile)
		}
		if got := snap.Normalize(tt.raw); got < tt.wantScore-1e-9 || got > tt.wantScore+1e-9 {
			t.Errorf("Normalize(%v) = %v, want %v", tt.raw, got, tt.wantScore)
		}
	}
}
