package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "history-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seed(t *testing.T, repo *repository.SQLRepository, tenantID, payer string, n int, start time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		tx := &domain.Transaction{
			ID:        fmt.Sprintf("%s-%s-%d", tenantID, payer, i),
			TenantID:  tenantID,
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			CreatedAt: start,
			Amount:    100 + float64(i),
			Payer:     payer,
			Payee:     "supplier-a",
			Category:  "supplies",
		}
		if err := repo.SaveTransaction(context.Background(), tenantID, tx); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}
	}
}

func TestProvider(t *testing.T) {
	repo := newRepo(t)
	lru := cache.NewLRUCache(100)
	defer lru.Close()

	cfg := domain.DefaultDetectionConfig()
	cfg.Lookback = 30 * 24 * time.Hour
	p := NewProvider(repo, lru, cfg)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("EmptyDatabase", func(t *testing.T) {
		tx := &domain.Transaction{ID: "new", Timestamp: t0, Payer: "acme"}
		hc, err := p.Context(ctx, tenantID, tx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hc.PayerHistory) != 0 || hc.Global.Count != 0 {
			t.Errorf("expected empty context, got %d history and %d baseline", len(hc.PayerHistory), hc.Global.Count)
		}
		if err := p.Invalidate(ctx, tenantID); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}
	})

	// 60 daily transactions for acme ending the day before t0+20d, 10 for globex.
	seed(t, repo, tenantID, "acme", 60, t0.AddDate(0, 0, -40))
	seed(t, repo, tenantID, "globex", 10, t0)
	seed(t, repo, "tenant-002", "acme", 5, t0)

	t.Run("PayerHistoryWithinLookback", func(t *testing.T) {
		tx := &domain.Transaction{ID: "tx-next", Timestamp: t0, Payer: "acme"}
		hc, err := p.Context(ctx, tenantID, tx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Days -30 through -1 relative to t0.
		if len(hc.PayerHistory) != 30 {
			t.Errorf("expected 30 transactions in lookback, got %d", len(hc.PayerHistory))
		}
		for _, h := range hc.PayerHistory {
			if !h.Timestamp.Before(tx.Timestamp) || h.Payer != "acme" {
				t.Fatalf("unexpected history entry %+v", h)
			}
		}
	})

	t.Run("BaselineCached", func(t *testing.T) {
		if err := p.Invalidate(ctx, tenantID); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}
		hits := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("baseline", "hit"))

		b, err := p.Baseline(ctx, tenantID)
		if err != nil {
			t.Fatalf("Baseline failed: %v", err)
		}
		if b.Count != 70 {
			t.Errorf("expected 70 transactions in baseline, got %d", b.Count)
		}
		if b.PayeeCounts["supplier-a"] != 70 {
			t.Errorf("expected payee count 70, got %d", b.PayeeCounts["supplier-a"])
		}

		again, err := p.Baseline(ctx, tenantID)
		if err != nil {
			t.Fatalf("Baseline failed: %v", err)
		}
		if again.Count != b.Count || again.MeanAmount != b.MeanAmount {
			t.Error("expected cached baseline to match computed one")
		}
		if got := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("baseline", "hit")); got != hits+1 {
			t.Errorf("expected one cache hit, got %v", got-hits)
		}
	})

	t.Run("StaleUntilInvalidated", func(t *testing.T) {
		seed(t, repo, tenantID, "initech", 3, t0)
		b, _ := p.Baseline(ctx, tenantID)
		if b.Count != 70 {
			t.Errorf("expected cached count 70, got %d", b.Count)
		}
		if err := p.Invalidate(ctx, tenantID); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}
		b, _ = p.Baseline(ctx, tenantID)
		if b.Count != 73 {
			t.Errorf("expected fresh count 73, got %d", b.Count)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		b, err := p.Baseline(ctx, "tenant-002")
		if err != nil {
			t.Fatalf("Baseline failed: %v", err)
		}
		if b.Count != 5 {
			t.Errorf("expected 5 transactions for tenant-002, got %d", b.Count)
		}
	})
}

func TestTrainingWindow(t *testing.T) {
	repo := newRepo(t)
	cfg := domain.DefaultDetectionConfig()
	cfg.MaxTraining = 25
	p := NewProvider(repo, nil, cfg)
	ctx := context.Background()

	seed(t, repo, "tenant-001", "acme", 40, t0)

	window, err := p.TrainingWindow(ctx, "tenant-001")
	if err != nil {
		t.Fatalf("TrainingWindow failed: %v", err)
	}
	if len(window) != 25 {
		t.Fatalf("expected window capped at 25, got %d", len(window))
	}
	if window[0].TransactionID != "tenant-001-acme-15" || window[24].TransactionID != "tenant-001-acme-39" {
		t.Errorf("expected the latest 25 oldest first, got %s..%s", window[0].TransactionID, window[24].TransactionID)
	}

	// Without a cache the baseline is recomputed on every call.
	if err := p.Invalidate(ctx, "tenant-001"); err != nil {
		t.Fatalf("Invalidate without cache failed: %v", err)
	}
	b, err := p.Baseline(ctx, "tenant-001")
	if err != nil || b.Count != 25 {
		t.Errorf("expected baseline over 25, got %v (%v)", b, err)
	}
}
