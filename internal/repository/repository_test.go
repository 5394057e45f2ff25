package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newSQLiteRepo(t *testing.T) *SQLRepository {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	exerciseRepository(t, newSQLiteRepo(t))
}

// exerciseRepository runs the shared contract against any driver.
func exerciseRepository(t *testing.T, repo *SQLRepository) {
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tx := &domain.Transaction{
		ID:        "tx-001",
		Timestamp: base,
		CreatedAt: base,
		Amount:    1000.50,
		Payer:     "acme",
		Payee:     "supplier-a",
		Category:  "supplies",
		Memo:      "invoice 42",
	}

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if retrieved.Amount != tx.Amount || retrieved.Payer != tx.Payer || retrieved.Memo != tx.Memo {
			t.Errorf("unexpected transaction: %+v", retrieved)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if !retrieved.Timestamp.Equal(tx.Timestamp) {
			t.Errorf("expected timestamp %v, got %v", tx.Timestamp, retrieved.Timestamp)
		}
	})

	t.Run("TransactionsAreImmutable", func(t *testing.T) {
		changed := *tx
		changed.Amount = 1
		if err := repo.SaveTransaction(ctx, tenantID, &changed); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
		retrieved, _ := repo.GetTransaction(ctx, tenantID, tx.ID)
		if retrieved.Amount != tx.Amount {
			t.Errorf("expected stored amount %.2f to be kept, got %.2f", tx.Amount, retrieved.Amount)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "tenant-002", tx.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveTransaction(ctx, "", tx); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetTransaction(ctx, "", tx.ID); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("GetTransactionsByPayer", func(t *testing.T) {
		for i, offset := range []time.Duration{-48 * time.Hour, -24 * time.Hour, time.Hour} {
			other := &domain.Transaction{
				ID:        "tx-p" + string(rune('a'+i)),
				Timestamp: base.Add(offset),
				CreatedAt: base,
				Amount:    100,
				Payer:     "acme",
				Payee:     "supplier-b",
			}
			if err := repo.SaveTransaction(ctx, tenantID, other); err != nil {
				t.Fatalf("SaveTransaction failed: %v", err)
			}
		}

		got, err := repo.GetTransactionsByPayer(ctx, tenantID, "acme", base.Add(-30*time.Hour), base)
		if err != nil {
			t.Fatalf("GetTransactionsByPayer failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "tx-pb" {
			t.Errorf("expected only tx-pb in the window, got %d", len(got))
		}

		all, err := repo.ListTransactions(ctx, tenantID, time.Time{})
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("expected 4 transactions, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].Timestamp.Before(all[i-1].Timestamp) {
				t.Error("expected transactions oldest first")
			}
		}
	})

	score := &domain.AnomalyScore{
		ID:             "score-001",
		TenantID:       tenantID,
		TransactionID:  tx.ID,
		ModelID:        "model-001",
		Score:          0.91,
		PercentileRank: 0.993,
		LowConfidence:  true,
		ScoredAt:       base.Add(time.Minute),
	}
	exp := &domain.Explanation{
		ID:            "exp-001",
		TenantID:      tenantID,
		TransactionID: tx.ID,
		ScoreID:       score.ID,
		ModelID:       score.ModelID,
		Factors: []domain.Factor{
			{Feature: domain.FeatureAmountZScore, Contribution: 0.8, Text: "amount is 4.2x the payer's typical transaction size"},
		},
		CreatedAt: base.Add(time.Minute),
	}

	t.Run("UnscoredTransactions", func(t *testing.T) {
		got, err := repo.ListUnscoredTransactions(ctx, tenantID, 10)
		if err != nil {
			t.Fatalf("ListUnscoredTransactions failed: %v", err)
		}
		if len(got) != 4 {
			t.Errorf("expected 4 unscored, got %d", len(got))
		}
	})

	t.Run("FeatureVector", func(t *testing.T) {
		v := &domain.FeatureVector{
			TransactionID:      tx.ID,
			AmountZScore:       3.5,
			FrequencyLast30d:   12,
			CategoryRarity:     0.2,
			PayeeNovelty:       1,
			TimeOfDayBucket:    2,
			LowConfidence:      true,
			Amount:             tx.Amount,
			PayerHistoryCount:  3,
			PayerTypicalAmount: 240,
			ComputedAt:         base,
		}
		if err := repo.SaveFeatureVector(ctx, tenantID, v); err != nil {
			t.Fatalf("SaveFeatureVector failed: %v", err)
		}
		v.AmountZScore = 4
		if err := repo.SaveFeatureVector(ctx, tenantID, v); err != nil {
			t.Fatalf("SaveFeatureVector upsert failed: %v", err)
		}

		got, err := repo.GetFeatureVector(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("GetFeatureVector failed: %v", err)
		}
		if got.AmountZScore != 4 || !got.LowConfidence || got.PayerHistoryCount != 3 {
			t.Errorf("unexpected vector: %+v", got)
		}
	})

	t.Run("ScoresAndExplanations", func(t *testing.T) {
		if err := repo.SaveScore(ctx, tenantID, score); err != nil {
			t.Fatalf("SaveScore failed: %v", err)
		}
		rescore := *score
		rescore.ID = "score-002"
		rescore.ScoredAt = base.Add(time.Hour)
		if err := repo.SaveScore(ctx, tenantID, &rescore); err != nil {
			t.Fatalf("SaveScore failed: %v", err)
		}

		scores, err := repo.ListScores(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("ListScores failed: %v", err)
		}
		if len(scores) != 2 || scores[0].ID != "score-002" {
			t.Errorf("expected both scores newest first, got %d", len(scores))
		}
		if !scores[1].LowConfidence {
			t.Error("expected low confidence to round trip")
		}

		if err := repo.SaveExplanation(ctx, tenantID, exp); err != nil {
			t.Fatalf("SaveExplanation failed: %v", err)
		}
		got, err := repo.GetExplanation(ctx, tenantID, score.ID)
		if err != nil {
			t.Fatalf("GetExplanation failed: %v", err)
		}
		if len(got.Factors) != 1 || got.Factors[0].Text != exp.Factors[0].Text {
			t.Errorf("unexpected factors: %+v", got.Factors)
		}

		unscored, _ := repo.ListUnscoredTransactions(ctx, tenantID, 10)
		if len(unscored) != 3 {
			t.Errorf("expected 3 unscored after scoring, got %d", len(unscored))
		}
	})

	t.Run("ModelRuns", func(t *testing.T) {
		if _, err := repo.LatestModelRun(ctx, tenantID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound before any fit, got %v", err)
		}
		for i, id := range []string{"model-001", "model-002"} {
			run := &domain.ModelRun{ID: id, TenantID: tenantID, FittedAt: base.Add(time.Duration(i) * time.Hour), TrainingSize: 40, Trees: 100, SampleSize: 40, Seed: 42}
			if err := repo.SaveModelRun(ctx, tenantID, run); err != nil {
				t.Fatalf("SaveModelRun failed: %v", err)
			}
		}
		run, err := repo.LatestModelRun(ctx, tenantID)
		if err != nil {
			t.Fatalf("LatestModelRun failed: %v", err)
		}
		if run.ID != "model-002" || run.Seed != 42 {
			t.Errorf("unexpected run: %+v", run)
		}
	})

	t.Run("ReviewItems", func(t *testing.T) {
		lease := base.Add(15 * time.Minute)
		item := &domain.ReviewItem{
			ID:             "item-001",
			TenantID:       tenantID,
			TransactionID:  tx.ID,
			Score:          score,
			Explanation:    exp,
			Status:         domain.ReviewInReview,
			Severity:       domain.SeverityHigh,
			Indicators:     []domain.RiskIndicator{{RuleID: "round-amount", Name: "Round amount", Severity: domain.SeverityMedium, Value: 1}},
			AssignedTo:     "alice",
			LeaseExpiresAt: &lease,
			CreatedAt:      base,
			UpdatedAt:      base,
			Version:        1,
		}
		if err := repo.CreateReviewItem(ctx, tenantID, item); err != nil {
			t.Fatalf("CreateReviewItem failed: %v", err)
		}
		if err := repo.CreateReviewItem(ctx, tenantID, item); !errors.Is(err, domain.ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict for a duplicate id, got %v", err)
		}
		sameTx := item.Clone()
		sameTx.ID = "item-002"
		if err := repo.CreateReviewItem(ctx, tenantID, sameTx); !errors.Is(err, domain.ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict for a second item on one transaction, got %v", err)
		}

		resolved := item.Clone()
		resolvedAt := base.Add(time.Hour)
		resolved.Status = domain.ReviewConfirmed
		resolved.AssignedTo = ""
		resolved.LeaseExpiresAt = nil
		resolved.ResolvedBy = "alice"
		resolved.ResolvedAt = &resolvedAt
		resolved.ReviewerNote = "duplicate invoice"
		resolved.UpdatedAt = resolvedAt
		resolved.Version = 2
		if err := repo.UpdateReviewItem(ctx, tenantID, resolved, 1); err != nil {
			t.Fatalf("UpdateReviewItem failed: %v", err)
		}

		stale := item.Clone()
		stale.Status = domain.ReviewDismissed
		stale.Version = 2
		if err := repo.UpdateReviewItem(ctx, tenantID, stale, 1); !errors.Is(err, domain.ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict for a stale update, got %v", err)
		}
		if err := repo.UpdateReviewItem(ctx, tenantID, resolved, 2); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput when the version does not advance, got %v", err)
		}

		got, err := repo.GetReviewItem(ctx, tenantID, item.ID)
		if err != nil {
			t.Fatalf("GetReviewItem failed: %v", err)
		}
		if got.Status != domain.ReviewConfirmed || got.ReviewerNote != "duplicate invoice" || got.Version != 2 {
			t.Errorf("unexpected item: %+v", got)
		}
		if got.LeaseExpiresAt != nil || got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolvedAt) {
			t.Errorf("unexpected timestamps: lease=%v resolved=%v", got.LeaseExpiresAt, got.ResolvedAt)
		}
		if err := domain.SameRun(got.Score, got.Explanation); err != nil {
			t.Errorf("score and explanation mismatched after round trip: %v", err)
		}
		if got.Transaction == nil || got.Transaction.Amount != tx.Amount {
			t.Error("expected the transaction to be joined")
		}
		if len(got.Indicators) != 1 || got.Indicators[0].RuleID != "round-amount" {
			t.Errorf("unexpected indicators: %+v", got.Indicators)
		}

		items, err := repo.ListReviewItems(ctx, tenantID)
		if err != nil || len(items) != 1 {
			t.Errorf("expected 1 item, got %d err=%v", len(items), err)
		}
		if items, err := repo.ListReviewItemsSince(ctx, tenantID, resolvedAt); err != nil || len(items) != 1 {
			t.Errorf("expected the resolved item changed since %v, got %d err=%v", resolvedAt, len(items), err)
		}
		if items, err := repo.ListReviewItemsSince(ctx, tenantID, resolvedAt.Add(time.Second)); err != nil || len(items) != 0 {
			t.Errorf("expected nothing changed later, got %d err=%v", len(items), err)
		}

		mismatched := resolved.Clone()
		mismatched.Explanation = &domain.Explanation{ID: "exp-x", ScoreID: "other", ModelID: score.ModelID, TransactionID: tx.ID}
		mismatched.Version = 3
		if err := repo.UpdateReviewItem(ctx, tenantID, mismatched, 2); !errors.Is(err, domain.ErrRunMismatch) {
			t.Errorf("expected ErrRunMismatch, got %v", err)
		}
	})

	t.Run("ReviewEvents", func(t *testing.T) {
		for i, action := range []string{domain.ActionEnqueued, domain.ActionAssigned, domain.ActionResolved} {
			ev := &domain.ReviewEvent{
				ID:            "ev-" + action,
				TenantID:      tenantID,
				ItemID:        "item-001",
				TransactionID: tx.ID,
				Action:        action,
				ToStatus:      domain.ReviewPending,
				Actor:         "alice",
				At:            base.Add(time.Duration(i) * time.Minute),
			}
			if err := repo.SaveReviewEvent(ctx, tenantID, ev); err != nil {
				t.Fatalf("SaveReviewEvent failed: %v", err)
			}
		}
		events, err := repo.ListReviewEvents(ctx, tenantID, "item-001")
		if err != nil {
			t.Fatalf("ListReviewEvents failed: %v", err)
		}
		if len(events) != 3 || events[0].Action != domain.ActionEnqueued || events[2].Action != domain.ActionResolved {
			t.Errorf("unexpected audit trail: %d events", len(events))
		}
	})

	t.Run("RuleConfigs", func(t *testing.T) {
		rule := &domain.RuleConfig{
			ID:         "round-amount",
			Name:       "Round amount",
			Version:    "1.0.0",
			Expression: "amount >= 10000.0 && int(amount) % 1000 == 0",
			Severity:   domain.SeverityMedium,
			Reason:     "large round amount",
			Enabled:    true,
		}
		if err := repo.SaveRuleConfig(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}
		got, err := repo.GetRuleConfig(ctx, tenantID, rule.ID)
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Severity != domain.SeverityMedium || got.Reason != rule.Reason {
			t.Errorf("unexpected rule: %+v", got)
		}
		rules, err := repo.ListRuleConfigs(ctx, tenantID)
		if err != nil || len(rules) != 1 {
			t.Errorf("expected 1 rule, got %d err=%v", len(rules), err)
		}
	})

	t.Run("SummaryAndTenants", func(t *testing.T) {
		s, err := repo.Summary(ctx, tenantID)
		if err != nil {
			t.Fatalf("Summary failed: %v", err)
		}
		if s.Transactions != 4 || s.Scored != 1 || s.Flagged != 1 {
			t.Errorf("unexpected summary: %+v", s)
		}
		if s.ByStatus[string(domain.ReviewConfirmed)] != 1 || s.BySeverity[string(domain.SeverityHigh)] != 1 {
			t.Errorf("unexpected breakdown: %+v %+v", s.ByStatus, s.BySeverity)
		}

		tenants, err := repo.ListTenants(ctx)
		if err != nil || len(tenants) != 1 || tenants[0] != tenantID {
			t.Errorf("unexpected tenants: %v err=%v", tenants, err)
		}
	})

	t.Run("Reviewers", func(t *testing.T) {
		rv := &domain.Reviewer{
			ID:        "rv-1",
			TenantID:  tenantID,
			Name:      "alice",
			Role:      domain.RoleAuditor,
			KeyHash:   "hash-1",
			CreatedAt: base,
		}
		if err := repo.CreateReviewer(ctx, rv); err != nil {
			t.Fatalf("CreateReviewer failed: %v", err)
		}
		dup := *rv
		dup.ID, dup.KeyHash = "rv-2", "hash-2"
		if err := repo.CreateReviewer(ctx, &dup); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for a duplicate name, got %v", err)
		}
		other := dup
		other.TenantID = "tenant-002"
		if err := repo.CreateReviewer(ctx, &other); err != nil {
			t.Errorf("expected the same name allowed in another tenant, got %v", err)
		}

		got, err := repo.GetReviewerByKeyHash(ctx, "hash-1")
		if err != nil {
			t.Fatalf("GetReviewerByKeyHash failed: %v", err)
		}
		if got.Name != "alice" || got.Role != domain.RoleAuditor || got.Revoked || !got.CreatedAt.Equal(base) {
			t.Errorf("unexpected reviewer %+v", got)
		}
		if _, err := repo.GetReviewerByKeyHash(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		if err := repo.RevokeReviewer(ctx, "tenant-002", "rv-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected revoke across tenants to miss, got %v", err)
		}
		if err := repo.RevokeReviewer(ctx, tenantID, "rv-1"); err != nil {
			t.Fatalf("RevokeReviewer failed: %v", err)
		}
		list, err := repo.ListReviewers(ctx, tenantID)
		if err != nil || len(list) != 1 || !list[0].Revoked {
			t.Errorf("expected one revoked reviewer, got %+v err=%v", list, err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetTransaction(ctx, tenantID, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetReviewItem(ctx, tenantID, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetExplanation(ctx, tenantID, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestMigrations(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	// Already applied by New.
	n, err := Migrate(ctx, repo.DB(), repo.Driver())
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, got %d", n)
	}

	statuses, err := Status(ctx, repo.DB(), repo.Driver())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected at least one migration")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d not applied", s.Version)
		}
	}
}

func TestOpenPending(t *testing.T) {
	ctx := context.Background()
	cfg := domain.RepositoryConfig{Driver: "sqlite", SQLitePath: t.TempDir() + "/fresh.db"}

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	statuses, err := Status(ctx, db, cfg.Driver)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, s := range statuses {
		if s.Applied {
			t.Errorf("migration %d applied on a fresh database", s.Version)
		}
	}

	n, err := Migrate(ctx, db, cfg.Driver)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if n != len(statuses) {
		t.Errorf("expected %d migrations applied, got %d", len(statuses), n)
	}

	if _, err := Open(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestInMemory(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create in-memory repository: %v", err)
	}
	defer repo.Close()

	if err := repo.SaveTransaction(context.Background(), "t", &domain.Transaction{ID: "a", Timestamp: time.Now(), CreatedAt: time.Now(), Payer: "p", Payee: "q"}); err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "mysql"})
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}

	if got := (&SQLRepository{driver: "sqlite"}).rebind("a = ?"); got != "a = ?" {
		t.Errorf("expected sqlite query unchanged, got %q", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	got := PostgresDSN(domain.RepositoryConfig{PostgresUser: "kestrel", PostgresPassword: "secret"})
	want := "host=localhost port=5432 user=kestrel password=secret dbname=kestrel sslmode=disable connect_timeout=10"
	if got != want {
		t.Errorf("PostgresDSN() = %q, want %q", got, want)
	}
}
