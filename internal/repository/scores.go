package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveFeatureVector stores or replaces the vector of a transaction.
func (r *SQLRepository) SaveFeatureVector(ctx context.Context, tenantID string, v *domain.FeatureVector) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO feature_vectors (
			tenant_id, transaction_id, amount_zscore, frequency_last_30d, category_rarity,
			payee_novelty, time_of_day_bucket, low_confidence, amount,
			payer_history_count, payer_typical_amount, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET
			amount_zscore = excluded.amount_zscore,
			frequency_last_30d = excluded.frequency_last_30d,
			category_rarity = excluded.category_rarity,
			payee_novelty = excluded.payee_novelty,
			time_of_day_bucket = excluded.time_of_day_bucket,
			low_confidence = excluded.low_confidence,
			amount = excluded.amount,
			payer_history_count = excluded.payer_history_count,
			payer_typical_amount = excluded.payer_typical_amount,
			computed_at = excluded.computed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, v.TransactionID, v.AmountZScore, v.FrequencyLast30d, v.CategoryRarity,
		v.PayeeNovelty, v.TimeOfDayBucket, boolInt(v.LowConfidence), v.Amount,
		v.PayerHistoryCount, v.PayerTypicalAmount, v.ComputedAt.UTC(),
	)
	return err
}

// GetFeatureVector retrieves the stored vector of a transaction.
func (r *SQLRepository) GetFeatureVector(ctx context.Context, tenantID string, txID string) (*domain.FeatureVector, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT transaction_id, amount_zscore, frequency_last_30d, category_rarity,
			   payee_novelty, time_of_day_bucket, low_confidence, amount,
			   payer_history_count, payer_typical_amount, computed_at
		FROM feature_vectors
		WHERE tenant_id = ? AND transaction_id = ?
	`

	var v domain.FeatureVector
	var lowConfidence int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&v.TransactionID, &v.AmountZScore, &v.FrequencyLast30d, &v.CategoryRarity,
		&v.PayeeNovelty, &v.TimeOfDayBucket, &lowConfidence, &v.Amount,
		&v.PayerHistoryCount, &v.PayerTypicalAmount, &v.ComputedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.LowConfidence = lowConfidence == 1
	v.ComputedAt = v.ComputedAt.UTC()
	return &v, nil
}

// SaveScore appends a score. Earlier scores of the transaction are kept.
func (r *SQLRepository) SaveScore(ctx context.Context, tenantID string, score *domain.AnomalyScore) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO anomaly_scores (
			id, tenant_id, transaction_id, model_id, score, percentile_rank, low_confidence, scored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		score.ID, tenantID, score.TransactionID, score.ModelID,
		score.Score, score.PercentileRank, boolInt(score.LowConfidence), score.ScoredAt.UTC(),
	)
	return err
}

// ListScores returns every score of a transaction, newest first.
func (r *SQLRepository) ListScores(ctx context.Context, tenantID string, txID string) ([]*domain.AnomalyScore, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, transaction_id, model_id, score, percentile_rank, low_confidence, scored_at
		FROM anomaly_scores
		WHERE tenant_id = ? AND transaction_id = ?
		ORDER BY scored_at DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []*domain.AnomalyScore
	for rows.Next() {
		var s domain.AnomalyScore
		var lowConfidence int
		if err := rows.Scan(
			&s.ID, &s.TenantID, &s.TransactionID, &s.ModelID,
			&s.Score, &s.PercentileRank, &lowConfidence, &s.ScoredAt,
		); err != nil {
			return nil, err
		}
		s.LowConfidence = lowConfidence == 1
		s.ScoredAt = s.ScoredAt.UTC()
		scores = append(scores, &s)
	}
	return scores, rows.Err()
}

// SaveExplanation appends an explanation.
func (r *SQLRepository) SaveExplanation(ctx context.Context, tenantID string, exp *domain.Explanation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	factors, err := json.Marshal(exp.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}

	query := `
		INSERT INTO explanations (
			id, tenant_id, transaction_id, score_id, model_id, factors, generic, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		exp.ID, tenantID, exp.TransactionID, exp.ScoreID, exp.ModelID,
		string(factors), boolInt(exp.Generic), exp.CreatedAt.UTC(),
	)
	return err
}

// GetExplanation returns the explanation of a score.
func (r *SQLRepository) GetExplanation(ctx context.Context, tenantID string, scoreID string) (*domain.Explanation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, transaction_id, score_id, model_id, factors, generic, created_at
		FROM explanations
		WHERE tenant_id = ? AND score_id = ?
	`

	var exp domain.Explanation
	var factors string
	var generic int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, scoreID).Scan(
		&exp.ID, &exp.TenantID, &exp.TransactionID, &exp.ScoreID, &exp.ModelID,
		&factors, &generic, &exp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(factors), &exp.Factors); err != nil {
		return nil, fmt.Errorf("failed to parse explanation factors: %w", err)
	}
	exp.Generic = generic == 1
	exp.CreatedAt = exp.CreatedAt.UTC()
	return &exp, nil
}

// SaveModelRun records a model fit.
func (r *SQLRepository) SaveModelRun(ctx context.Context, tenantID string, run *domain.ModelRun) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO model_runs (id, tenant_id, fitted_at, training_size, trees, sample_size, seed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, tenantID, run.FittedAt.UTC(), run.TrainingSize, run.Trees, run.SampleSize, int64(run.Seed),
	)
	return err
}

// LatestModelRun returns the most recent fit of a tenant.
func (r *SQLRepository) LatestModelRun(ctx context.Context, tenantID string) (*domain.ModelRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, fitted_at, training_size, trees, sample_size, seed
		FROM model_runs
		WHERE tenant_id = ?
		ORDER BY fitted_at DESC
		LIMIT 1
	`

	var run domain.ModelRun
	var seed int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(
		&run.ID, &run.TenantID, &run.FittedAt, &run.TrainingSize, &run.Trees, &run.SampleSize, &seed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Seed = uint64(seed)
	run.FittedAt = run.FittedAt.UTC()
	return &run, nil
}

// Summary aggregates scoring and review counts for a tenant.
func (r *SQLRepository) Summary(ctx context.Context, tenantID string) (*domain.Summary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	s := &domain.Summary{
		ByStatus:   make(map[string]int64),
		BySeverity: make(map[string]int64),
	}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM transactions WHERE tenant_id = ?`, &s.Transactions},
		{`SELECT COUNT(DISTINCT transaction_id) FROM anomaly_scores WHERE tenant_id = ?`, &s.Scored},
		{`SELECT COUNT(*) FROM review_items WHERE tenant_id = ?`, &s.Flagged},
	}
	for _, c := range counts {
		if err := r.db.QueryRowContext(ctx, r.rebind(c.query), tenantID).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	groups := []struct {
		query string
		dest  map[string]int64
	}{
		{`SELECT status, COUNT(*) FROM review_items WHERE tenant_id = ? GROUP BY status`, s.ByStatus},
		{`SELECT severity, COUNT(*) FROM review_items WHERE tenant_id = ? GROUP BY severity`, s.BySeverity},
	}
	for _, g := range groups {
		if err := r.groupCounts(ctx, g.query, tenantID, g.dest); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (r *SQLRepository) groupCounts(ctx context.Context, query, tenantID string, dest map[string]int64) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dest[key] = n
	}
	return rows.Err()
}
