// Package pipeline runs a transaction through every scoring stage: store,
// extract, score, evaluate indicator rules, explain and enqueue.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/traces"
)

// vectorTTL keeps ingest-time vectors hot for backlog rescoring.
const vectorTTL = time.Hour

// backlogBatch bounds one pass over unscored transactions.
const backlogBatch = 500

// Store is the persistence the pipeline writes through.
type Store interface {
	SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error)
	ListUnscoredTransactions(ctx context.Context, tenantID string, limit int) ([]*domain.Transaction, error)
	SaveFeatureVector(ctx context.Context, tenantID string, v *domain.FeatureVector) error
	GetFeatureVector(ctx context.Context, tenantID string, txID string) (*domain.FeatureVector, error)
	SaveScore(ctx context.Context, tenantID string, score *domain.AnomalyScore) error
	SaveExplanation(ctx context.Context, tenantID string, exp *domain.Explanation) error
}

// Components wires the pipeline. Cache, Bus and Rules may be nil.
type Components struct {
	Store     Store
	Cache     domain.Cache
	Bus       domain.EventBus
	History   *history.Provider
	Scorer    *scoring.Scorer
	Refitter  *scoring.Refitter
	Explainer *explain.Generator
	Rules     *rules.Engine
	Queues    *review.Manager
}

// Result is the outcome of processing one transaction.
type Result struct {
	Transaction *domain.Transaction    `json:"transaction"`
	Vector      *domain.FeatureVector  `json:"features,omitempty"`
	Score       *domain.AnomalyScore   `json:"score,omitempty"`
	Explanation *domain.Explanation    `json:"explanation,omitempty"`
	Indicators  []domain.RiskIndicator `json:"indicators,omitempty"`
	Item        *domain.ReviewItem     `json:"reviewItem,omitempty"`
	Queued      bool                   `json:"queued,omitempty"`
	DurationMs  int64                  `json:"durationMs"`
	Err         error                  `json:"-"`
	Error       string                 `json:"error,omitempty"`

	// Warn is set next to a usable result, e.g. a vector extracted against
	// the global baseline wraps domain.ErrInsufficientHistory.
	Warn    error  `json:"-"`
	Warning string `json:"warning,omitempty"`
}

// LowConfidence reports whether the transaction was scored without
// enough payer history.
func (r *Result) LowConfidence() bool {
	return r != nil && errors.Is(r.Warn, domain.ErrInsufficientHistory)
}

// Flagged reports whether the transaction was routed to review.
func (r *Result) Flagged() bool {
	return r != nil && r.Item != nil
}

// Outcome labels of a processed transaction.
const (
	OutcomeScored    = "scored"
	OutcomeFlagged   = "flagged"
	OutcomeQueued    = "queued"
	OutcomeMalformed = "malformed"
	OutcomeError     = "error"
)

// Outcome classifies the result for reporting.
func (r *Result) Outcome() string {
	var malformed *domain.MalformedTransactionError
	switch {
	case r.Err == nil && r.Flagged():
		return OutcomeFlagged
	case r.Err == nil:
		return OutcomeScored
	case errors.Is(r.Err, domain.ErrModelNotFitted):
		return OutcomeQueued
	case errors.As(r.Err, &malformed):
		return OutcomeMalformed
	default:
		return OutcomeError
	}
}

// ScoredEvent is published on TopicTransactionScored.
type ScoredEvent struct {
	TransactionID string  `json:"transactionId"`
	ScoreID       string  `json:"scoreId"`
	ModelID       string  `json:"modelId"`
	Score         float64 `json:"score"`
	Percentile    float64 `json:"percentile"`
	LowConfidence bool    `json:"lowConfidence"`
	Flagged       bool    `json:"flagged"`
	ItemID        string  `json:"itemId,omitempty"`
}

// Pipeline processes transactions for every tenant.
type Pipeline struct {
	store     Store
	cache     domain.Cache
	bus       domain.EventBus
	history   *history.Provider
	scorer    *scoring.Scorer
	refitter  *scoring.Refitter
	explainer *explain.Generator
	rules     *rules.Engine
	queues    *review.Manager
	workers   int

	backlog sync.WaitGroup
}

// New creates a pipeline and registers its refit hooks: the cached
// baseline is dropped and the unscored backlog is rescored after every fit.
func New(c Components, cfg domain.DetectionConfig) *Pipeline {
	p := &Pipeline{
		store:     c.Store,
		cache:     c.Cache,
		bus:       c.Bus,
		history:   c.History,
		scorer:    c.Scorer,
		refitter:  c.Refitter,
		explainer: c.Explainer,
		rules:     c.Rules,
		queues:    c.Queues,
		workers:   cfg.Workers,
	}
	if p.workers <= 0 {
		p.workers = 10
	}
	if p.refitter != nil {
		p.refitter.OnFit(p.onFit)
	}
	return p
}

func (p *Pipeline) onFit(ctx context.Context, tenantID string, snap *scoring.Snapshot) {
	if err := p.history.Invalidate(ctx, tenantID); err != nil {
		slog.Warn("failed to invalidate baseline", "tenant_id", tenantID, "error", err)
	}

	p.backlog.Add(1)
	go func() {
		defer p.backlog.Done()
		bctx := context.WithoutCancel(ctx)
		n, err := p.RescoreBacklog(bctx, tenantID)
		if err != nil {
			slog.Error("backlog rescoring failed", "tenant_id", tenantID, "model_id", snap.ID, "error", err)
			return
		}
		if n > 0 {
			slog.Info("backlog rescored", "tenant_id", tenantID, "model_id", snap.ID, "count", n)
		}
	}()
}

// Wait blocks until background backlog rescoring has finished.
func (p *Pipeline) Wait() {
	p.backlog.Wait()
}

// Process validates and stores tx, then scores it. Before the tenant's
// first fit the result is Queued and the error wraps ErrModelNotFitted;
// the transaction is rescored once a model exists.
func (p *Pipeline) Process(ctx context.Context, tenantID string, tx *domain.Transaction) (*Result, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if tx == nil {
		return nil, &domain.MalformedTransactionError{Field: "transaction", Reason: "required"}
	}
	tx.TenantID = tenantID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if err := tx.Validate(); err != nil {
		metrics.TransactionsProcessed.WithLabelValues("malformed").Inc()
		return &Result{Transaction: tx, Err: err, Error: err.Error()}, err
	}

	stored, err := p.save(ctx, tenantID, tx)
	if err != nil {
		metrics.TransactionsProcessed.WithLabelValues("error").Inc()
		return &Result{Transaction: tx, Err: err, Error: err.Error()}, err
	}

	res, err := p.score(ctx, tenantID, stored, nil)
	p.observe(ctx, tenantID)
	return res, err
}

// save stores tx; a transaction already stored under the same id is
// kept as it was first written.
func (p *Pipeline) save(ctx context.Context, tenantID string, tx *domain.Transaction) (*domain.Transaction, error) {
	if err := p.store.SaveTransaction(ctx, tenantID, tx); err != nil {
		return nil, fmt.Errorf("save transaction: %w", err)
	}
	stored, err := p.store.GetTransaction(ctx, tenantID, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("reload transaction: %w", err)
	}
	return stored, nil
}

func (p *Pipeline) observe(ctx context.Context, tenantID string) {
	if p.refitter == nil {
		return
	}
	if _, err := p.refitter.Observe(ctx, tenantID); err != nil {
		slog.Error("refit failed", "tenant_id", tenantID, "error", err)
	}
}

// score runs every stage after storage. v, when set, is reused instead
// of recomputing the vector.
func (p *Pipeline) score(ctx context.Context, tenantID string, tx *domain.Transaction, v *domain.FeatureVector) (*Result, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "pipeline.score", traces.TenantID(tenantID), traces.TransactionID(tx.ID))
	defer span.End()

	res := &Result{Transaction: tx}
	fail := func(err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.TransactionsProcessed.WithLabelValues("error").Inc()
		res.Err, res.Error = err, err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		return res, err
	}

	if v == nil {
		var err error
		if v, err = p.extract(ctx, tenantID, tx); err != nil {
			return fail(err)
		}
	}
	res.Vector = v
	if v.LowConfidence {
		res.Warn = fmt.Errorf("payer %s has %d prior transactions: %w", tx.Payer, v.PayerHistoryCount, domain.ErrInsufficientHistory)
		res.Warning = res.Warn.Error()
	}

	score, snap, err := p.scorer.Score(tenantID, v)
	if errors.Is(err, domain.ErrModelNotFitted) {
		metrics.TransactionsProcessed.WithLabelValues("queued").Inc()
		res.Queued = true
		res.Err, res.Error = err, err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		slog.Debug("transaction queued until first fit", "tenant_id", tenantID, "tx_id", tx.ID)
		return res, err
	}
	if err != nil {
		return fail(err)
	}
	res.Score = score
	span.SetAttributes(traces.ModelID(score.ModelID), traces.Percentile(score.PercentileRank))

	if err := p.store.SaveScore(ctx, tenantID, score); err != nil {
		return fail(fmt.Errorf("save score: %w", err))
	}

	if p.rules != nil {
		res.Indicators = p.rules.Evaluate(ctx, tenantID, &rules.Input{Transaction: tx, Features: v})
	}

	if score.PercentileRank > p.queues.Threshold() {
		if err := p.flag(ctx, tenantID, res, snap); err != nil {
			return fail(err)
		}
	}

	outcome := "scored"
	if res.Flagged() {
		outcome = "flagged"
	}
	metrics.TransactionsProcessed.WithLabelValues(outcome).Inc()
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	res.DurationMs = time.Since(start).Milliseconds()

	p.publishScored(ctx, tenantID, res)

	slog.Debug("transaction scored",
		"tenant_id", tenantID,
		"tx_id", tx.ID,
		"model_id", score.ModelID,
		"percentile", score.PercentileRank,
		"flagged", res.Flagged(),
		"indicators", len(res.Indicators),
		"duration_ms", res.DurationMs,
	)
	return res, nil
}

func (p *Pipeline) extract(ctx context.Context, tenantID string, tx *domain.Transaction) (*domain.FeatureVector, error) {
	hc, err := p.history.Context(ctx, tenantID, tx)
	if err != nil {
		return nil, err
	}
	v, err := p.history.Extractor().Extract(tx, hc)
	if err != nil && !errors.Is(err, domain.ErrInsufficientHistory) {
		return nil, err
	}
	if v.LowConfidence {
		metrics.LowConfidenceVectors.Inc()
	}
	v.ComputedAt = time.Now().UTC()

	if err := p.store.SaveFeatureVector(ctx, tenantID, v); err != nil {
		return nil, fmt.Errorf("save feature vector: %w", err)
	}
	if p.cache != nil {
		if err := p.cache.SetFeatureVector(ctx, tenantID, tx.ID, v, vectorTTL); err != nil {
			slog.Warn("failed to cache feature vector", "tenant_id", tenantID, "tx_id", tx.ID, "error", err)
		}
	}
	return v, nil
}

// flag explains the score against the snapshot that produced it and
// enqueues the review item.
func (p *Pipeline) flag(ctx context.Context, tenantID string, res *Result, snap *scoring.Snapshot) error {
	exp, err := p.explainer.Explain(res.Vector, res.Score, snap)
	if err != nil {
		return fmt.Errorf("explain: %w", err)
	}
	if err := p.store.SaveExplanation(ctx, tenantID, exp); err != nil {
		return fmt.Errorf("save explanation: %w", err)
	}
	res.Explanation = exp

	q, err := p.queues.Queue(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("review queue: %w", err)
	}
	item, err := q.Enqueue(ctx, res.Transaction, res.Score, exp, res.Indicators...)
	if err != nil {
		if errors.Is(err, domain.ErrNotFlagged) {
			return nil
		}
		return fmt.Errorf("enqueue: %w", err)
	}
	res.Item = item
	return nil
}

func (p *Pipeline) publishScored(ctx context.Context, tenantID string, res *Result) {
	if p.bus == nil {
		return
	}
	ev := ScoredEvent{
		TransactionID: res.Transaction.ID,
		ScoreID:       res.Score.ID,
		ModelID:       res.Score.ModelID,
		Score:         res.Score.Score,
		Percentile:    res.Score.PercentileRank,
		LowConfidence: res.Score.LowConfidence,
		Flagged:       res.Flagged(),
	}
	if res.Item != nil {
		ev.ItemID = res.Item.ID
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, tenantID, domain.TopicTransactionScored, payload); err != nil {
		slog.Warn("failed to publish scored event", "tenant_id", tenantID, "tx_id", res.Transaction.ID, "error", err)
	}
}

// ProcessBatch stores every valid transaction first, so each one sees
// the others as history, then scores them on a bounded worker pool.
// Results keep input order; one failure never aborts the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, tenantID string, txs []*domain.Transaction) []*Result {
	results := make([]*Result, len(txs))
	stored := make([]*domain.Transaction, len(txs))

	for i, tx := range txs {
		if tx == nil {
			err := &domain.MalformedTransactionError{Field: "transaction", Reason: "required"}
			results[i] = &Result{Err: err, Error: err.Error()}
			continue
		}
		tx.TenantID = tenantID
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = time.Now().UTC()
		}
		if err := tx.Validate(); err != nil {
			metrics.TransactionsProcessed.WithLabelValues("malformed").Inc()
			results[i] = &Result{Transaction: tx, Err: err, Error: err.Error()}
			continue
		}
		s, err := p.save(ctx, tenantID, tx)
		if err != nil {
			metrics.TransactionsProcessed.WithLabelValues("error").Inc()
			results[i] = &Result{Transaction: tx, Err: err, Error: err.Error()}
			continue
		}
		stored[i] = s
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.workers)
	for i, tx := range stored {
		if tx == nil {
			continue
		}
		wg.Add(1)
		go func(idx int, t *domain.Transaction) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				results[idx] = &Result{Transaction: t, Err: ctx.Err(), Error: ctx.Err().Error()}
				return
			}
			results[idx], _ = p.score(ctx, tenantID, t, nil)
			p.observe(ctx, tenantID)
		}(i, tx)
	}
	wg.Wait()
	return results
}

// RescoreBacklog scores stored transactions that have no score yet,
// reusing their ingest-time vectors. It returns how many were scored.
func (p *Pipeline) RescoreBacklog(ctx context.Context, tenantID string) (int, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.rescore_backlog", traces.TenantID(tenantID))
	defer span.End()

	if !p.scorer.Fitted(tenantID) {
		return 0, fmt.Errorf("tenant %s: %w", tenantID, domain.ErrModelNotFitted)
	}

	total := 0
	for {
		txns, err := p.store.ListUnscoredTransactions(ctx, tenantID, backlogBatch)
		if err != nil {
			return total, err
		}
		if len(txns) == 0 {
			return total, nil
		}

		scored := 0
		for _, tx := range txns {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if _, err := p.score(ctx, tenantID, tx, p.storedVector(ctx, tenantID, tx.ID)); err != nil {
				slog.Warn("backlog transaction not scored", "tenant_id", tenantID, "tx_id", tx.ID, "error", err)
				continue
			}
			scored++
		}
		total += scored
		if scored == 0 {
			return total, fmt.Errorf("no progress on %d unscored transactions", len(txns))
		}
	}
}

// storedVector returns the ingest-time vector from the cache or the
// store, or nil when neither has it.
func (p *Pipeline) storedVector(ctx context.Context, tenantID, txID string) *domain.FeatureVector {
	if p.cache != nil {
		v, err := p.cache.GetFeatureVector(ctx, tenantID, txID)
		if err == nil && v != nil {
			metrics.CacheLookups.WithLabelValues("vector", "hit").Inc()
			return v
		}
		metrics.CacheLookups.WithLabelValues("vector", "miss").Inc()
	}
	v, err := p.store.GetFeatureVector(ctx, tenantID, txID)
	if err != nil {
		return nil
	}
	return v
}
