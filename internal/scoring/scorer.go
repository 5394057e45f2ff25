// Package scoring fits isolation-forest snapshots and scores feature vectors.
//
// Each tenant has one current snapshot behind an atomic pointer. Fits build
// a complete new snapshot and swap it in; a Score call loads the pointer
// once, so it never observes a partially built model.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/isolation"
)

// Scorer holds the current model snapshot per tenant.
type Scorer struct {
	opts isolation.Options

	mu      sync.Mutex
	tenants map[string]*tenantModel
}

type tenantModel struct {
	current atomic.Pointer[Snapshot]

	// fitMu serializes fits for the tenant; readers never take it.
	fitMu sync.Mutex
}

// NewScorer creates a scorer that fits forests with opts.
func NewScorer(cfg domain.ForestConfig) *Scorer {
	return &Scorer{
		opts: isolation.Options{
			Trees:      cfg.Trees,
			SampleSize: cfg.SampleSize,
			Seed:       cfg.Seed,
		},
		tenants: make(map[string]*tenantModel),
	}
}

func (s *Scorer) model(tenantID string) *tenantModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tenants[tenantID]
	if !ok {
		m = &tenantModel{}
		s.tenants[tenantID] = m
	}
	return m
}

// Fit builds a snapshot from vectors and makes it current for the tenant.
// Concurrent fits for one tenant run one at a time; scoring continues
// against the previous snapshot until the swap.
func (s *Scorer) Fit(ctx context.Context, tenantID string, vectors []*domain.FeatureVector) (*Snapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	m := s.model(tenantID)
	m.fitMu.Lock()
	defer m.fitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	snap, err := Fit(tenantID, vectors, s.opts)
	if err != nil {
		return nil, err
	}
	m.current.Store(snap)

	slog.Info("model fitted",
		"tenant_id", tenantID,
		"model_id", snap.ID,
		"training_size", snap.TrainingSize,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

// Snapshot returns the tenant's current snapshot, or ErrModelNotFitted.
func (s *Scorer) Snapshot(tenantID string) (*Snapshot, error) {
	snap := s.model(tenantID).current.Load()
	if snap == nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, domain.ErrModelNotFitted)
	}
	return snap, nil
}

// Fitted reports whether the tenant has a snapshot.
func (s *Scorer) Fitted(tenantID string) bool {
	return s.model(tenantID).current.Load() != nil
}

// Score scores v against the tenant's current snapshot. The snapshot used
// is returned so the caller can explain against the same run.
func (s *Scorer) Score(tenantID string, v *domain.FeatureVector) (*domain.AnomalyScore, *Snapshot, error) {
	snap, err := s.Snapshot(tenantID)
	if err != nil {
		return nil, nil, err
	}
	return ScoreWith(snap, v), snap, nil
}

// ScoreWith scores v against a specific snapshot.
// The result depends only on snap and v's values.
func ScoreWith(snap *Snapshot, v *domain.FeatureVector) *domain.AnomalyScore {
	raw := snap.RawScore(v)
	return &domain.AnomalyScore{
		ID:             uuid.New().String(),
		TenantID:       snap.TenantID,
		TransactionID:  v.TransactionID,
		ModelID:        snap.ID,
		Score:          snap.Normalize(raw),
		PercentileRank: snap.PercentileRank(raw),
		LowConfidence:  v.LowConfidence,
		ScoredAt:       time.Now().UTC(),
	}
}
