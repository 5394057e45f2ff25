// Package history assembles the historical context feature extraction
// needs from stored transactions, and rebuilds training windows.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const (
	baselineKey = "baseline"

	// DefaultBaselineTTL bounds how stale a cached global baseline may be.
	DefaultBaselineTTL = 10 * time.Minute
)

// Source reads stored transactions.
type Source interface {
	GetTransactionsByPayer(ctx context.Context, tenantID string, payer string, since, before time.Time) ([]*domain.Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, since time.Time) ([]*domain.Transaction, error)
}

// Provider builds historical contexts and training windows for a tenant.
type Provider struct {
	source      Source
	cache       domain.Cache
	extractor   *features.Extractor
	lookback    time.Duration
	maxTraining int
	baselineTTL time.Duration
}

// NewProvider creates a provider. cache may be nil.
func NewProvider(source Source, cache domain.Cache, cfg domain.DetectionConfig) *Provider {
	p := &Provider{
		source:      source,
		cache:       cache,
		extractor:   features.NewExtractor(cfg),
		lookback:    cfg.Lookback,
		maxTraining: cfg.MaxTraining,
		baselineTTL: DefaultBaselineTTL,
	}
	if p.lookback <= 0 {
		p.lookback = 90 * 24 * time.Hour
	}
	if p.maxTraining <= 0 {
		p.maxTraining = 10000
	}
	return p
}

// Extractor returns the extractor configured with the provider's settings.
func (p *Provider) Extractor() *features.Extractor {
	return p.extractor
}

// Context returns the payer's lookback window strictly before tx plus the
// tenant-wide baseline.
func (p *Provider) Context(ctx context.Context, tenantID string, tx *domain.Transaction) (*features.HistoricalContext, error) {
	history, err := p.source.GetTransactionsByPayer(ctx, tenantID, tx.Payer, tx.Timestamp.Add(-p.lookback), tx.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("load payer history: %w", err)
	}

	global, err := p.Baseline(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	return &features.HistoricalContext{PayerHistory: history, Global: global}, nil
}

// Baseline returns the tenant-wide baseline over the most recent
// transactions, served from the cache when possible.
func (p *Provider) Baseline(ctx context.Context, tenantID string) (*features.Baseline, error) {
	if cached := p.cachedBaseline(ctx, tenantID); cached != nil {
		return cached, nil
	}

	txns, err := p.recent(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	b := features.ComputeBaseline(txns)

	if p.cache != nil {
		if data, err := json.Marshal(b); err == nil {
			if err := p.cache.Set(ctx, tenantID, baselineKey, data, p.baselineTTL); err != nil {
				slog.Warn("failed to cache baseline", "tenant_id", tenantID, "error", err)
			}
		}
	}
	return b, nil
}

func (p *Provider) cachedBaseline(ctx context.Context, tenantID string) *features.Baseline {
	if p.cache == nil {
		return nil
	}
	data, err := p.cache.Get(ctx, tenantID, baselineKey)
	if err != nil {
		slog.Warn("baseline cache read failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	if data == nil {
		metrics.CacheLookups.WithLabelValues("baseline", "miss").Inc()
		return nil
	}

	var b features.Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil
	}
	metrics.CacheLookups.WithLabelValues("baseline", "hit").Inc()
	return &b
}

// TrainingWindow recomputes feature vectors over the most recent
// transactions, oldest first.
func (p *Provider) TrainingWindow(ctx context.Context, tenantID string) ([]*domain.FeatureVector, error) {
	txns, err := p.recent(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return p.extractor.BuildWindow(txns), nil
}

// Invalidate drops the cached baseline, typically after a refit.
func (p *Provider) Invalidate(ctx context.Context, tenantID string) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Delete(ctx, tenantID, baselineKey)
}

// recent returns at most maxTraining of the tenant's latest transactions.
func (p *Provider) recent(ctx context.Context, tenantID string) ([]*domain.Transaction, error) {
	txns, err := p.source.ListTransactions(ctx, tenantID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	if len(txns) > p.maxTraining {
		txns = txns[len(txns)-p.maxTraining:]
	}
	return txns, nil
}
