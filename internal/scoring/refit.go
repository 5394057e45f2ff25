package scoring

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ingestCounterKey is the cache counter shared by every node for a tenant.
const ingestCounterKey = "refit:ingested"

// WindowSource supplies the training window for a tenant.
type WindowSource interface {
	TrainingWindow(ctx context.Context, tenantID string) ([]*domain.FeatureVector, error)
}

// RunStore persists model runs and enumerates tenants.
type RunStore interface {
	SaveModelRun(ctx context.Context, tenantID string, run *domain.ModelRun) error
	ListTenants(ctx context.Context) ([]string, error)
}

// Counter counts ingestions across nodes.
type Counter interface {
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)
}

// FitHook runs after a snapshot becomes current.
type FitHook func(ctx context.Context, tenantID string, snap *Snapshot)

// Refitter applies the refit policy: every interval, after every N
// ingestions, and every MinTraining ingestions while no model exists.
type Refitter struct {
	scorer   *Scorer
	source   WindowSource
	runs     RunStore
	counter  Counter
	interval time.Duration
	every    int64
	warmup   int64

	mu    sync.RWMutex
	hooks []FitHook
}

// NewRefitter creates a refitter. runs may be nil.
func NewRefitter(scorer *Scorer, source WindowSource, runs RunStore, counter Counter, cfg domain.DetectionConfig) *Refitter {
	r := &Refitter{
		scorer:   scorer,
		source:   source,
		runs:     runs,
		counter:  counter,
		interval: cfg.RefitInterval,
		every:    int64(cfg.RefitEvery),
		warmup:   int64(cfg.MinTraining),
	}
	if r.interval <= 0 {
		r.interval = 24 * time.Hour
	}
	if r.every <= 0 {
		r.every = 500
	}
	if r.warmup < MinTraining {
		r.warmup = MinTraining
	}
	return r
}

// OnFit registers a hook called after every successful fit.
func (r *Refitter) OnFit(h FitHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Refit rebuilds the tenant's training window and fits a new snapshot.
func (r *Refitter) Refit(ctx context.Context, tenantID string) (*Snapshot, error) {
	vectors, err := r.source.TrainingWindow(ctx, tenantID)
	if err != nil {
		metrics.ModelFitsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	snap, err := r.scorer.Fit(ctx, tenantID, vectors)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientTrainingData) {
			metrics.ModelFitsTotal.WithLabelValues("insufficient").Inc()
		} else {
			metrics.ModelFitsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.ModelFitsTotal.WithLabelValues("success").Inc()
	metrics.ModelTrainingSize.WithLabelValues(tenantID).Set(float64(snap.TrainingSize))

	if r.runs != nil {
		if err := r.runs.SaveModelRun(ctx, tenantID, snap.ModelRun()); err != nil {
			slog.Error("failed to save model run", "tenant_id", tenantID, "model_id", snap.ID, "error", err)
		}
	}

	r.mu.RLock()
	hooks := append([]FitHook(nil), r.hooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, tenantID, snap)
	}
	return snap, nil
}

// Observe counts one ingestion and refits when the policy says so.
// It returns the new snapshot, or nil when no fit happened. A window
// still too small to fit is not an error.
func (r *Refitter) Observe(ctx context.Context, tenantID string) (*Snapshot, error) {
	n, err := r.counter.IncrementCounter(ctx, tenantID, ingestCounterKey, r.interval)
	if err != nil {
		return nil, err
	}

	threshold := r.every
	if !r.scorer.Fitted(tenantID) {
		threshold = r.warmup
	}
	if n%threshold != 0 {
		return nil, nil
	}

	snap, err := r.Refit(ctx, tenantID)
	if errors.Is(err, domain.ErrInsufficientTrainingData) {
		slog.Debug("training window too small", "tenant_id", tenantID, "ingested", n)
		return nil, nil
	}
	return snap, err
}

// Bootstrap fits every known tenant once, typically at startup.
func (r *Refitter) Bootstrap(ctx context.Context) error {
	if r.runs == nil {
		return nil
	}
	tenants, err := r.runs.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if _, err := r.Refit(ctx, tenantID); err != nil && !errors.Is(err, domain.ErrInsufficientTrainingData) {
			slog.Error("bootstrap fit failed", "tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

// Run refits every tenant each interval until ctx is done.
func (r *Refitter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("periodic refit started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Bootstrap(ctx); err != nil {
				slog.Error("periodic refit failed", "error", err)
			}
		}
	}
}
