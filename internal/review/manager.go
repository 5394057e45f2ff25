package review

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Manager owns one Queue per tenant, loading each from the store on first use.
type Manager struct {
	cfg   domain.DetectionConfig
	store Store
	bus   domain.EventBus
	now   func() time.Time

	mu     sync.Mutex
	queues map[string]*Queue
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. bus may be nil.
func NewManager(store Store, bus domain.EventBus, cfg domain.DetectionConfig, opts ...Option) *Manager {
	if cfg.FlagThresholdPercentile <= 0 {
		cfg.FlagThresholdPercentile = 95
	}
	if cfg.InReviewTimeout <= 0 {
		cfg.InReviewTimeout = 15 * time.Minute
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
		queues: make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Queue returns the tenant's queue.
func (m *Manager) Queue(ctx context.Context, tenantID string) (*Queue, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[tenantID]; ok {
		return q, nil
	}

	q := newQueue(tenantID, m.cfg, m.store, m.bus, m.now)
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	m.queues[tenantID] = q
	return q, nil
}

// Threshold returns the flag threshold as a fraction.
func (m *Manager) Threshold() float64 {
	return m.cfg.FlagThresholdPercentile / 100
}

// Run reloads every loaded queue from the store and reclaims expired
// leases until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.InReviewTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			queues := make([]*Queue, 0, len(m.queues))
			for _, q := range m.queues {
				queues = append(queues, q)
			}
			m.mu.Unlock()

			for _, q := range queues {
				if err := q.Refresh(ctx); err != nil {
					slog.Warn("failed to refresh review queue", "tenant_id", q.tenantID, "error", err)
				}
				if n := q.ReclaimExpired(ctx); n > 0 {
					slog.Info("released expired review leases", "tenant_id", q.tenantID, "count", n)
				}
			}
		}
	}
}
