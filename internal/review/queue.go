// Package review implements the per-tenant review queue and its state machine.
//
// Items move pending -> in_review -> confirmed|dismissed, or straight from
// pending to a terminal state. NextItem leases the highest-ranked pending
// item to one reviewer; expired leases fall back to pending.
//
// The store decides every transition. Each item carries a version and an
// update only lands while the stored row is still at the version it was
// read at, so several processes can share one database. A queue that loses
// such a race reloads the item and re-checks the transition. The in-memory
// queue is a cache of the store and changes only after a successful write.
package review

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// StatusArchived is the target reported when an archive request is rejected.
const StatusArchived domain.ReviewStatus = "archived"

const (
	// maxAttempts bounds how often one operation retries after losing a
	// version race.
	maxAttempts = 8

	// syncOverlap is re-read on every incremental sync so writers with
	// slightly skewed clocks are not missed.
	syncOverlap = 10 * time.Second
)

// Store persists review items and their audit trail.
// CreateReviewItem and UpdateReviewItem return domain.ErrVersionConflict
// rather than overwrite a change made elsewhere.
type Store interface {
	CreateReviewItem(ctx context.Context, tenantID string, item *domain.ReviewItem) error
	UpdateReviewItem(ctx context.Context, tenantID string, item *domain.ReviewItem, expectedVersion int64) error
	GetReviewItem(ctx context.Context, tenantID string, itemID string) (*domain.ReviewItem, error)
	ListReviewItems(ctx context.Context, tenantID string) ([]*domain.ReviewItem, error)
	ListReviewItemsSince(ctx context.Context, tenantID string, since time.Time) ([]*domain.ReviewItem, error)
	SaveReviewEvent(ctx context.Context, tenantID string, ev *domain.ReviewEvent) error
	ListReviewEvents(ctx context.Context, tenantID string, itemID string) ([]*domain.ReviewEvent, error)
}

// Stats counts a tenant's items.
type Stats struct {
	Total      int                         `json:"total"`
	Archived   int                         `json:"archived"`
	ByStatus   map[domain.ReviewStatus]int `json:"byStatus"`
	BySeverity map[domain.Severity]int     `json:"bySeverity"`
}

// Queue is one tenant's review queue. All state changes happen under mu.
type Queue struct {
	tenantID  string
	threshold float64
	timeout   time.Duration
	store     Store
	bus       domain.EventBus
	now       func() time.Time

	mu      sync.Mutex
	items   map[string]*domain.ReviewItem
	byTx    map[string]string
	entries map[string]*entry
	pending pendingHeap
	leased  map[string]struct{}
	synced  time.Time
}

func newQueue(tenantID string, cfg domain.DetectionConfig, store Store, bus domain.EventBus, now func() time.Time) *Queue {
	return &Queue{
		tenantID:  tenantID,
		threshold: cfg.FlagThresholdPercentile / 100,
		timeout:   cfg.InReviewTimeout,
		store:     store,
		bus:       bus,
		now:       now,
		items:     make(map[string]*domain.ReviewItem),
		byTx:      make(map[string]string),
		entries:   make(map[string]*entry),
		leased:    make(map[string]struct{}),
	}
}

// load restores persisted items. Leases another process still holds are
// kept; expired ones return to pending.
func (q *Queue) load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.refreshAllLocked(ctx); err != nil {
		return fmt.Errorf("load review items: %w", err)
	}
	q.reclaimLocked(ctx)
	q.gauge()
	return nil
}

// Refresh reloads every item from the store.
func (q *Queue) Refresh(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.refreshAllLocked(ctx); err != nil {
		return fmt.Errorf("refresh review items: %w", err)
	}
	q.gauge()
	return nil
}

// Enqueue adds a flagged transaction, or refreshes its pending item with a
// newer score and explanation. Items already in review or resolved are
// returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, tx *domain.Transaction, score *domain.AnomalyScore, exp *domain.Explanation, indicators ...domain.RiskIndicator) (*domain.ReviewItem, error) {
	if tx == nil || score == nil {
		return nil, fmt.Errorf("%w: transaction and score are required", domain.ErrInvalidInput)
	}
	if err := domain.SameRun(score, exp); err != nil {
		return nil, err
	}
	if score.TransactionID != tx.ID {
		return nil, fmt.Errorf("score for %s, transaction %s: %w", score.TransactionID, tx.ID, domain.ErrRunMismatch)
	}
	if score.PercentileRank <= q.threshold {
		return nil, fmt.Errorf("percentile %.4f at or below %.4f: %w", score.PercentileRank, q.threshold, domain.ErrNotFlagged)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimLocked(ctx)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if id, ok := q.byTx[tx.ID]; ok {
			return q.rescoreLocked(ctx, id, score, exp, indicators)
		}

		now := q.now()
		item := &domain.ReviewItem{
			ID:            uuid.New().String(),
			TenantID:      q.tenantID,
			TransactionID: tx.ID,
			Transaction:   tx,
			Score:         score,
			Explanation:   exp,
			Status:        domain.ReviewPending,
			Severity:      domain.SeverityFor(score.PercentileRank),
			Indicators:    indicators,
			LowConfidence: score.LowConfidence,
			CreatedAt:     now,
			UpdatedAt:     now,
			Version:       1,
		}
		err := q.store.CreateReviewItem(ctx, q.tenantID, item)
		if errors.Is(err, domain.ErrVersionConflict) {
			// Flagged by another process first; pick up its item.
			if err := q.refreshAllLocked(ctx); err != nil {
				return nil, fmt.Errorf("refresh review items: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save review item: %w", err)
		}

		q.index(item)
		q.record(ctx, item, domain.ActionEnqueued, "", "", "")
		q.publish(ctx, domain.TopicReviewFlagged, item)

		metrics.ItemsFlaggedTotal.WithLabelValues(string(item.Severity)).Inc()
		q.gauge()

		slog.Info("transaction flagged for review",
			"tenant_id", q.tenantID,
			"item_id", item.ID,
			"transaction_id", tx.ID,
			"percentile", score.PercentileRank,
			"severity", item.Severity,
		)
		return item.Clone(), nil
	}
	return nil, fmt.Errorf("enqueue %s: %w", tx.ID, domain.ErrVersionConflict)
}

func (q *Queue) rescoreLocked(ctx context.Context, itemID string, score *domain.AnomalyScore, exp *domain.Explanation, indicators []domain.RiskIndicator) (*domain.ReviewItem, error) {
	current, updated, err := q.update(ctx, itemID, func(current *domain.ReviewItem) (*domain.ReviewItem, error) {
		if current.Status != domain.ReviewPending {
			return nil, nil
		}
		updated := current.Clone()
		updated.Score = score
		updated.Explanation = exp
		updated.Severity = domain.SeverityFor(score.PercentileRank)
		updated.LowConfidence = score.LowConfidence
		updated.Indicators = indicators
		updated.UpdatedAt = q.now()
		return updated, nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return current.Clone(), nil
	}
	q.record(ctx, updated, domain.ActionRescored, domain.ReviewPending, "", "")
	return updated.Clone(), nil
}

// NextItem leases the highest-ranked pending item to reviewer.
// Two concurrent callers never receive the same item, in this process or
// any other sharing the store.
func (q *Queue) NextItem(ctx context.Context, reviewer string) (*domain.ReviewItem, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", domain.ErrInvalidInput)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.syncLocked(ctx)
	q.reclaimLocked(ctx)

	// A lost race that takes the item out of pending is progress; only
	// items that stay pending count against maxAttempts.
	for stale := 0; stale < maxAttempts; {
		if q.pending.Len() == 0 {
			return nil, domain.ErrQueueEmpty
		}

		top := q.pending[0].item
		now := q.now()
		lease := now.Add(q.timeout)

		updated := top.Clone()
		updated.Status = domain.ReviewInReview
		updated.AssignedTo = reviewer
		updated.LeaseExpiresAt = &lease
		updated.UpdatedAt = now
		err := q.commit(ctx, top, updated)
		if errors.Is(err, domain.ErrVersionConflict) {
			fresh, err := q.refreshLocked(ctx, top.ID)
			if err != nil {
				return nil, fmt.Errorf("refresh review item: %w", err)
			}
			if fresh.Status == domain.ReviewPending {
				stale++
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save review item: %w", err)
		}

		q.record(ctx, updated, domain.ActionAssigned, domain.ReviewPending, reviewer, "")
		q.gauge()
		return updated.Clone(), nil
	}
	return nil, fmt.Errorf("lease next item: %w", domain.ErrVersionConflict)
}

// Resolve moves a pending or in-review item to confirmed or dismissed.
// A second resolution of the same item fails with the stored status, even
// when the first one happened in another process.
func (q *Queue) Resolve(ctx context.Context, itemID, reviewer string, status domain.ReviewStatus, note string) (*domain.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimLocked(ctx)

	current, updated, err := q.update(ctx, itemID, func(current *domain.ReviewItem) (*domain.ReviewItem, error) {
		if !status.Terminal() || current.Status.Terminal() {
			return nil, &domain.InvalidTransitionError{ItemID: itemID, Current: current.Status, Target: status}
		}
		now := q.now()
		updated := current.Clone()
		updated.Status = status
		updated.ReviewerNote = note
		updated.ResolvedBy = reviewer
		updated.ResolvedAt = &now
		updated.AssignedTo = ""
		updated.LeaseExpiresAt = nil
		updated.UpdatedAt = now
		return updated, nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.InvalidTransitionError{ItemID: itemID, Target: status}
	}
	if err != nil {
		return nil, err
	}

	q.record(ctx, updated, domain.ActionResolved, current.Status, reviewer, note)
	q.publish(ctx, domain.TopicReviewResolved, updated)
	q.gauge()
	return updated.Clone(), nil
}

// Archive hides a resolved item from default listings. Items are never deleted.
func (q *Queue) Archive(ctx context.Context, itemID, actor string) (*domain.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, updated, err := q.update(ctx, itemID, func(current *domain.ReviewItem) (*domain.ReviewItem, error) {
		if !current.Status.Terminal() || current.Archived {
			return nil, &domain.InvalidTransitionError{ItemID: itemID, Current: current.Status, Target: StatusArchived}
		}
		now := q.now()
		updated := current.Clone()
		updated.Archived = true
		updated.ArchivedAt = &now
		updated.UpdatedAt = now
		return updated, nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.InvalidTransitionError{ItemID: itemID, Target: StatusArchived}
	}
	if err != nil {
		return nil, err
	}

	q.record(ctx, updated, domain.ActionArchived, current.Status, actor, "")
	return updated.Clone(), nil
}

// Get returns the stored state of one item.
func (q *Queue) Get(ctx context.Context, itemID string) (*domain.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.refreshLocked(ctx, itemID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("review item %s: %w", itemID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return item.Clone(), nil
}

// GetByTransaction returns the item for a transaction, if any.
func (q *Queue) GetByTransaction(ctx context.Context, txID string) (*domain.ReviewItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.syncLocked(ctx)

	id, ok := q.byTx[txID]
	if !ok {
		return nil, false
	}
	return q.items[id].Clone(), true
}

// List returns items matching f in review order.
func (q *Queue) List(ctx context.Context, f domain.ReviewFilter) []*domain.ReviewItem {
	q.mu.Lock()
	q.syncLocked(ctx)
	out := make([]*domain.ReviewItem, 0, len(q.items))
	for _, item := range q.items {
		if f.Match(item) {
			out = append(out, item.Clone())
		}
	}
	q.mu.Unlock()

	return Order(out, f.Limit)
}

// Order sorts items in review order, highest score first, and keeps at
// most limit of them when limit is positive.
func Order(items []*domain.ReviewItem, limit int) []*domain.ReviewItem {
	sort.Slice(items, func(i, j int) bool { return ranksBefore(items[i], items[j]) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Events returns the audit trail of one item, oldest first.
func (q *Queue) Events(ctx context.Context, itemID string) ([]*domain.ReviewEvent, error) {
	if _, err := q.Get(ctx, itemID); err != nil {
		return nil, err
	}
	return q.store.ListReviewEvents(ctx, q.tenantID, itemID)
}

// Stats counts items by status and severity.
func (q *Queue) Stats(ctx context.Context) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.syncLocked(ctx)

	s := Stats{
		ByStatus:   make(map[domain.ReviewStatus]int),
		BySeverity: make(map[domain.Severity]int),
	}
	for _, item := range q.items {
		s.Total++
		s.ByStatus[item.Status]++
		s.BySeverity[item.Severity]++
		if item.Archived {
			s.Archived++
		}
	}
	return s
}

// ReclaimExpired returns expired leases to pending and reports how many.
func (q *Queue) ReclaimExpired(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaimLocked(ctx)
}

func (q *Queue) reclaimLocked(ctx context.Context) int {
	if len(q.leased) == 0 {
		return 0
	}
	now := q.now()
	var expired []string
	for id := range q.leased {
		if lease := q.items[id].LeaseExpiresAt; lease != nil && !now.Before(*lease) {
			expired = append(expired, id)
		}
	}

	n := 0
	for _, id := range expired {
		current, released, err := q.update(ctx, id, func(current *domain.ReviewItem) (*domain.ReviewItem, error) {
			if current.Status != domain.ReviewInReview || current.LeaseExpiresAt == nil || now.Before(*current.LeaseExpiresAt) {
				return nil, nil
			}
			released := q.release(current)
			released.UpdatedAt = now
			return released, nil
		})
		if err != nil {
			slog.Error("failed to release expired lease", "tenant_id", q.tenantID, "item_id", id, "error", err)
			continue
		}
		if released == nil {
			continue
		}
		q.record(ctx, released, domain.ActionReleased, domain.ReviewInReview, current.AssignedTo, "")
		n++
	}
	if n > 0 {
		q.gauge()
	}
	return n
}

// update applies change to the latest stored version of an item and
// returns the version it started from along with the stored result. change
// returns nil to leave the item as it is. When another writer got there
// first the item is reloaded and change runs again on the new version.
func (q *Queue) update(ctx context.Context, itemID string, change func(current *domain.ReviewItem) (*domain.ReviewItem, error)) (*domain.ReviewItem, *domain.ReviewItem, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, ok := q.items[itemID]
		if !ok {
			var err error
			if current, err = q.refreshLocked(ctx, itemID); err != nil {
				return nil, nil, err
			}
		}

		updated, err := change(current)
		if err != nil || updated == nil {
			return current, nil, err
		}

		err = q.commit(ctx, current, updated)
		if err == nil {
			return current, updated, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, nil, fmt.Errorf("save review item: %w", err)
		}

		slog.Debug("review item changed concurrently", "tenant_id", q.tenantID, "item_id", itemID, "version", current.Version)
		if _, err := q.refreshLocked(ctx, itemID); err != nil {
			return nil, nil, fmt.Errorf("refresh review item: %w", err)
		}
	}
	return nil, nil, fmt.Errorf("review item %s: %w", itemID, domain.ErrVersionConflict)
}

// commit stores updated as the successor of current and applies it locally.
func (q *Queue) commit(ctx context.Context, current, updated *domain.ReviewItem) error {
	updated.Version = current.Version + 1
	if err := q.store.UpdateReviewItem(ctx, q.tenantID, updated, current.Version); err != nil {
		return err
	}
	q.replace(updated)
	return nil
}

// refreshLocked reloads one item from the store.
func (q *Queue) refreshLocked(ctx context.Context, itemID string) (*domain.ReviewItem, error) {
	item, err := q.store.GetReviewItem(ctx, q.tenantID, itemID)
	if err != nil {
		return nil, err
	}
	q.absorb(item)
	return q.items[itemID], nil
}

func (q *Queue) refreshAllLocked(ctx context.Context) error {
	items, err := q.store.ListReviewItems(ctx, q.tenantID)
	if err != nil {
		return err
	}
	q.absorb(items...)
	return nil
}

// syncLocked picks up items other processes changed since the last sync.
// A failed sync is logged and the cached view is served.
func (q *Queue) syncLocked(ctx context.Context) {
	var (
		items []*domain.ReviewItem
		err   error
	)
	if q.synced.IsZero() {
		items, err = q.store.ListReviewItems(ctx, q.tenantID)
	} else {
		items, err = q.store.ListReviewItemsSince(ctx, q.tenantID, q.synced.Add(-syncOverlap))
	}
	if err != nil {
		slog.Warn("failed to sync review items", "tenant_id", q.tenantID, "error", err)
		return
	}
	if q.absorb(items...) > 0 {
		q.gauge()
	}
}

// absorb applies stored items that are new or newer than the cached ones.
func (q *Queue) absorb(items ...*domain.ReviewItem) int {
	n := 0
	for _, item := range items {
		if item.UpdatedAt.After(q.synced) {
			q.synced = item.UpdatedAt
		}
		current, ok := q.items[item.ID]
		switch {
		case !ok:
			q.index(item)
		case item.Version > current.Version:
			q.replace(item)
		default:
			continue
		}
		n++
	}
	return n
}

func (q *Queue) release(item *domain.ReviewItem) *domain.ReviewItem {
	released := item.Clone()
	released.Status = domain.ReviewPending
	released.AssignedTo = ""
	released.LeaseExpiresAt = nil
	return released
}

// index adds an item that is not yet tracked.
func (q *Queue) index(item *domain.ReviewItem) {
	q.items[item.ID] = item
	q.byTx[item.TransactionID] = item.ID
	switch item.Status {
	case domain.ReviewPending:
		e := &entry{item: item}
		heap.Push(&q.pending, e)
		q.entries[item.ID] = e
	case domain.ReviewInReview:
		q.leased[item.ID] = struct{}{}
	}
}

// replace swaps in a new version of a tracked item and fixes the indexes.
func (q *Queue) replace(item *domain.ReviewItem) {
	q.items[item.ID] = item

	e, queued := q.entries[item.ID]
	switch {
	case item.Status == domain.ReviewPending && queued:
		e.item = item
		heap.Fix(&q.pending, e.index)
	case item.Status == domain.ReviewPending:
		e = &entry{item: item}
		heap.Push(&q.pending, e)
		q.entries[item.ID] = e
	case queued:
		heap.Remove(&q.pending, e.index)
		delete(q.entries, item.ID)
	}

	if item.Status == domain.ReviewInReview {
		q.leased[item.ID] = struct{}{}
	} else {
		delete(q.leased, item.ID)
	}
}

// record appends to the audit trail. The item change is already durable,
// so a failed event write is logged rather than returned.
func (q *Queue) record(ctx context.Context, item *domain.ReviewItem, action string, from domain.ReviewStatus, actor, note string) {
	ev := &domain.ReviewEvent{
		ID:            uuid.New().String(),
		TenantID:      q.tenantID,
		ItemID:        item.ID,
		TransactionID: item.TransactionID,
		Action:        action,
		FromStatus:    from,
		ToStatus:      item.Status,
		Actor:         actor,
		Note:          note,
		At:            q.now(),
	}
	if err := q.store.SaveReviewEvent(ctx, q.tenantID, ev); err != nil {
		slog.Error("failed to save review event", "tenant_id", q.tenantID, "item_id", item.ID, "action", action, "error", err)
	}
	metrics.ReviewTransitionsTotal.WithLabelValues(action).Inc()
}

func (q *Queue) publish(ctx context.Context, topic string, item *domain.ReviewItem) {
	if q.bus == nil {
		return
	}
	payload, err := json.Marshal(item)
	if err != nil {
		slog.Error("failed to marshal review item", "item_id", item.ID, "error", err)
		return
	}
	if err := q.bus.Publish(ctx, q.tenantID, topic, payload); err != nil {
		slog.Warn("failed to publish review event", "topic", topic, "item_id", item.ID, "error", err)
	}
}

func (q *Queue) gauge() {
	metrics.PendingItems.WithLabelValues(q.tenantID).Set(float64(q.pending.Len()))
}

func txTime(item *domain.ReviewItem) time.Time {
	if item.Transaction != nil {
		return item.Transaction.Timestamp
	}
	return item.CreatedAt
}
