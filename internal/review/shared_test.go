package review

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// sharedQueues opens one tenant queue per store, as two processes would.
func sharedQueues(t *testing.T, stores ...Store) ([]*Queue, *clock) {
	t.Helper()
	c := &clock{now: t0}
	queues := make([]*Queue, 0, len(stores))
	for _, store := range stores {
		m := NewManager(store, nil, domain.DefaultDetectionConfig(), WithClock(c.Now))
		q, err := m.Queue(context.Background(), "tenant-1")
		if err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
		queues = append(queues, q)
	}
	return queues, c
}

func sqliteStores(t *testing.T, n int) []Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "review.db")
	stores := make([]Store, 0, n)
	for i := 0; i < n; i++ {
		repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
		if err != nil {
			t.Fatalf("failed to open repository: %v", err)
		}
		t.Cleanup(func() { repo.Close() })
		stores = append(stores, repo)
	}
	return stores
}

// flag enqueues a scored transaction, saving the transaction first when the
// store needs it for its join.
func flag(t *testing.T, q *Queue, txID string, score float64) *domain.ReviewItem {
	t.Helper()
	ctx := context.Background()
	tx, s, e := scored(txID, score, 0.99, t0)
	if repo, ok := q.store.(*repository.SQLRepository); ok {
		if err := repo.SaveTransaction(ctx, q.tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}
	item, err := q.Enqueue(ctx, tx, s, e)
	if err != nil {
		t.Fatalf("Enqueue %s failed: %v", txID, err)
	}
	return item
}

func TestSharedStore(t *testing.T) {
	backends := map[string]func(t *testing.T) []Store{
		"Memory": func(t *testing.T) []Store {
			store := newMemStore()
			return []Store{store, store}
		},
		"SQLite": func(t *testing.T) []Store { return sqliteStores(t, 2) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("FlaggedElsewhereIsVisible", func(t *testing.T) {
				ctx := context.Background()
				qs, _ := sharedQueues(t, open(t)...)
				a, b := qs[0], qs[1]

				item := flag(t, b, "tx-1", 0.9)
				if got := a.List(ctx, domain.ReviewFilter{}); len(got) != 1 || got[0].ID != item.ID {
					t.Fatalf("expected item flagged by the other queue listed, got %d", len(got))
				}
				if got, ok := a.GetByTransaction(ctx, "tx-1"); !ok || got.ID != item.ID {
					t.Errorf("expected lookup by transaction, got %v", got)
				}
				if stats := a.Stats(ctx); stats.ByStatus[domain.ReviewPending] != 1 {
					t.Errorf("unexpected stats: %+v", stats)
				}
			})

			t.Run("SameTransactionFlaggedTwice", func(t *testing.T) {
				ctx := context.Background()
				qs, _ := sharedQueues(t, open(t)...)
				a, b := qs[0], qs[1]

				first := flag(t, a, "tx-1", 0.9)
				tx, s, e := scored("tx-1", 0.95, 0.995, t0)
				second, err := b.Enqueue(ctx, tx, s, e)
				if err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
				if second.ID != first.ID || second.Score.ID != s.ID {
					t.Errorf("expected the existing item rescored, got %s score %s", second.ID, second.Score.ID)
				}
				if got := a.List(ctx, domain.ReviewFilter{}); len(got) != 1 || got[0].Score.ID != s.ID {
					t.Errorf("expected one item carrying the newer score, got %+v", got)
				}
			})

			t.Run("ResolvedOnce", func(t *testing.T) {
				ctx := context.Background()
				qs, _ := sharedQueues(t, open(t)...)
				a, b := qs[0], qs[1]

				item := flag(t, a, "tx-1", 0.9)
				if _, err := b.Get(ctx, item.ID); err != nil {
					t.Fatalf("Get failed: %v", err)
				}

				if _, err := a.Resolve(ctx, item.ID, "alice", domain.ReviewConfirmed, "duplicate invoice"); err != nil {
					t.Fatalf("Resolve failed: %v", err)
				}
				// b still caches the item as pending.
				_, err := b.Resolve(ctx, item.ID, "bob", domain.ReviewDismissed, "looks fine")
				var ite *domain.InvalidTransitionError
				if !errors.As(err, &ite) || ite.Current != domain.ReviewConfirmed {
					t.Fatalf("expected InvalidTransitionError from confirmed, got %v", err)
				}

				got, err := b.Get(ctx, item.ID)
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if got.Status != domain.ReviewConfirmed || got.ResolvedBy != "alice" || got.ReviewerNote != "duplicate invoice" {
					t.Errorf("expected the first resolution kept, got %+v", got)
				}
			})

			t.Run("LeasedOnce", func(t *testing.T) {
				ctx := context.Background()
				qs, _ := sharedQueues(t, open(t)...)
				a, b := qs[0], qs[1]

				item := flag(t, a, "tx-1", 0.9)
				b.List(ctx, domain.ReviewFilter{})

				leased, err := a.NextItem(ctx, "alice")
				if err != nil || leased.ID != item.ID {
					t.Fatalf("expected %s leased, got %v err=%v", item.ID, leased, err)
				}
				if _, err := b.NextItem(ctx, "bob"); !errors.Is(err, domain.ErrQueueEmpty) {
					t.Errorf("expected item leased elsewhere unavailable, got %v", err)
				}
				if _, err := b.Archive(ctx, item.ID, "admin"); err == nil {
					t.Error("expected archive of an item in review to fail")
				}
			})

			t.Run("ConcurrentNextItem", func(t *testing.T) {
				ctx := context.Background()
				qs, _ := sharedQueues(t, open(t)...)

				const items = 40
				for i := 0; i < items; i++ {
					flag(t, qs[i%2], fmt.Sprintf("tx-%03d", i), float64(i)/items)
				}
				for _, q := range qs {
					q.List(ctx, domain.ReviewFilter{})
				}

				var (
					mu   sync.Mutex
					seen = make(map[string]string)
					wg   sync.WaitGroup
				)
				for r := 0; r < 4; r++ {
					q := qs[r%2]
					reviewer := fmt.Sprintf("reviewer-%d", r)
					wg.Add(1)
					go func() {
						defer wg.Done()
						for {
							item, err := q.NextItem(ctx, reviewer)
							if errors.Is(err, domain.ErrQueueEmpty) {
								return
							}
							if err != nil {
								t.Errorf("NextItem failed: %v", err)
								return
							}
							mu.Lock()
							if prev, dup := seen[item.ID]; dup {
								t.Errorf("item %s dispensed to %s and %s", item.ID, prev, reviewer)
							}
							seen[item.ID] = reviewer
							mu.Unlock()
						}
					}()
				}
				wg.Wait()

				if len(seen) != items {
					t.Errorf("expected %d items dispensed once each, got %d", items, len(seen))
				}
			})

			t.Run("ExpiredLeaseReclaimedOnce", func(t *testing.T) {
				ctx := context.Background()
				qs, c := sharedQueues(t, open(t)...)
				a, b := qs[0], qs[1]

				item := flag(t, a, "tx-1", 0.9)
				if _, err := a.NextItem(ctx, "alice"); err != nil {
					t.Fatalf("NextItem failed: %v", err)
				}
				b.List(ctx, domain.ReviewFilter{})

				c.Advance(16 * time.Minute)
				if n := a.ReclaimExpired(ctx); n != 1 {
					t.Errorf("expected one lease reclaimed, got %d", n)
				}
				if n := b.ReclaimExpired(ctx); n != 0 {
					t.Errorf("expected the lease already reclaimed elsewhere, got %d", n)
				}

				events, err := a.Events(ctx, item.ID)
				if err != nil {
					t.Fatalf("Events failed: %v", err)
				}
				released := 0
				for _, ev := range events {
					if ev.Action == domain.ActionReleased {
						released++
					}
				}
				if released != 1 {
					t.Errorf("expected one release event, got %d", released)
				}
			})
		})
	}
}
