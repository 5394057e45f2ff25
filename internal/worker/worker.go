// Package worker consumes ingested transactions from the EventBus and runs
// them through the scoring pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Processor scores one transaction.
type Processor interface {
	Process(ctx context.Context, tenantID string, tx *domain.Transaction) (*pipeline.Result, error)
}

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus  domain.EventBus
	proc Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	queued    atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits processing to these tenants; empty means all.
	TenantIDs []string
}

// TransactionMessage is the payload published on TopicTransactionIngested.
type TransactionMessage struct {
	domain.TransactionRequest
	TraceID string `json:"traceId,omitempty"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, proc Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		proc:   proc,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish submits a transaction request for asynchronous scoring.
func Publish(ctx context.Context, bus domain.EventBus, tenantID string, req *domain.TransactionRequest, traceID string) error {
	payload, err := json.Marshal(TransactionMessage{TransactionRequest: *req, TraceID: traceID})
	if err != nil {
		return fmt.Errorf("marshal transaction message: %w", err)
	}
	return bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, payload)
}

// Start subscribes to ingested transactions.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AllTenants}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, w.handleMessage)
		if err != nil {
			slog.Error("failed to start worker for tenant", "tenant_id", tenantID, "error", err)
			continue
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	if w.subscriptionCount() == 0 {
		return errors.New("worker: no subscriptions started")
	}
	slog.Info("workers started", "tenants", tenants, "topic", domain.TopicTransactionIngested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse transaction message", "message_id", msg.ID, "error", err)
		return err
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	tx := txMsg.ToTransaction(msg.TenantID)
	res, err := w.proc.Process(ctx, msg.TenantID, tx)

	var malformed *domain.MalformedTransactionError
	switch {
	case errors.Is(err, domain.ErrModelNotFitted):
		w.queued.Add(1)
		slog.Debug("transaction stored until first fit", "tx_id", tx.ID, "tenant_id", msg.TenantID, "trace_id", traceID)
		return nil
	case errors.As(err, &malformed):
		w.failed.Add(1)
		slog.Warn("malformed transaction dropped", "tx_id", tx.ID, "tenant_id", msg.TenantID, "trace_id", traceID, "error", err)
		return nil
	case err != nil:
		w.failed.Add(1)
		return fmt.Errorf("process %s: %w", tx.ID, err)
	}

	w.processed.Add(1)
	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"tenant_id", msg.TenantID,
		"trace_id", traceID,
		"percentile", res.Score.PercentileRank,
		"flagged", res.Flagged(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}

	slog.Info("workers stopped")
	return nil
}

func (w *Worker) subscriptionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subscriptions)
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Queued            int64    `json:"queued"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Queued:            w.queued.Load(),
		Failed:            w.failed.Load(),
	}
}
