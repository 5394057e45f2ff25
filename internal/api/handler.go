package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// maxBodyBytes caps request bodies, batches included.
const maxBodyBytes = 10 << 20

// Deps are the components the handlers call. Cache and Bus may be nil.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Pipeline *pipeline.Pipeline
	Queues   *review.Manager
	Scorer   *scoring.Scorer
	Refitter *scoring.Refitter
	Rules    *rules.Engine
	Auth     *auth.Manager

	// MinTraining is reported by GET /model before the first fit.
	MinTraining int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
	version string
	async   bool
}

// NewHandler creates a new API handler. With async set, POST /transactions
// publishes to the event bus instead of scoring inline.
func NewHandler(deps Deps, version string, async bool) *Handler {
	return &Handler{Deps: deps, version: version, async: async && deps.Bus != nil}
}

type errorResponse struct {
	Error         string              `json:"error"`
	Field         string              `json:"field,omitempty"`
	Row           int                 `json:"row,omitempty"`
	CurrentStatus domain.ReviewStatus `json:"currentStatus,omitempty"`
}

// IngestRequest is the body of POST /transactions: one transaction, or a
// batch under "transactions".
type IngestRequest struct {
	domain.TransactionRequest
	Transactions []domain.TransactionRequest `json:"transactions,omitempty"`
}

// TransactionResponse reports the outcome of one submitted transaction.
type TransactionResponse struct {
	Status  string `json:"status"`
	TraceID string `json:"traceId,omitempty"`
	*pipeline.Result
}

// BatchResponse reports a batch submission in input order.
type BatchResponse struct {
	Results   []TransactionResponse `json:"results"`
	Scored    int                   `json:"scored"`
	Flagged   int                   `json:"flagged"`
	Queued    int                   `json:"queued"`
	Malformed int                   `json:"malformed"`
	Failed    int                   `json:"failed"`
	TraceID   string                `json:"traceId,omitempty"`
}

// Outcome labels on TransactionResponse. OutcomeAccepted marks a
// transaction handed to the worker.
const (
	OutcomeScored    = pipeline.OutcomeScored
	OutcomeFlagged   = pipeline.OutcomeFlagged
	OutcomeQueued    = pipeline.OutcomeQueued
	OutcomeMalformed = pipeline.OutcomeMalformed
	OutcomeError     = pipeline.OutcomeError
	OutcomeAccepted  = "accepted"
)

// SubmitTransactions handles POST /transactions.
func (h *Handler) SubmitTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	if h.async {
		h.publish(w, r, req)
		return
	}

	if len(req.Transactions) == 0 {
		tx := req.ToTransaction(tenantID)
		res, err := h.Pipeline.Process(ctx, tenantID, tx)
		if res == nil {
			h.writeError(ctx, w, err)
			return
		}
		resp := TransactionResponse{Status: res.Outcome(), TraceID: traceID, Result: res}
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, resp)
		case errors.Is(err, domain.ErrModelNotFitted):
			writeJSON(w, http.StatusAccepted, resp)
		default:
			h.writeError(ctx, w, err)
		}
		return
	}

	txs := make([]*domain.Transaction, len(req.Transactions))
	for i := range req.Transactions {
		txs[i] = req.Transactions[i].ToTransaction(tenantID)
	}
	results := h.Pipeline.ProcessBatch(ctx, tenantID, txs)

	batch := BatchResponse{Results: make([]TransactionResponse, len(results)), TraceID: traceID}
	for i, res := range results {
		status := res.Outcome()
		batch.Results[i] = TransactionResponse{Status: status, Result: res}
		switch status {
		case OutcomeFlagged:
			batch.Flagged++
			batch.Scored++
		case OutcomeScored:
			batch.Scored++
		case OutcomeQueued:
			batch.Queued++
		case OutcomeMalformed:
			batch.Malformed++
		default:
			batch.Failed++
		}
	}
	writeJSON(w, http.StatusOK, batch)
}

// publish hands transactions to the worker. Ids are assigned here so the
// caller can look the results up later.
func (h *Handler) publish(w http.ResponseWriter, r *http.Request, req IngestRequest) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	batch := req.Transactions
	single := len(batch) == 0
	if single {
		batch = []domain.TransactionRequest{req.TransactionRequest}
	}

	resp := BatchResponse{Results: make([]TransactionResponse, 0, len(batch)), TraceID: traceID}
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.New().String()
		}
		tx := &domain.Transaction{ID: batch[i].ID, TenantID: tenantID}
		if err := worker.Publish(ctx, h.Bus, tenantID, &batch[i], traceID); err != nil {
			logging.FromContext(ctx).Error("failed to publish transaction", "tx_id", tx.ID, "error", err)
			resp.Failed++
			resp.Results = append(resp.Results, TransactionResponse{
				Status: OutcomeError,
				Result: &pipeline.Result{Transaction: tx, Error: "failed to publish"},
			})
			continue
		}
		resp.Queued++
		resp.Results = append(resp.Results, TransactionResponse{Status: OutcomeAccepted, Result: &pipeline.Result{Transaction: tx}})
	}

	if single {
		if resp.Failed > 0 {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event bus unavailable"})
			return
		}
		out := resp.Results[0]
		out.TraceID = traceID
		writeJSON(w, http.StatusAccepted, out)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// TransactionDetail is the body of GET /transactions/{id}.
type TransactionDetail struct {
	Transaction *domain.Transaction   `json:"transaction"`
	Features    *domain.FeatureVector `json:"features,omitempty"`
	ReviewItem  *domain.ReviewItem    `json:"reviewItem,omitempty"`
}

// GetTransaction retrieves a transaction with its features and review item.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	tx, err := h.Repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	detail := TransactionDetail{Transaction: tx}
	if v, err := h.Repo.GetFeatureVector(ctx, tenantID, txID); err == nil {
		detail.Features = v
	}
	if q, err := h.Queues.Queue(ctx, tenantID); err == nil {
		if item, ok := q.GetByTransaction(ctx, txID); ok {
			detail.ReviewItem = item
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// ScoreDetail pairs a score with the explanation from the same run, if any.
type ScoreDetail struct {
	*domain.AnomalyScore
	Explanation *domain.Explanation `json:"explanation,omitempty"`
}

// ListScores handles GET /transactions/{id}/scores, oldest first.
func (h *Handler) ListScores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if _, err := h.Repo.GetTransaction(ctx, tenantID, txID); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	scores, err := h.Repo.ListScores(ctx, tenantID, txID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	out := make([]ScoreDetail, len(scores))
	for i, s := range scores {
		out[i] = ScoreDetail{AnomalyScore: s}
		exp, err := h.Repo.GetExplanation(ctx, tenantID, s.ID)
		switch {
		case err == nil:
			out[i].Explanation = exp
		case !errors.Is(err, domain.ErrNotFound):
			h.writeError(ctx, w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactionId": txID,
		"scores":        out,
		"count":         len(out),
	})
}

// ListReviewQueue handles GET /review-queue. Status defaults to pending;
// status=all lists every status.
func (h *Handler) ListReviewQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, err := h.Queues.Queue(ctx, GetTenantID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	query := r.URL.Query()
	filter := domain.ReviewFilter{Status: domain.ReviewPending}
	switch status := strings.ToLower(query.Get("status")); status {
	case "":
	case "all":
		filter.Status = ""
	default:
		filter.Status = domain.ReviewStatus(status)
		if !filter.Status.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status " + status})
			return
		}
	}
	if sev := strings.ToLower(query.Get("severity")); sev != "" {
		filter.Severity = domain.Severity(sev)
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	filter.IncludeArchived = query.Get("archived") == "true"

	items := q.List(ctx, filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// NextRequest is the body of POST /review-queue/next. Reviewer is
// ignored when the caller presents an API key; the body may then be empty.
type NextRequest struct {
	Reviewer string `json:"reviewer"`
}

// NextItem assigns the top pending item to the reviewer. An empty queue
// answers 204.
func (h *Handler) NextItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req NextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	q, err := h.Queues.Queue(ctx, GetTenantID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	item, err := q.NextItem(ctx, actor(ctx, req.Reviewer))
	if errors.Is(err, domain.ErrQueueEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// GetReviewItem handles GET /review-queue/{id}.
func (h *Handler) GetReviewItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, err := h.Queues.Queue(ctx, GetTenantID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	item, err := q.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ResolveRequest is the body of POST /review-queue/{id}/resolve.
type ResolveRequest struct {
	Status   domain.ReviewStatus `json:"status"`
	Note     string              `json:"note"`
	Reviewer string              `json:"reviewer"`
}

// ResolveItem confirms or dismisses an item.
func (h *Handler) ResolveItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	q, err := h.Queues.Queue(ctx, GetTenantID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	item, err := q.Resolve(ctx, chi.URLParam(r, "id"), actor(ctx, req.Reviewer), req.Status, req.Note)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ArchiveRequest is the optional body of POST /review-queue/{id}/archive.
type ArchiveRequest struct {
	Actor string `json:"actor"`
}

// ArchiveItem hides a resolved item from default listings.
func (h *Handler) ArchiveItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ArchiveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
			return
		}
	}

	q, err := h.Queues.Queue(ctx, GetTenantID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	item, err := q.Archive(ctx, chi.URLParam(r, "id"), actor(ctx, req.Actor))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ListItemEvents handles GET /review-queue/{id}/events.
func (h *Handler) ListItemEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, err := h.Queues.Queue(ctx, GetTenantID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	events, err := q.Events(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// ModelResponse is the body of GET /model and POST /model/refit.
type ModelResponse struct {
	Fitted      bool             `json:"fitted"`
	Run         *domain.ModelRun `json:"run,omitempty"`
	MinTraining int              `json:"minTraining,omitempty"`
	Threshold   float64          `json:"flagThreshold"`
}

// GetModel reports the tenant's current model run.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := ModelResponse{Threshold: h.Queues.Threshold()}
	snap, err := h.Scorer.Snapshot(GetTenantID(ctx))
	switch {
	case err == nil:
		resp.Fitted = true
		resp.Run = snap.ModelRun()
	case errors.Is(err, domain.ErrModelNotFitted):
		resp.MinTraining = h.MinTraining
	default:
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefitModel fits the tenant's model now. The unscored backlog is rescored
// in the background afterwards.
func (h *Handler) RefitModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	snap, err := h.Refitter.Refit(ctx, tenantID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	logging.FromContext(ctx).Info("model refit on request", "model_id", snap.ID, "training_size", snap.TrainingSize)
	writeJSON(w, http.StatusOK, ModelResponse{Fitted: true, Run: snap.ModelRun(), Threshold: h.Queues.Threshold()})
}

// ListRules returns the tenant's loaded rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loaded := h.Rules.Rules(ctx, GetTenantID(ctx))
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	Severity    domain.Severity `json:"severity"`
	Reason      string          `json:"reason"`
	Enabled     bool            `json:"enabled"`
}

// CreateRule validates and stores a tenant rule, then reloads the tenant's
// rule set so it applies immediately.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id, name, and expression are required"})
		return
	}
	switch req.Severity {
	case "":
		req.Severity = domain.SeverityLow
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh:
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "severity must be low, medium or high", Field: "severity"})
		return
	}

	cfg := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Severity:    req.Severity,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}
	if err := h.Rules.ValidateRule(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid CEL expression: " + err.Error(), Field: "expression"})
		return
	}

	// Seed the defaults first so the new rule joins them instead of replacing them.
	h.Rules.Rules(ctx, tenantID)
	if err := h.Repo.SaveRuleConfig(ctx, tenantID, cfg); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.Rules.Reload(ctx, tenantID); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	logging.FromContext(ctx).Info("rule created", "rule_id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, cfg)
}

// ReloadRules reloads the tenant's rules from the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	if err := h.Rules.Reload(ctx, tenantID); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	loaded := h.Rules.Rules(ctx, tenantID)
	logging.FromContext(ctx).Info("rules reloaded", "count", len(loaded))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(loaded),
	})
}

// Summary handles GET /summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.Repo.Summary(ctx, GetTenantID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", h.Repo.Ping)
	}
	if h.Cache != nil {
		check("cache", h.Cache.Ping)
	}
	if h.Bus != nil {
		check("eventbus", h.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Repo != nil {
		if err := h.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var malformed *domain.MalformedTransactionError
	var transition *domain.InvalidTransitionError
	switch {
	case errors.As(err, &malformed):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: malformed.Field, Row: malformed.Row})
	case errors.As(err, &transition) && transition.Current == "":
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), CurrentStatus: transition.Current})
	case errors.Is(err, domain.ErrModelNotFitted):
		writeJSON(w, http.StatusAccepted, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInsufficientTrainingData), errors.Is(err, domain.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		logging.FromContext(ctx).Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
