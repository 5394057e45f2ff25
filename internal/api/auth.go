package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
)

const (
	// ReviewerKey is the context key for the authenticated reviewer.
	ReviewerKey contextKey = "reviewer"

	// APIKeyHeader carries a reviewer key when Authorization is not used.
	APIKeyHeader = "X-API-Key"
)

// AuthMiddleware resolves the caller's API key to a reviewer of the
// request's tenant. A presented key must be valid. A missing key is
// rejected only when required is set; otherwise the request continues
// anonymously. A nil manager disables keys altogether.
func AuthMiddleware(m *auth.Manager, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := requestKey(r)
			if key == "" || m == nil {
				if required {
					writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "API key required. Include 'Authorization: Bearer rk_...' header."})
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			rv, err := m.Authenticate(ctx, key)
			if errors.Is(err, auth.ErrInvalidAPIKey) || errors.Is(err, auth.ErrNoAPIKey) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
				return
			}
			if err != nil {
				logging.FromContext(ctx).Error("authentication failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
				return
			}

			tenantID := GetTenantID(ctx)
			if tenantID == "" {
				tenantID = streamTenant(r)
			}
			if rv.TenantID != tenantID {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "API key belongs to another tenant"})
				return
			}

			ctx = context.WithValue(ctx, ReviewerKey, rv)
			ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("reviewer", rv.Name))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects reviewers whose role does not cover role. Anonymous
// requests only get this far when keys are optional, and pass.
func RequireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rv, ok := GetReviewer(r.Context()); ok && !rv.Role.Allows(role) {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: auth.ErrForbidden.Error() + ": requires " + string(role)})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestKey reads the key from Authorization or X-API-Key. WebSocket
// upgrades from browsers cannot set headers and may pass ?key= instead.
func requestKey(r *http.Request) string {
	if key := r.Header.Get("Authorization"); key != "" {
		return key
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("key")
	}
	return ""
}

// GetReviewer returns the authenticated reviewer, if any.
func GetReviewer(ctx context.Context) (*domain.Reviewer, bool) {
	rv, ok := ctx.Value(ReviewerKey).(*domain.Reviewer)
	return rv, ok
}

// actor names who performs a review action: the authenticated reviewer
// when there is one, else the name the client supplied.
func actor(ctx context.Context, claimed string) string {
	if rv, ok := GetReviewer(ctx); ok {
		return rv.Name
	}
	return claimed
}

// ReviewerRequest is the body of POST /reviewers.
type ReviewerRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ReviewerResponse carries a new reviewer and its key, shown only once.
type ReviewerResponse struct {
	Reviewer *domain.Reviewer `json:"reviewer"`
	APIKey   string           `json:"apiKey"`
}

// CreateReviewer registers a reviewer of the request's tenant.
func (h *Handler) CreateReviewer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Auth == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "reviewer keys are not configured"})
		return
	}
	var req ReviewerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	raw, rv, err := h.Auth.Register(ctx, GetTenantID(ctx), req.Name, role)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	logging.FromContext(ctx).Info("reviewer registered", "reviewer_id", rv.ID, "name", rv.Name, "role", rv.Role)
	writeJSON(w, http.StatusCreated, ReviewerResponse{Reviewer: rv, APIKey: raw})
}

// ListReviewers handles GET /reviewers.
func (h *Handler) ListReviewers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Auth == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "reviewer keys are not configured"})
		return
	}
	reviewers, err := h.Auth.List(ctx, GetTenantID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if reviewers == nil {
		reviewers = []*domain.Reviewer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reviewers": reviewers,
		"count":     len(reviewers),
	})
}

// RevokeReviewer disables a reviewer's key.
func (h *Handler) RevokeReviewer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Auth == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "reviewer keys are not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Auth.Revoke(ctx, GetTenantID(ctx), id); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	logging.FromContext(ctx).Info("reviewer revoked", "reviewer_id", id)
	w.WriteHeader(http.StatusNoContent)
}
