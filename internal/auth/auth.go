// Package auth issues and validates reviewer API keys.
//
// A key is shown once when the reviewer is registered; only its SHA-256
// hash is stored. Each key belongs to one tenant and carries one role.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrForbidden     = errors.New("not allowed for this role")
)

// KeyPrefix starts every raw reviewer key.
const KeyPrefix = "rk_"

// Store persists reviewers.
type Store interface {
	CreateReviewer(ctx context.Context, rv *domain.Reviewer) error
	GetReviewerByKeyHash(ctx context.Context, keyHash string) (*domain.Reviewer, error)
	ListReviewers(ctx context.Context, tenantID string) ([]*domain.Reviewer, error)
	RevokeReviewer(ctx context.Context, tenantID string, id string) error
}

// Manager registers reviewers and resolves keys to them.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Register creates a reviewer and returns its raw key, which is not stored.
func (m *Manager) Register(ctx context.Context, tenantID, name string, role domain.Role) (string, *domain.Reviewer, error) {
	name = strings.TrimSpace(name)
	if tenantID == "" || name == "" {
		return "", nil, fmt.Errorf("%w: tenant and reviewer name are required", domain.ErrInvalidInput)
	}
	if !role.Valid() {
		return "", nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidInput, role)
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := KeyPrefix + hex.EncodeToString(b)

	rv := &domain.Reviewer{
		ID:        "rv_" + hex.EncodeToString(b[:8]),
		TenantID:  tenantID,
		Name:      name,
		Role:      role,
		KeyHash:   hashKey(raw),
		CreatedAt: m.now(),
	}
	if err := m.store.CreateReviewer(ctx, rv); err != nil {
		return "", nil, err
	}
	return raw, rv, nil
}

// Authenticate returns the reviewer holding raw. A "Bearer " prefix is
// accepted. Unknown and revoked keys both yield ErrInvalidAPIKey.
func (m *Manager) Authenticate(ctx context.Context, raw string) (*domain.Reviewer, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	rv, err := m.store.GetReviewerByKeyHash(ctx, hashKey(raw))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("look up reviewer: %w", err)
	}
	if rv.Revoked {
		return nil, ErrInvalidAPIKey
	}
	return rv, nil
}

// List returns a tenant's reviewers.
func (m *Manager) List(ctx context.Context, tenantID string) ([]*domain.Reviewer, error) {
	return m.store.ListReviewers(ctx, tenantID)
}

// Revoke disables a reviewer's key.
func (m *Manager) Revoke(ctx context.Context, tenantID, id string) error {
	return m.store.RevokeReviewer(ctx, tenantID, id)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
