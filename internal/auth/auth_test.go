package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type memStore struct {
	mu        sync.Mutex
	reviewers map[string]*domain.Reviewer
}

func newMemStore() *memStore {
	return &memStore{reviewers: make(map[string]*domain.Reviewer)}
}

func (s *memStore) CreateReviewer(ctx context.Context, rv *domain.Reviewer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reviewers {
		if existing.TenantID == rv.TenantID && existing.Name == rv.Name {
			return domain.ErrInvalidInput
		}
	}
	c := *rv
	s.reviewers[rv.ID] = &c
	return nil
}

func (s *memStore) GetReviewerByKeyHash(ctx context.Context, keyHash string) (*domain.Reviewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rv := range s.reviewers {
		if rv.KeyHash == keyHash {
			c := *rv
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) ListReviewers(ctx context.Context, tenantID string) ([]*domain.Reviewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Reviewer
	for _, rv := range s.reviewers {
		if rv.TenantID == tenantID {
			c := *rv
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) RevokeReviewer(ctx context.Context, tenantID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rv, ok := s.reviewers[id]
	if !ok || rv.TenantID != tenantID {
		return domain.ErrNotFound
	}
	rv.Revoked = true
	return nil
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemStore())

	raw, rv, err := m.Register(ctx, "tenant-1", " alice ", domain.RoleAuditor)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !strings.HasPrefix(raw, KeyPrefix) || len(raw) != len(KeyPrefix)+64 {
		t.Errorf("unexpected raw key format %q", raw)
	}
	if !strings.HasPrefix(rv.ID, "rv_") || rv.Name != "alice" || rv.Role != domain.RoleAuditor {
		t.Errorf("unexpected reviewer %+v", rv)
	}
	if rv.KeyHash == raw || rv.KeyHash != hashKey(raw) {
		t.Error("expected only the key hash stored")
	}

	tests := []struct {
		name   string
		tenant string
		rname  string
		role   domain.Role
	}{
		{"NoTenant", "", "bob", domain.RoleViewer},
		{"NoName", "tenant-1", "  ", domain.RoleViewer},
		{"UnknownRole", "tenant-1", "bob", "owner"},
		{"DuplicateName", "tenant-1", "alice", domain.RoleViewer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := m.Register(ctx, tt.tenant, tt.rname, tt.role); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemStore())
	raw, rv, err := m.Register(ctx, "tenant-1", "alice", domain.RoleAdmin)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("Valid", func(t *testing.T) {
		for _, key := range []string{raw, "Bearer " + raw, "  " + raw + "\n"} {
			got, err := m.Authenticate(ctx, key)
			if err != nil || got.ID != rv.ID || got.TenantID != "tenant-1" {
				t.Errorf("Authenticate(%q) = %v, %v", key, got, err)
			}
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := m.Authenticate(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		for _, key := range []string{"sk_" + raw[3:], KeyPrefix + strings.Repeat("0", 64)} {
			if _, err := m.Authenticate(ctx, key); !errors.Is(err, ErrInvalidAPIKey) {
				t.Errorf("expected ErrInvalidAPIKey for %q, got %v", key, err)
			}
		}
	})

	t.Run("Revoked", func(t *testing.T) {
		if err := m.Revoke(ctx, "tenant-1", rv.ID); err != nil {
			t.Fatalf("Revoke failed: %v", err)
		}
		if _, err := m.Authenticate(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("expected revoked key rejected, got %v", err)
		}
		list, _ := m.List(ctx, "tenant-1")
		if len(list) != 1 || !list[0].Revoked {
			t.Errorf("expected revoked reviewer kept in the list, got %+v", list)
		}
	})
}

func TestRoleAllows(t *testing.T) {
	tests := []struct {
		role     domain.Role
		required domain.Role
		want     bool
	}{
		{domain.RoleViewer, domain.RoleViewer, true},
		{domain.RoleViewer, domain.RoleAuditor, false},
		{domain.RoleAuditor, domain.RoleViewer, true},
		{domain.RoleAuditor, domain.RoleAdmin, false},
		{domain.RoleAdmin, domain.RoleAuditor, true},
		{"", domain.RoleViewer, false},
		{"owner", domain.RoleViewer, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"_"+string(tt.required), func(t *testing.T) {
			if got := tt.role.Allows(tt.required); got != tt.want {
				t.Errorf("%q.Allows(%q) = %v, want %v", tt.role, tt.required, got, tt.want)
			}
		})
	}

	if r, err := domain.ParseRole(" Admin "); err != nil || r != domain.RoleAdmin {
		t.Errorf("ParseRole(Admin) = %q, %v", r, err)
	}
	if _, err := domain.ParseRole("root"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown role, got %v", err)
	}
}
