package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const reviewerColumns = `id, tenant_id, name, role, key_hash, revoked, created_at`

// CreateReviewer stores a new reviewer. Names are unique within a tenant.
func (r *SQLRepository) CreateReviewer(ctx context.Context, rv *domain.Reviewer) error {
	if rv.TenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO reviewers (` + reviewerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		rv.ID, rv.TenantID, rv.Name, string(rv.Role), rv.KeyHash, boolInt(rv.Revoked), rv.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: reviewer %q already exists", ErrInvalidInput, rv.Name)
	}
	return nil
}

// GetReviewerByKeyHash returns the reviewer holding a key. Key hashes are
// unique across tenants.
func (r *SQLRepository) GetReviewerByKeyHash(ctx context.Context, keyHash string) (*domain.Reviewer, error) {
	query := `SELECT ` + reviewerColumns + ` FROM reviewers WHERE key_hash = ?`

	rv, err := scanReviewer(r.db.QueryRowContext(ctx, r.rebind(query), keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rv, err
}

// ListReviewers returns a tenant's reviewers by name, revoked included.
func (r *SQLRepository) ListReviewers(ctx context.Context, tenantID string) ([]*domain.Reviewer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + reviewerColumns + ` FROM reviewers WHERE tenant_id = ? ORDER BY name`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviewers []*domain.Reviewer
	for rows.Next() {
		rv, err := scanReviewer(rows)
		if err != nil {
			return nil, err
		}
		reviewers = append(reviewers, rv)
	}
	return reviewers, rows.Err()
}

// RevokeReviewer disables a reviewer's key. The row is kept so past review
// actions still name a known reviewer.
func (r *SQLRepository) RevokeReviewer(ctx context.Context, tenantID string, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `UPDATE reviewers SET revoked = 1 WHERE tenant_id = ? AND id = ?`
	res, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reviewer %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanReviewer(s scanner) (*domain.Reviewer, error) {
	var (
		rv      domain.Reviewer
		role    string
		revoked int
	)
	if err := s.Scan(&rv.ID, &rv.TenantID, &rv.Name, &role, &rv.KeyHash, &revoked, &rv.CreatedAt); err != nil {
		return nil, err
	}
	rv.Role = domain.Role(role)
	rv.Revoked = revoked == 1
	rv.CreatedAt = rv.CreatedAt.UTC()
	return &rv, nil
}
