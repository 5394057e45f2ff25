package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const reviewItemSelect = `
	SELECT r.id, r.tenant_id, r.transaction_id, r.status, r.severity,
		   r.score, r.explanation, r.indicators, r.low_confidence,
		   r.assigned_to, r.lease_expires_at, r.reviewer_note, r.resolved_by, r.resolved_at,
		   r.archived, r.archived_at, r.created_at, r.updated_at, r.version,
		   t.id, t.tenant_id, t.payer, t.payee, t.category, t.memo, t.amount, t.timestamp, t.created_at
	FROM review_items r
	JOIN transactions t ON t.tenant_id = r.tenant_id AND t.id = r.transaction_id
`

type reviewItemRow struct {
	score, explanation, indicators string
}

// encodeReviewItem stores score, explanation and indicators as JSON so an
// item always carries one scoring run.
func encodeReviewItem(item *domain.ReviewItem) (reviewItemRow, error) {
	if err := domain.SameRun(item.Score, item.Explanation); err != nil {
		return reviewItemRow{}, err
	}
	score, err := json.Marshal(item.Score)
	if err != nil {
		return reviewItemRow{}, fmt.Errorf("marshal score: %w", err)
	}
	explanation, err := json.Marshal(item.Explanation)
	if err != nil {
		return reviewItemRow{}, fmt.Errorf("marshal explanation: %w", err)
	}
	indicators := item.Indicators
	if indicators == nil {
		indicators = []domain.RiskIndicator{}
	}
	indicatorJSON, err := json.Marshal(indicators)
	if err != nil {
		return reviewItemRow{}, fmt.Errorf("marshal indicators: %w", err)
	}
	return reviewItemRow{string(score), string(explanation), string(indicatorJSON)}, nil
}

// CreateReviewItem inserts a new review item. It returns
// domain.ErrVersionConflict when the item id or its transaction already
// has an item.
func (r *SQLRepository) CreateReviewItem(ctx context.Context, tenantID string, item *domain.ReviewItem) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	row, err := encodeReviewItem(item)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO review_items (
			id, tenant_id, transaction_id, status, severity, score, explanation, indicators,
			low_confidence, assigned_to, lease_expires_at, reviewer_note, resolved_by, resolved_at,
			archived, archived_at, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		item.ID, tenantID, item.TransactionID, string(item.Status), string(item.Severity),
		row.score, row.explanation, row.indicators,
		boolInt(item.LowConfidence), item.AssignedTo, nullTime(item.LeaseExpiresAt),
		item.ReviewerNote, item.ResolvedBy, nullTime(item.ResolvedAt),
		boolInt(item.Archived), nullTime(item.ArchivedAt),
		item.CreatedAt.UTC(), item.UpdatedAt.UTC(), item.Version,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "review item %s for transaction %s exists", item.ID, item.TransactionID)
}

// UpdateReviewItem writes item over the stored row only while the row is
// still at expectedVersion, and stores item.Version. Otherwise it returns
// domain.ErrVersionConflict and changes nothing.
func (r *SQLRepository) UpdateReviewItem(ctx context.Context, tenantID string, item *domain.ReviewItem, expectedVersion int64) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if item.Version <= expectedVersion {
		return fmt.Errorf("%w: version %d does not follow %d", ErrInvalidInput, item.Version, expectedVersion)
	}
	row, err := encodeReviewItem(item)
	if err != nil {
		return err
	}

	query := `
		UPDATE review_items SET
			status = ?, severity = ?, score = ?, explanation = ?, indicators = ?,
			low_confidence = ?, assigned_to = ?, lease_expires_at = ?,
			reviewer_note = ?, resolved_by = ?, resolved_at = ?,
			archived = ?, archived_at = ?, updated_at = ?, version = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(item.Status), string(item.Severity), row.score, row.explanation, row.indicators,
		boolInt(item.LowConfidence), item.AssignedTo, nullTime(item.LeaseExpiresAt),
		item.ReviewerNote, item.ResolvedBy, nullTime(item.ResolvedAt),
		boolInt(item.Archived), nullTime(item.ArchivedAt), item.UpdatedAt.UTC(), item.Version,
		tenantID, item.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "review item %s not at version %d", item.ID, expectedVersion)
}

func expectOneRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrVersionConflict)
	}
	return nil
}

// GetReviewItem returns one item with its transaction.
func (r *SQLRepository) GetReviewItem(ctx context.Context, tenantID string, itemID string) (*domain.ReviewItem, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := reviewItemSelect + ` WHERE r.tenant_id = ? AND r.id = ?`
	item, err := scanReviewItem(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListReviewItems returns every item of a tenant, archived included.
func (r *SQLRepository) ListReviewItems(ctx context.Context, tenantID string) ([]*domain.ReviewItem, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := reviewItemSelect + ` WHERE r.tenant_id = ? ORDER BY r.created_at, r.id`
	return r.queryReviewItems(ctx, query, tenantID)
}

func (r *SQLRepository) queryReviewItems(ctx context.Context, query string, args ...any) ([]*domain.ReviewItem, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListReviewItemsSince returns a tenant's items changed at or after since,
// oldest change first.
func (r *SQLRepository) ListReviewItemsSince(ctx context.Context, tenantID string, since time.Time) ([]*domain.ReviewItem, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := reviewItemSelect + ` WHERE r.tenant_id = ? AND r.updated_at >= ? ORDER BY r.updated_at, r.id`
	return r.queryReviewItems(ctx, query, tenantID, since.UTC())
}

// SaveReviewEvent appends to the audit trail.
func (r *SQLRepository) SaveReviewEvent(ctx context.Context, tenantID string, ev *domain.ReviewEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO review_events (
			id, tenant_id, item_id, transaction_id, action, from_status, to_status, actor, note, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.ItemID, ev.TransactionID, ev.Action,
		string(ev.FromStatus), string(ev.ToStatus), ev.Actor, ev.Note, ev.At.UTC(),
	)
	return err
}

// ListReviewEvents returns an item's audit trail, oldest first.
func (r *SQLRepository) ListReviewEvents(ctx context.Context, tenantID string, itemID string) ([]*domain.ReviewEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, item_id, transaction_id, action, from_status, to_status, actor, note, at
		FROM review_events
		WHERE tenant_id = ? AND item_id = ?
		ORDER BY at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.ReviewEvent
	for rows.Next() {
		var ev domain.ReviewEvent
		var from, to string
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.ItemID, &ev.TransactionID, &ev.Action,
			&from, &to, &ev.Actor, &ev.Note, &ev.At,
		); err != nil {
			return nil, err
		}
		ev.FromStatus = domain.ReviewStatus(from)
		ev.ToStatus = domain.ReviewStatus(to)
		ev.At = ev.At.UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func scanReviewItem(s scanner) (*domain.ReviewItem, error) {
	var (
		item                               domain.ReviewItem
		tx                                 domain.Transaction
		status, severity                   string
		score, explanation, indicators     string
		lowConfidence, archived            int
		leaseExpiresAt, resolvedAt, archAt sql.NullTime
	)
	if err := s.Scan(
		&item.ID, &item.TenantID, &item.TransactionID, &status, &severity,
		&score, &explanation, &indicators, &lowConfidence,
		&item.AssignedTo, &leaseExpiresAt, &item.ReviewerNote, &item.ResolvedBy, &resolvedAt,
		&archived, &archAt, &item.CreatedAt, &item.UpdatedAt, &item.Version,
		&tx.ID, &tx.TenantID, &tx.Payer, &tx.Payee, &tx.Category, &tx.Memo, &tx.Amount, &tx.Timestamp, &tx.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(score), &item.Score); err != nil {
		return nil, fmt.Errorf("failed to parse score of item %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(explanation), &item.Explanation); err != nil {
		return nil, fmt.Errorf("failed to parse explanation of item %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(indicators), &item.Indicators); err != nil {
		return nil, fmt.Errorf("failed to parse indicators of item %s: %w", item.ID, err)
	}
	if len(item.Indicators) == 0 {
		item.Indicators = nil
	}

	tx.Timestamp = tx.Timestamp.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	item.Transaction = &tx
	item.Status = domain.ReviewStatus(status)
	item.Severity = domain.Severity(severity)
	item.LowConfidence = lowConfidence == 1
	item.Archived = archived == 1
	item.LeaseExpiresAt = timePtr(leaseExpiresAt)
	item.ResolvedAt = timePtr(resolvedAt)
	item.ArchivedAt = timePtr(archAt)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}
