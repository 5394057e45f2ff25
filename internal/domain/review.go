package domain

import "time"

// ReviewStatus is the state of a ReviewItem.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewConfirmed ReviewStatus = "confirmed"
	ReviewDismissed ReviewStatus = "dismissed"
)

// Terminal reports whether no further transitions are allowed.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewConfirmed || s == ReviewDismissed
}

// Valid reports whether s is a known status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewInReview, ReviewConfirmed, ReviewDismissed:
		return true
	}
	return false
}

// Severity buckets a flagged item by percentile rank.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityFor maps a percentile rank to a severity bucket.
func SeverityFor(percentile float64) Severity {
	switch {
	case percentile >= 0.99:
		return SeverityHigh
	case percentile >= 0.975:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ReviewItem is a flagged transaction awaiting or past human review.
// Score and Explanation are always from the same scoring run.
type ReviewItem struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenantId"`
	TransactionID string        `json:"transactionId"`
	Transaction   *Transaction  `json:"transaction"`
	Score         *AnomalyScore `json:"score"`
	Explanation   *Explanation  `json:"explanation"`

	Status        ReviewStatus    `json:"status"`
	Severity      Severity        `json:"severity"`
	Indicators    []RiskIndicator `json:"indicators,omitempty"`
	LowConfidence bool            `json:"lowConfidence"`

	// Lease
	AssignedTo     string     `json:"assignedTo,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`

	// Resolution
	ReviewerNote string     `json:"reviewerNote,omitempty"`
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`

	Archived   bool       `json:"archived"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Version increases by one on every stored change. Updates are
	// conditional on the version they were read at.
	Version int64 `json:"version"`
}

// Clone returns a copy safe to hand outside the queue lock.
// Transaction, Score and Explanation are immutable and shared.
func (r *ReviewItem) Clone() *ReviewItem {
	c := *r
	if r.Indicators != nil {
		c.Indicators = append([]RiskIndicator(nil), r.Indicators...)
	}
	return &c
}

// ReviewEvent is one entry in the review audit trail.
type ReviewEvent struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenantId"`
	ItemID        string       `json:"itemId"`
	TransactionID string       `json:"transactionId"`
	Action        string       `json:"action"`
	FromStatus    ReviewStatus `json:"fromStatus,omitempty"`
	ToStatus      ReviewStatus `json:"toStatus"`
	Actor         string       `json:"actor,omitempty"`
	Note          string       `json:"note,omitempty"`
	At            time.Time    `json:"at"`
}

// Review audit actions
const (
	ActionEnqueued = "enqueued"
	ActionRescored = "rescored"
	ActionAssigned = "assigned"
	ActionReleased = "lease_expired"
	ActionResolved = "resolved"
	ActionArchived = "archived"
)

// ReviewFilter narrows a queue listing. Zero values match everything
// except archived items, which need IncludeArchived.
type ReviewFilter struct {
	Status          ReviewStatus
	Severity        Severity
	IncludeArchived bool
	Limit           int
}

// Match reports whether item passes the filter. Limit is not applied.
func (f ReviewFilter) Match(item *ReviewItem) bool {
	if item.Archived && !f.IncludeArchived {
		return false
	}
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	return f.Severity == "" || item.Severity == f.Severity
}

// Summary aggregates review and scoring counts for a tenant.
type Summary struct {
	Transactions int64            `json:"transactions"`
	Scored       int64            `json:"scored"`
	Flagged      int64            `json:"flagged"`
	ByStatus     map[string]int64 `json:"byStatus"`
	BySeverity   map[string]int64 `json:"bySeverity"`
}
