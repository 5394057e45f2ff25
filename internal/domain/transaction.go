package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxAmount bounds the magnitude of a transaction amount. Larger values
// are rejected so baseline sums stay finite.
const MaxAmount = 1e15

// Transaction is an immutable ledger record submitted for scoring.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Financial details
	Amount   float64 `json:"amount"`
	Payer    string  `json:"payer"`
	Payee    string  `json:"payee"`
	Category string  `json:"category"`
	Memo     string  `json:"memo,omitempty"`
}

// TransactionRequest is the API request payload for a transaction.
type TransactionRequest struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
	Payer     string    `json:"payer"`
	Payee     string    `json:"payee"`
	Category  string    `json:"category"`
	Memo      string    `json:"memo,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
// A missing ID is generated; a missing timestamp defaults to now.
func (r *TransactionRequest) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return &Transaction{
		ID:        id,
		TenantID:  tenantID,
		Timestamp: ts.UTC(),
		CreatedAt: now,
		Amount:    r.Amount,
		Payer:     strings.TrimSpace(r.Payer),
		Payee:     strings.TrimSpace(r.Payee),
		Category:  strings.TrimSpace(r.Category),
		Memo:      r.Memo,
	}
}

// Validate checks the fields every scoring stage depends on.
func (t *Transaction) Validate() error {
	switch {
	case t.ID == "":
		return &MalformedTransactionError{Field: "id", Reason: "required"}
	case t.Timestamp.IsZero():
		return &MalformedTransactionError{Field: "timestamp", Reason: "required"}
	case math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0):
		return &MalformedTransactionError{Field: "amount", Reason: fmt.Sprintf("not a finite number: %v", t.Amount)}
	case math.Abs(t.Amount) > MaxAmount:
		return &MalformedTransactionError{Field: "amount", Reason: fmt.Sprintf("magnitude exceeds %g", float64(MaxAmount))}
	case t.Payer == "":
		return &MalformedTransactionError{Field: "payer", Reason: "required"}
	case t.Payee == "":
		return &MalformedTransactionError{Field: "payee", Reason: "required"}
	}
	return nil
}
