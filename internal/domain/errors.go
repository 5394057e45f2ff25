package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for missing tenant scope or bad arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientHistory marks a feature vector computed against the
	// global baseline because the payer has too little history.
	// The vector is still usable and carries LowConfidence.
	ErrInsufficientHistory = errors.New("insufficient payer history")

	// ErrModelNotFitted is returned when scoring before the first fit.
	ErrModelNotFitted = errors.New("model not fitted")

	// ErrInsufficientTrainingData is returned when the training window is too small to fit.
	ErrInsufficientTrainingData = errors.New("insufficient training data")

	// ErrNotFlagged is returned when enqueueing a score below the flag threshold.
	ErrNotFlagged = errors.New("score below flag threshold")

	// ErrQueueEmpty is returned by NextItem when nothing is pending.
	ErrQueueEmpty = errors.New("review queue empty")

	// ErrVersionConflict is returned when a review item changed in the store
	// since it was read.
	ErrVersionConflict = errors.New("review item changed concurrently")

	// ErrRunMismatch is returned when a score and an explanation come from different runs.
	ErrRunMismatch = errors.New("score and explanation from different scoring runs")
)

// InvalidTransitionError reports a rejected review state change.
// Current is empty when the item does not exist.
type InvalidTransitionError struct {
	ItemID  string
	Current ReviewStatus
	Target  ReviewStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("invalid transition for item %s: item not found", e.ItemID)
	}
	return fmt.Sprintf("invalid transition for item %s: %s -> %s", e.ItemID, e.Current, e.Target)
}

// MalformedTransactionError reports a transaction rejected at the boundary.
// Row is 1-based for CSV input and zero otherwise.
type MalformedTransactionError struct {
	Row    int
	Field  string
	Reason string
}

func (e *MalformedTransactionError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("malformed transaction at row %d: %s: %s", e.Row, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed transaction: %s: %s", e.Field, e.Reason)
}
