// Package domain contains the core types shared by every queue backend.
package domain

import (
	"encoding/json"
	"time"
)

// Delivery kinds understood by the bundled handlers.
const (
	KindSMS   = "sms"
	KindEmail = "email"
	KindKafka = "kafka"
)

// WorkItem is a unit of work held in the queue.
type WorkItem struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	LockOwner     *string         `json:"lock_owner"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	LastProcessed *time.Time      `json:"last_processed"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
}

// Exhausted reports whether the item has used up its attempts.
func (w *WorkItem) Exhausted() bool {
	return w.AttemptCount >= w.MaxAttempts
}

// OwnedBy reports whether workerID currently holds the claim.
func (w *WorkItem) OwnedBy(workerID string) bool {
	return w.Status.IsLocked() && w.LockOwner != nil && *w.LockOwner == workerID
}

// Outcome is the result of processing a claimed item.
type Outcome int

// Processing outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}
