package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a locally created order.
type Status string

// Record statuses. Transitions are driven exclusively by the sync engine:
// pending -> syncing -> synced | conflict | failed, with syncing falling back
// to pending on a transient submission failure.
const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// Record is the unit of durability: one locally created order awaiting
// reconciliation with the order server. ID doubles as the idempotency token
// sent on submission.
type Record struct {
	ID           string          `json:"id"`
	Items        json.RawMessage `json:"items"`
	Total        float64         `json:"total"`
	CustomerInfo json.RawMessage `json:"customerInfo,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retryCount"`
	LastError    string          `json:"lastError,omitempty"`
	// NextAttemptAt is the earliest time the sync engine may submit this
	// record again; set by backoff scheduling after a transient failure.
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Patch is a partial update applied to a stored record. Nil fields are left
// untouched.
type Patch struct {
	Items         *json.RawMessage
	Total         *float64
	Status        *Status
	RetryCount    *int
	LastError     *string
	NextAttemptAt *time.Time
}

// MenuItem is a cached menu entry, kept locally so the terminal can render a
// menu with no connectivity. The payload is opaque to this package.
type MenuItem struct {
	ID       string          `json:"id"`
	Category string          `json:"category,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}
