package conflict

import (
	"encoding/json"

	"github.com/tillu-pos/terminal-sync/internal/store"
)

// Type classifies how the local and remote copies diverged.
type Type string

const (
	TypeDuplicate Type = "duplicate"
	TypeModified  Type = "modified"
	TypeDeleted   Type = "deleted"
)

// Resolution is the policy applied to a conflict.
type Resolution string

const (
	// KeepLocal force-submits the local payload, bypassing the server's
	// duplicate check.
	KeepLocal Resolution = "keep_local"
	// KeepServer accepts the server's copy; the local record is marked
	// reconciled without resubmitting.
	KeepServer Resolution = "keep_server"
	// Merge concatenates the two item lists and adds the totals, then
	// force-submits the result. Additive only: identical items are not
	// deduplicated and pricing is not re-validated, so the caller must know
	// the two payloads are genuinely independent entries.
	Merge Resolution = "merge"
)

// Valid reports whether r names a known policy.
func (r Resolution) Valid() bool {
	switch r {
	case KeepLocal, KeepServer, Merge:
		return true
	}
	return false
}

// Record is the ephemeral representation of a detected divergence. It is
// built by the sync engine on a 409 response and consumed exactly once by the
// resolver; it is never persisted.
type Record struct {
	LocalOrder  store.Record    `json:"localOrder"`
	RemoteOrder json.RawMessage `json:"remoteOrder"`
	Type        Type            `json:"conflictType"`
	Resolution  Resolution      `json:"resolution,omitempty"`
}
