// Package conflict resolves divergences between a locally queued order and
// the server's copy of the same id. Resolution is applied exactly once per
// conflict: the stored record's conflict status is claimed with a conditional
// update before any side effect, so a second resolution attempt (or a racing
// sync pass) cannot produce a duplicate state change.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tillu-pos/terminal-sync/internal/remote"
	"github.com/tillu-pos/terminal-sync/internal/store"
)

// ErrAlreadyResolved indicates the conflict was resolved before, or the
// underlying record has already left the conflict state.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// ErrUnknownResolution indicates an unrecognized policy name.
var ErrUnknownResolution = errors.New("unknown resolution policy")

// Resolver applies a resolution policy to a conflict record and settles the
// stored order into a terminal state.
type Resolver struct {
	store  *store.Store
	remote *remote.Client
	logger *slog.Logger
}

// NewResolver returns a resolver writing through the given store and
// submitting forced writes through the given client.
func NewResolver(st *store.Store, rc *remote.Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, remote: rc, logger: logger}
}

// Resolve applies policy to c. On success the stored record is synced; if the
// forced or merged submission fails the record is failed, terminally, with
// the reason recorded. Either way the record ends in an inspectable state.
func (r *Resolver) Resolve(ctx context.Context, c *Record, policy Resolution) error {
	if !policy.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownResolution, policy)
	}
	if c.Resolution != "" {
		return ErrAlreadyResolved
	}

	id := c.LocalOrder.ID

	// Claim the record. Failing the conditional update means some other
	// path already moved it out of conflict.
	if err := r.store.UpdateStatus(ctx, id, store.StatusConflict, store.StatusSyncing); err != nil {
		if errors.Is(err, store.ErrStatusMismatch) {
			return ErrAlreadyResolved
		}
		return fmt.Errorf("claim conflict %s: %w", id, err)
	}

	if err := r.apply(ctx, c, policy); err != nil {
		if ferr := r.store.MarkFailed(ctx, id, store.StatusSyncing, err.Error()); ferr != nil {
			r.logger.Error("failed to record resolution failure", "order_id", id, "error", ferr)
		}
		return fmt.Errorf("resolve %s as %s: %w", id, policy, err)
	}

	if err := r.store.MarkSynced(ctx, id, store.StatusSyncing); err != nil {
		return fmt.Errorf("mark resolved %s: %w", id, err)
	}
	c.Resolution = policy
	r.logger.Info("conflict resolved", "order_id", id, "resolution", string(policy))
	return nil
}

func (r *Resolver) apply(ctx context.Context, c *Record, policy Resolution) error {
	local := c.LocalOrder
	switch policy {
	case KeepServer:
		// The server's copy supersedes ours; nothing to submit.
		return nil

	case KeepLocal:
		_, err := r.remote.ForceSubmit(ctx, submitRequest(local))
		if err != nil {
			return fmt.Errorf("force submit: %w", err)
		}
		return nil

	case Merge:
		items, total, err := mergePayload(local, c.RemoteOrder)
		if err != nil {
			return fmt.Errorf("merge payloads: %w", err)
		}
		merged := submitRequest(local)
		merged.Items = items
		merged.Total = total
		if _, err := r.remote.ForceSubmit(ctx, merged); err != nil {
			return fmt.Errorf("force submit merged: %w", err)
		}
		// reflect the merged content in the local record
		if err := r.store.Update(ctx, local.ID, store.Patch{Items: &items, Total: &total}); err != nil {
			return fmt.Errorf("store merged payload: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownResolution, policy)
	}
}

// mergePayload concatenates the item arrays of the local and remote payloads
// and adds their totals. No dedup, no price re-validation.
func mergePayload(local store.Record, remoteOrder json.RawMessage) (json.RawMessage, float64, error) {
	var localItems []json.RawMessage
	if err := json.Unmarshal(local.Items, &localItems); err != nil {
		return nil, 0, fmt.Errorf("parse local items: %w", err)
	}

	var srv struct {
		Items []json.RawMessage `json:"items"`
		Total float64           `json:"total"`
	}
	if err := json.Unmarshal(remoteOrder, &srv); err != nil {
		return nil, 0, fmt.Errorf("parse remote order: %w", err)
	}

	merged, err := json.Marshal(append(localItems, srv.Items...))
	if err != nil {
		return nil, 0, fmt.Errorf("marshal merged items: %w", err)
	}
	return merged, local.Total + srv.Total, nil
}

func submitRequest(rec store.Record) remote.SubmitRequest {
	return remote.SubmitRequest{
		Items:            rec.Items,
		Total:            rec.Total,
		CustomerInfo:     rec.CustomerInfo,
		OfflineID:        rec.ID,
		OfflineTimestamp: rec.CreatedAt.UnixMilli(),
	}
}
