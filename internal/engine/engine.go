// Package engine orchestrates offline order reconciliation: it drains the
// durable backlog in creation order, submits each record to the order API
// with its id as the idempotency token, and maps responses onto the record
// state machine (synced, conflict, failed, or pending-with-backoff).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tillu-pos/terminal-sync/internal/conflict"
	"github.com/tillu-pos/terminal-sync/internal/connectivity"
	"github.com/tillu-pos/terminal-sync/internal/remote"
	"github.com/tillu-pos/terminal-sync/internal/store"
)

// ErrSyncInProgress is returned when a pass is requested while another pass
// is still running. Passes are mutually exclusive.
var ErrSyncInProgress = errors.New("sync pass already in progress")

// ErrUnknownConflict is returned when resolving a conflict id the engine is
// not currently holding.
var ErrUnknownConflict = errors.New("unknown conflict")

// Config tunes the engine.
type Config struct {
	// SyncInterval is the periodic trigger for automatic passes.
	SyncInterval time.Duration
	// MaxRetries is the transient-failure ceiling; a record exceeding it is
	// failed terminally instead of retrying forever.
	MaxRetries int
	// BackoffBase and BackoffCap bound the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultConfig mirrors the terminal's production defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval: 30 * time.Second,
		MaxRetries:   8,
		BackoffBase:  time.Second,
		BackoffCap:   5 * time.Minute,
	}
}

// NewOrder is the payload accepted from the order-entry flow. Items and
// customer info are opaque to the engine.
type NewOrder struct {
	Items        []byte
	Total        float64
	CustomerInfo []byte
}

// Result summarizes one sync pass.
type Result struct {
	Synced    int               `json:"synced"`
	Conflicts []conflict.Record `json:"conflicts"`
}

// Service is the offline-first sync engine. Construct one per process and
// share it by reference; it owns all mutation of order records.
type Service struct {
	store    *store.Store
	remote   *remote.Client
	monitor  *connectivity.Monitor
	resolver *conflict.Resolver
	cfg      Config
	logger   *slog.Logger
	nowFunc  func() time.Time

	// passRunning guards pass mutual exclusion across the timer, the
	// connectivity trigger and manual calls.
	passRunning int32

	mu        sync.Mutex
	conflicts map[string]*conflict.Record
}

// NewService wires the engine. monitor may be nil in tests that trigger
// passes manually.
func NewService(st *store.Store, rc *remote.Client, mon *connectivity.Monitor,
	res *conflict.Resolver, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		remote:    rc,
		monitor:   mon,
		resolver:  res,
		cfg:       cfg,
		logger:    logger,
		nowFunc:   time.Now,
		conflicts: make(map[string]*conflict.Record),
	}
}

// SaveOfflineOrder durably queues a new order and returns its id. The write
// completes (or fails) before returning; no network activity is involved, so
// order entry keeps working with no connectivity. A storage failure is
// returned to the caller rather than swallowed.
func (s *Service) SaveOfflineOrder(ctx context.Context, order NewOrder) (string, error) {
	rec := store.Record{
		ID:           "offline-" + uuid.NewString(),
		Items:        order.Items,
		Total:        order.Total,
		CustomerInfo: order.CustomerInfo,
		CreatedAt:    s.nowFunc(),
		Status:       store.StatusPending,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("queue offline order: %w", err)
	}
	s.logger.Info("order queued offline", "order_id", rec.ID, "total", rec.Total)
	return rec.ID, nil
}

// OfflineOrders returns every stored record, oldest first.
func (s *Service) OfflineOrders(ctx context.Context) ([]store.Record, error) {
	return s.store.All(ctx)
}

// PendingOrders returns the records still awaiting sync, oldest first.
func (s *Service) PendingOrders(ctx context.Context) ([]store.Record, error) {
	return s.store.ByStatus(ctx, store.StatusPending)
}

// IsOnline reports the connectivity monitor's current view.
func (s *Service) IsOnline() bool {
	if s.monitor == nil {
		return false
	}
	return s.monitor.IsOnline()
}

// SyncWithServer runs one sync pass: due pending records are drained in
// creation order and submitted one at a time. A transient failure on one
// record never blocks the rest of the backlog. Returns ErrSyncInProgress if
// another pass is running.
func (s *Service) SyncWithServer(ctx context.Context) (*Result, error) {
	if !atomic.CompareAndSwapInt32(&s.passRunning, 0, 1) {
		return nil, ErrSyncInProgress
	}
	defer atomic.StoreInt32(&s.passRunning, 0)

	due, err := s.store.PendingBefore(ctx, s.nowFunc())
	if err != nil {
		return nil, fmt.Errorf("load pending orders: %w", err)
	}

	res := &Result{Conflicts: []conflict.Record{}}
	for i := range due {
		// cancellation is honored between records only
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec := due[i]

		// once claimed, the record's submission and state write run to
		// completion even during shutdown; aborting mid-record would strand
		// it in syncing or lose a success response
		recCtx := context.WithoutCancel(ctx)

		// claim the record; a concurrent resolver or a just-finished pass
		// may have moved it already
		if err := s.store.UpdateStatus(recCtx, rec.ID, store.StatusPending, store.StatusSyncing); err != nil {
			if errors.Is(err, store.ErrStatusMismatch) {
				continue
			}
			return res, fmt.Errorf("claim order %s: %w", rec.ID, err)
		}

		if err := s.submit(recCtx, rec, res); err != nil {
			// storage failure mid-pass: stop, the record state is still
			// inspectable
			return res, err
		}
	}

	if res.Synced > 0 || len(res.Conflicts) > 0 {
		s.logger.Info("sync pass finished",
			"synced", res.Synced, "conflicts", len(res.Conflicts))
	}
	return res, nil
}

// submit sends one claimed (syncing) record and applies the resulting state
// transition. Only storage errors are returned; submission outcomes are
// absorbed into record state.
func (s *Service) submit(ctx context.Context, rec store.Record, res *Result) error {
	order, err := s.remote.Submit(ctx, remote.SubmitRequest{
		Items:            rec.Items,
		Total:            rec.Total,
		CustomerInfo:     rec.CustomerInfo,
		OfflineID:        rec.ID,
		OfflineTimestamp: rec.CreatedAt.UnixMilli(),
	})

	switch {
	case err == nil:
		if err := s.store.MarkSynced(ctx, rec.ID, store.StatusSyncing); err != nil {
			return fmt.Errorf("mark synced %s: %w", rec.ID, err)
		}
		res.Synced++
		s.logger.Info("order synced", "order_id", rec.ID, "server_order_id", order.OrderID)
		return nil

	case isConflict(err):
		var ce *remote.ConflictError
		errors.As(err, &ce)
		c := &conflict.Record{
			LocalOrder:  rec,
			RemoteOrder: ce.Existing,
			Type:        conflict.TypeDuplicate,
		}
		reason := err.Error()
		if uerr := s.store.Update(ctx, rec.ID, store.Patch{
			Status:    statusPtr(store.StatusConflict),
			LastError: &reason,
		}); uerr != nil {
			return fmt.Errorf("mark conflict %s: %w", rec.ID, uerr)
		}
		s.rememberConflict(c)
		res.Conflicts = append(res.Conflicts, *c)
		s.logger.Warn("order conflicts with server copy", "order_id", rec.ID)
		return nil

	case isValidation(err):
		if ferr := s.store.MarkFailed(ctx, rec.ID, store.StatusSyncing, err.Error()); ferr != nil {
			return fmt.Errorf("mark failed %s: %w", rec.ID, ferr)
		}
		s.logger.Warn("order rejected by server", "order_id", rec.ID, "error", err)
		return nil

	default:
		// transient: 5xx, timeout or transport failure
		attempt := rec.RetryCount + 1
		if attempt > s.cfg.MaxRetries {
			reason := fmt.Sprintf("retry ceiling reached after %d attempts: %v", rec.RetryCount, err)
			if ferr := s.store.MarkFailed(ctx, rec.ID, store.StatusSyncing, reason); ferr != nil {
				return fmt.Errorf("mark failed %s: %w", rec.ID, ferr)
			}
			s.logger.Error("order failed permanently", "order_id", rec.ID, "attempts", rec.RetryCount)
			return nil
		}
		delay := backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap)
		if serr := s.store.ScheduleRetry(ctx, rec.ID, delay, err.Error()); serr != nil {
			return fmt.Errorf("schedule retry %s: %w", rec.ID, serr)
		}
		s.logger.Warn("order submission failed, retry scheduled",
			"order_id", rec.ID, "attempt", attempt, "delay", delay, "error", err)
		return nil
	}
}

// Conflicts returns the unresolved conflicts from past passes, for operator
// review.
func (s *Service) Conflicts() []conflict.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conflict.Record, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, *c)
	}
	return out
}

// Conflict looks up a held conflict by order id.
func (s *Service) Conflict(orderID string) (*conflict.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[orderID]
	return c, ok
}

// ResolveConflict applies a resolution policy to a held conflict, exactly
// once. The conflict is released whether the resolution synced or failed the
// record; both are terminal.
func (s *Service) ResolveConflict(ctx context.Context, c *conflict.Record, policy conflict.Resolution) error {
	err := s.resolver.Resolve(ctx, c, policy)
	if errors.Is(err, conflict.ErrUnknownResolution) {
		// nothing happened; keep holding the conflict
		return err
	}
	// synced, failed, or already moved on: all terminal, release it
	s.forgetConflict(c.LocalOrder.ID)
	return err
}

// ResolveConflictByID resolves a conflict previously surfaced by a sync pass.
func (s *Service) ResolveConflictByID(ctx context.Context, orderID string, policy conflict.Resolution) error {
	c, ok := s.Conflict(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, orderID)
	}
	return s.ResolveConflict(ctx, c, policy)
}

// StartAutoSync arms the periodic timer and the connectivity-restored
// trigger. Runs until ctx is done; the returned channel closes once the
// loop has stopped, after any in-flight pass has wound down. Automatic
// triggers consult the monitor first; a manual SyncWithServer call does not.
func (s *Service) StartAutoSync(ctx context.Context) <-chan struct{} {
	var online <-chan struct{}
	if s.monitor != nil {
		online = s.monitor.Subscribe()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.IsOnline() {
					continue
				}
				s.runAutoPass(ctx, "timer")
			case <-online:
				s.runAutoPass(ctx, "connectivity-restored")
			}
		}
	}()
	return done
}

func (s *Service) runAutoPass(ctx context.Context, trigger string) {
	if _, err := s.SyncWithServer(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		s.logger.Error("auto sync failed", "trigger", trigger, "error", err)
	}
}

func (s *Service) rememberConflict(c *conflict.Record) {
	s.mu.Lock()
	s.conflicts[c.LocalOrder.ID] = c
	s.mu.Unlock()
}

func (s *Service) forgetConflict(orderID string) {
	s.mu.Lock()
	delete(s.conflicts, orderID)
	s.mu.Unlock()
}

func isConflict(err error) bool {
	var ce *remote.ConflictError
	return errors.As(err, &ce)
}

func isValidation(err error) bool {
	var ve *remote.ValidationError
	return errors.As(err, &ve)
}

func statusPtr(st store.Status) *store.Status { return &st }
