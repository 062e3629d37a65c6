// Package connectivity decides whether the terminal is online by combining
// two signals: a fast, optimistic link hint from the platform (OS network
// change events) and an authoritative periodic liveness probe against the
// order server's health endpoint. The probe wins: a link that is up but
// behind a captive portal still reads as offline.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober confirms application-level reachability. *remote.Client satisfies
// this.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor tracks online/offline state and notifies subscribers on the
// offline-to-online transition.
type Monitor struct {
	prober        Prober
	probeInterval time.Duration
	// freshness bounds how long a probe result stays authoritative; with no
	// probe inside the window the state is unknown and reads as offline.
	freshness time.Duration
	logger    *slog.Logger
	nowFunc   func() time.Time

	probeNow chan struct{}

	mu        sync.Mutex
	online    bool
	lastProbe time.Time
	subs      []chan struct{}
}

// NewMonitor returns a monitor that probes via p every probeInterval and
// trusts each result for freshness.
func NewMonitor(p Prober, probeInterval, freshness time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:        p,
		probeInterval: probeInterval,
		freshness:     freshness,
		logger:        logger,
		nowFunc:       time.Now,
		probeNow:      make(chan struct{}, 1),
	}
}

// Run probes immediately, then on every tick and on every link-up hint,
// until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		case <-m.probeNow:
			m.Probe(ctx)
		}
	}
}

// Probe performs one liveness probe and records the result. Returns the new
// online state.
func (m *Monitor) Probe(ctx context.Context) bool {
	err := m.prober.Health(ctx)
	ok := err == nil
	if err != nil {
		m.logger.Debug("liveness probe failed", "error", err)
	}
	m.record(ok)
	return ok
}

// IsOnline reports the most recent probe result, bounded by the freshness
// window.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastProbe.IsZero() || m.nowFunc().Sub(m.lastProbe) > m.freshness {
		return false
	}
	return m.online
}

// SetLinkUp feeds the optimistic platform signal. A link-up hint schedules an
// immediate probe rather than flipping state: the probe stays authoritative.
// A link-down hint marks the monitor offline right away.
func (m *Monitor) SetLinkUp(up bool) {
	if up {
		select {
		case m.probeNow <- struct{}{}:
		default:
		}
		return
	}
	m.mu.Lock()
	m.online = false
	m.mu.Unlock()
}

// Subscribe returns a channel that receives one notification per
// offline-to-online transition (per probe, not per tick).
func (m *Monitor) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) record(ok bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = ok
	m.lastProbe = m.nowFunc()
	var notify []chan struct{}
	if ok && !wasOnline {
		notify = append(notify, m.subs...)
	}
	m.mu.Unlock()

	if len(notify) > 0 {
		m.logger.Info("connectivity restored")
	}
	for _, ch := range notify {
		select {
		case ch <- struct{}{}:
		default: // subscriber hasn't drained the previous notification
		}
	}
}
