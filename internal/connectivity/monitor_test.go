package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubProber flips between healthy and unhealthy under test control.
type stubProber struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (p *stubProber) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.healthy {
		return nil
	}
	return errors.New("unreachable")
}

func (p *stubProber) set(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

func newTestMonitor(p Prober) *Monitor {
	return NewMonitor(p, time.Minute, time.Minute, nil)
}

func TestIsOnline_ProbeIsAuthoritative(t *testing.T) {
	p := &stubProber{healthy: false}
	m := newTestMonitor(p)

	// OS says the link is up, but the application-level probe fails
	// (captive portal case): must read offline.
	m.SetLinkUp(true)
	m.Probe(context.Background())
	if m.IsOnline() {
		t.Fatal("expected offline when probe fails, regardless of link hint")
	}

	p.set(true)
	m.Probe(context.Background())
	if !m.IsOnline() {
		t.Fatal("expected online after successful probe")
	}
}

func TestIsOnline_UnknownWithoutFreshProbe(t *testing.T) {
	p := &stubProber{healthy: true}
	m := newTestMonitor(p)

	// no probe has ever completed
	if m.IsOnline() {
		t.Fatal("expected offline before any probe")
	}

	m.Probe(context.Background())
	if !m.IsOnline() {
		t.Fatal("expected online after probe")
	}

	// age the probe result past the freshness window
	m.nowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if m.IsOnline() {
		t.Fatal("expected offline once the probe result is stale")
	}
}

func TestSetLinkUp_DownMarksOfflineImmediately(t *testing.T) {
	p := &stubProber{healthy: true}
	m := newTestMonitor(p)

	m.Probe(context.Background())
	if !m.IsOnline() {
		t.Fatal("expected online")
	}

	m.SetLinkUp(false)
	if m.IsOnline() {
		t.Fatal("expected offline after link-down hint")
	}
}

func TestSubscribe_FiresOncePerTransition(t *testing.T) {
	p := &stubProber{healthy: true}
	m := newTestMonitor(p)
	ch := m.Subscribe()

	// offline -> online
	m.Probe(context.Background())
	select {
	case <-ch:
	default:
		t.Fatal("expected a notification on the offline-to-online transition")
	}

	// further successful probes while already online must not notify
	m.Probe(context.Background())
	m.Probe(context.Background())
	select {
	case <-ch:
		t.Fatal("unexpected notification without a transition")
	default:
	}

	// online -> offline -> online notifies again
	p.set(false)
	m.Probe(context.Background())
	p.set(true)
	m.Probe(context.Background())
	select {
	case <-ch:
	default:
		t.Fatal("expected a notification on the second transition")
	}
}

func TestSetLinkUp_TriggersImmediateProbeInRun(t *testing.T) {
	p := &stubProber{healthy: true}
	m := NewMonitor(p, time.Hour, time.Hour, nil) // ticker never fires in test

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// wait for the startup probe
	deadline := time.Now().Add(2 * time.Second)
	for !m.IsOnline() {
		if time.Now().After(deadline) {
			t.Fatal("startup probe never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.mu.Lock()
	startCalls := p.calls
	p.mu.Unlock()

	m.SetLinkUp(true)
	deadline = time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		calls := p.calls
		p.mu.Unlock()
		if calls > startCalls {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("link-up hint did not trigger a probe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
