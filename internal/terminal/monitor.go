package terminal

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Prober is the health-check side of the ledger client.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor tracks whether the canonical ledger is reachable. It starts
// OFFLINE and probes on a fixed interval (with jitter, so a fleet of
// terminals does not reconnect in lockstep) until a probe succeeds; while
// ONLINE it does not probe at all — the transition back to OFFLINE happens
// when any server call fails and the caller reports it.
type Monitor struct {
	prober       Prober
	clock        Clock
	probeTimeout time.Duration
	backoff      *backoff.Backoff

	mu     sync.Mutex
	online bool

	onReconnect func()

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor builds a monitor polling every interval while offline.
// onReconnect fires on every OFFLINE→ONLINE transition (the sync engine
// hooks its full drain here); it may be nil.
func NewMonitor(prober Prober, interval, probeTimeout time.Duration, clock Clock, onReconnect func()) *Monitor {
	if clock == nil {
		clock = SystemClock
	}
	return &Monitor{
		prober:       prober,
		clock:        clock,
		probeTimeout: probeTimeout,
		backoff: &backoff.Backoff{
			Min:    interval,
			Max:    2 * interval,
			Factor: 1.5,
			Jitter: true,
		},
		onReconnect: onReconnect,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ReportFailure flips the monitor OFFLINE. Called by anything that saw a
// server request fail or time out; safe to call from any goroutine.
func (m *Monitor) ReportFailure() {
	m.mu.Lock()
	wasOnline := m.online
	m.online = false
	m.mu.Unlock()

	if wasOnline {
		log.Printf("[MONITOR] Server unreachable, switching to OFFLINE")
	}
}

// Probe checks reachability once and applies the state transition. Returns
// the resulting online state.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if err := m.prober.Health(probeCtx); err != nil {
		m.ReportFailure()
		return false
	}

	m.mu.Lock()
	wasOnline := m.online
	m.online = true
	m.mu.Unlock()

	m.backoff.Reset()
	if !wasOnline {
		log.Printf("[MONITOR] Reconnected to server, switching to ONLINE")
		if m.onReconnect != nil {
			m.onReconnect()
		}
	}
	return true
}

// Run polls until Stop is called or ctx is cancelled. Probes are skipped
// while ONLINE.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-m.clock.After(m.backoff.Duration()):
			if !m.Online() {
				m.Probe(ctx)
			}
		}
	}
}

// Stop signals Run to exit and waits for it.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
