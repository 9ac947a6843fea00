// Package bootloader implements the Bootloader Monitor: a background loop
// that periodically polls devices in bootloader mode and reconciles their
// state with the Allocation Registry, notifying registered listeners.
package bootloader

import (
	"context"
	"log"
	"sync"
	"time"

	dp "github.com/xmidt-org/devicepool"
)

// pollTimeout bounds a single bootloader-channel query.
const pollTimeout = 60 * time.Second

// tickInterval is the monitor's polling cadence.
const tickInterval = 5 * time.Second

// Handle is the minimal surface the monitor needs from a registered
// allocation: its serial, current runtime state, and a setter. The
// manager's concrete handle type satisfies this structurally.
type Handle interface {
	Serial() dp.Serial
	RuntimeState() dp.RuntimeState
	SetRuntimeState(dp.RuntimeState)
}

// Source queries the bootloader channel for currently visible serials.
type Source interface {
	Devices(ctx context.Context) ([]dp.Serial, error)
}

// Listener is notified once per tick for every handle whose runtime state
// changed.
type Listener interface {
	StateUpdated(serial dp.Serial, state dp.RuntimeState)
}

// Monitor is the Bootloader Monitor. Use New to construct one; it starts
// disabled and only begins ticking once a listener is registered.
type Monitor struct {
	Source   Source
	Registry func() []Handle
	Logger   *log.Logger
	// Discovered, if set, is invoked once per tick for each visible serial
	// with no registry entry, so the owner can pool it directly without a
	// readiness probe (a bootloader device cannot answer shell commands).
	Discovered func(serial dp.Serial)
	// Interval overrides the default 5s tick cadence; tests shorten it.
	Interval time.Duration

	mu        sync.Mutex
	listeners []Listener
	stopCh    chan struct{}
	running   bool
}

// New returns a disabled Monitor polling src via registrySnapshot, which
// must return the current set of allocated handles.
func New(src Source, registrySnapshot func() []Handle) *Monitor {
	return &Monitor{Source: src, Registry: registrySnapshot, Interval: tickInterval}
}

func (m *Monitor) interval() time.Duration {
	if m.Interval > 0 {
		return m.Interval
	}
	return tickInterval
}

func (m *Monitor) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

// AddListener registers l. The monitor begins ticking on the first
// registered listener.
func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	shouldStart := !m.running
	if shouldStart {
		m.running = true
		m.stopCh = make(chan struct{})
	}
	stopCh := m.stopCh
	m.mu.Unlock()

	if shouldStart {
		go m.loop(stopCh)
	}
}

// RemoveListener deregisters l. The loop keeps running for other
// listeners; use Stop to terminate it unconditionally.
func (m *Monitor) RemoveListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Stop terminates the polling loop. Idempotent; safe to call when not
// running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

func (m *Monitor) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	visible, err := m.Source.Devices(ctx)
	if err != nil {
		// Log and continue on the next tick; no caller-visible failure.
		m.logger().Printf("bootloader monitor: poll failed: %v", err)
		return
	}
	visibleSet := make(map[dp.Serial]struct{}, len(visible))
	for _, s := range visible {
		visibleSet[s] = struct{}{}
	}

	var updated []Handle
	registered := make(map[dp.Serial]struct{})
	for _, h := range m.Registry() {
		registered[h.Serial()] = struct{}{}
		_, isVisible := visibleSet[h.Serial()]
		switch {
		case isVisible && h.RuntimeState() != dp.BootloaderState:
			h.SetRuntimeState(dp.BootloaderState)
			updated = append(updated, h)
		case !isVisible && h.RuntimeState() == dp.BootloaderState:
			h.SetRuntimeState(dp.NotAvailable)
			updated = append(updated, h)
		}
	}

	if m.Discovered != nil {
		for _, s := range visible {
			if _, ok := registered[s]; !ok {
				m.Discovered(s)
			}
		}
	}
	if len(updated) == 0 {
		return
	}

	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	// Listener callbacks run without holding any internal lock, avoiding
	// deadlock if a listener calls back into the monitor or manager.
	for _, h := range updated {
		for _, l := range listeners {
			l.StateUpdated(h.Serial(), h.RuntimeState())
		}
	}
}
