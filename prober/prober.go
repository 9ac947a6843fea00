// Package prober implements the Readiness Prober: a per-device, short-lived
// worker that waits up to a bounded time for a newly seen device to respond
// to a liveness probe before the manager promotes it into the available
// pool.
package prober

import (
	"context"
	"log"
	"sync"
	"time"

	dp "github.com/xmidt-org/devicepool"
	"github.com/xmidt-org/devicepool/queue"
)

// Prober runs readiness checks for newly discovered devices.
type Prober struct {
	Queue  *queue.Queue
	Logger *log.Logger
	// Promoted, if set, is invoked after a successful probe inserts the
	// device into the queue.
	Promoted func(serial dp.Serial)
	// Sync runs Discover inline on the caller instead of spawning a
	// goroutine, for deterministic tests.
	Sync bool

	mu       sync.Mutex
	checking map[dp.Serial]dp.DeviceStateMonitor
}

// New returns a Prober that promotes successful probes into q.
func New(q *queue.Queue) *Prober {
	return &Prober{Queue: q, checking: make(map[dp.Serial]dp.DeviceStateMonitor)}
}

func (p *Prober) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// IsChecking reports whether serial currently has an in-flight probe.
func (p *Prober) IsChecking(serial dp.Serial) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.checking[serial]
	return ok
}

// UpdateState forwards a runtime-state push to the monitor of an in-flight
// probe, if one is running for serial. Used by the bridge event handler
// when a stateChanged/disconnected event arrives for a device still being
// checked.
func (p *Prober) UpdateState(serial dp.Serial, state dp.RuntimeState) bool {
	p.mu.Lock()
	mon, ok := p.checking[serial]
	p.mu.Unlock()
	if !ok {
		return false
	}
	mon.SetState(state)
	return true
}

// Discover registers device's serial in the checking table (duplicate
// discoveries are ignored while a probe is in flight) and starts the probe.
// In Sync mode the probe runs inline; otherwise it runs on its own
// goroutine, since concurrent probes for distinct serials never contend.
func (p *Prober) Discover(ctx context.Context, device dp.Device, monitor dp.DeviceStateMonitor, deadline time.Duration) {
	p.mu.Lock()
	if _, inFlight := p.checking[device.Serial]; inFlight {
		p.mu.Unlock()
		return
	}
	p.checking[device.Serial] = monitor
	p.mu.Unlock()

	if p.Sync {
		p.run(ctx, device, monitor, deadline)
		return
	}
	go p.run(ctx, device, monitor, deadline)
}

func (p *Prober) run(ctx context.Context, device dp.Device, monitor dp.DeviceStateMonitor, deadline time.Duration) {
	defer func() {
		p.mu.Lock()
		delete(p.checking, device.Serial)
		p.mu.Unlock()
	}()

	ready := monitor.WaitForShell(ctx, deadline)
	if !ready {
		p.logger().Printf("prober: device %s failed readiness check within %v, dropping", device.Serial, deadline)
		return
	}
	p.Queue.AddUnique(device)
	if p.Promoted != nil {
		p.Promoted(device.Serial)
	}
}
