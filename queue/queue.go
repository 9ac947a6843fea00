// Package queue implements the Availability Queue: a dedup-by-serial,
// thread-safe FIFO of devices currently free to allocate, supporting
// blocking takes filtered by a caller-supplied selector.
//
// The cancellable-wait shape (a sync.Cond paired with a helper goroutine
// that broadcasts when the caller's context is done) mirrors the
// dynamicSemaphore pattern used elsewhere in this codebase's lineage for
// context-aware blocking.
package queue

import (
	"context"
	"sync"
	"time"

	dp "github.com/xmidt-org/devicepool"
)

// Queue is the Availability Queue. Zero value is not usable; use New.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []dp.Device
	closed bool
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Shutdown wakes every Poll/Take call currently blocked, each of which
// returns dp.ErrCancelled, and causes every later call that finds no
// matching entry to return dp.ErrCancelled immediately without waiting.
// Idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// AddUnique inserts item, replacing any existing entry with the same
// serial in place (preserving its queue position). Returns the replaced
// item, if any.
func (q *Queue) AddUnique(item dp.Device) (replaced *dp.Device) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Key() == item.Key() {
			old := q.items[i]
			q.items[i] = item
			q.cond.Broadcast()
			return &old
		}
	}
	q.items = append(q.items, item)
	q.cond.Broadcast()
	return nil
}

// Remove deletes the entry matching key, if present. Idempotent.
func (q *Queue) Remove(key dp.Serial) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Key() == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns a stable copy of the current contents for reporting. It
// never mutates the queue.
func (q *Queue) Snapshot() []dp.Device {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]dp.Device, len(q.items))
	copy(out, q.items)
	return out
}

// Len reports the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Take waits indefinitely (subject to ctx cancellation) for the first
// entry in FIFO order that satisfies selector.
func (q *Queue) Take(ctx context.Context, selector dp.Selector) (dp.Device, error) {
	return q.Poll(ctx, -1, selector)
}

// Poll waits up to timeout for the first entry in FIFO order that
// satisfies selector. timeout == 0 returns immediately; timeout < 0 blocks
// indefinitely. Returns dp.ErrTimeout on expiry and dp.ErrCancelled if ctx
// is cancelled first.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration, selector dp.Selector) (dp.Device, error) {
	if selector == nil {
		selector = dp.AnyDevice()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if d, ok := q.takeMatchLocked(selector); ok {
		return d, nil
	}
	if q.closed {
		return dp.Device{}, dp.ErrCancelled
	}
	if timeout == 0 {
		return dp.Device{}, dp.ErrTimeout
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	expired := make(chan struct{})
	cancelled := make(chan struct{})
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
			select {
			case <-cancelled:
			default:
				close(cancelled)
			}
			q.cond.Broadcast()
		}
	}()
	if deadline != nil {
		go func() {
			select {
			case <-done:
				return
			case <-deadline:
				select {
				case <-expired:
				default:
					close(expired)
				}
				q.cond.Broadcast()
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return dp.Device{}, dp.ErrCancelled
		default:
		}
		select {
		case <-expired:
			return dp.Device{}, dp.ErrTimeout
		default:
		}

		if d, ok := q.takeMatchLocked(selector); ok {
			return d, nil
		}
		if q.closed {
			return dp.Device{}, dp.ErrCancelled
		}
		q.cond.Wait()
	}
}

// takeMatchLocked scans in FIFO order for the first selector match,
// removes it, and returns it. Caller must hold q.mu.
func (q *Queue) takeMatchLocked(selector dp.Selector) (dp.Device, bool) {
	for i, item := range q.items {
		if selector.Matches(item) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, true
		}
	}
	return dp.Device{}, false
}
