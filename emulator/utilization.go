package emulator

import (
	"sync"
	"time"

	dp "github.com/xmidt-org/devicepool"
)

// window bounds how far back Snapshot reports; a serial's spans closed
// longer ago than this are pruned lazily on its next RecordAllocate.
const window = 24 * time.Hour

type span struct {
	allocatedAt time.Time
	freedAt     time.Time // zero while still allocated
}

// UtilizationTracker records per-serial allocation/free timestamps for a
// rolling 24-hour window, used by reporting to show recent emulator churn.
type UtilizationTracker struct {
	mu     sync.Mutex
	spans  map[dp.Serial][]span
	nowFor func() time.Time // overridable in tests
}

// NewUtilizationTracker returns an empty tracker.
func NewUtilizationTracker() *UtilizationTracker {
	return &UtilizationTracker{spans: make(map[dp.Serial][]span), nowFor: time.Now}
}

// RecordAllocate opens a new span for serial.
func (t *UtilizationTracker) RecordAllocate(serial dp.Serial) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans[serial] = append(t.prune(serial), span{allocatedAt: t.nowFor()})
}

// RecordFree closes the most recent open span for serial, if any.
func (t *UtilizationTracker) RecordFree(serial dp.Serial) {
	t.mu.Lock()
	defer t.mu.Unlock()
	spans := t.spans[serial]
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].freedAt.IsZero() {
			spans[i].freedAt = t.nowFor()
			break
		}
	}
	t.spans[serial] = spans
}

// prune drops spans (closed more than window ago) for serial. Caller must
// hold t.mu.
func (t *UtilizationTracker) prune(serial dp.Serial) []span {
	existing := t.spans[serial]
	cutoff := t.nowFor().Add(-window)
	kept := existing[:0:0]
	for _, s := range existing {
		if s.freedAt.IsZero() || s.freedAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Stat summarizes a serial's utilization within the rolling window.
type Stat struct {
	Serial          dp.Serial
	AllocationCount int
	TotalAllocated  time.Duration
	CurrentlyHeld   bool
}

// Snapshot reports utilization for every serial with activity in the last
// 24 hours.
func (t *UtilizationTracker) Snapshot() []Stat {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFor()
	cutoff := now.Add(-window)

	out := make([]Stat, 0, len(t.spans))
	for serial, spans := range t.spans {
		var stat Stat
		stat.Serial = serial
		for _, s := range spans {
			if !s.freedAt.IsZero() && s.freedAt.Before(cutoff) {
				continue
			}
			stat.AllocationCount++
			end := s.freedAt
			if end.IsZero() {
				stat.CurrentlyHeld = true
				end = now
			}
			stat.TotalAllocated += end.Sub(s.allocatedAt)
		}
		if stat.AllocationCount > 0 {
			out = append(out, stat)
		}
	}
	return out
}
