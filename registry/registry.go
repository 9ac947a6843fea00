// Package registry implements the Allocation Registry: a concurrent
// mapping from serial to the currently allocated device handle.
package registry

import (
	"log"
	"sync"

	dp "github.com/xmidt-org/devicepool"
)

// Handle is the minimal contract the registry needs from an allocated
// device handle; the manager package supplies the concrete type.
type Handle interface {
	Serial() dp.Serial
}

// Registry is the Allocation Registry. Backed by sync.Map since point
// operations (insert/get/contains/remove) need no external lock. Zero value
// is usable.
type Registry struct {
	m      sync.Map // dp.Serial -> Handle
	Logger *log.Logger
}

func (r *Registry) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Insert adds h under its serial. A second insert for an already-present
// serial is a programming error: it is logged and refused, and the
// existing entry is left untouched.
func (r *Registry) Insert(h Handle) error {
	if _, loaded := r.m.LoadOrStore(h.Serial(), h); loaded {
		r.logger().Printf("registry: refusing duplicate insert for serial %s", h.Serial())
		return dp.ErrProgrammingError
	}
	return nil
}

// RemoveIfPresent deletes the entry for serial, returning it if it was
// present.
func (r *Registry) RemoveIfPresent(serial dp.Serial) (Handle, bool) {
	v, ok := r.m.LoadAndDelete(serial)
	if !ok {
		return nil, false
	}
	return v.(Handle), true
}

// Contains reports whether serial currently has a registry entry.
func (r *Registry) Contains(serial dp.Serial) bool {
	_, ok := r.m.Load(serial)
	return ok
}

// Get returns the handle for serial, if present.
func (r *Registry) Get(serial dp.Serial) (Handle, bool) {
	v, ok := r.m.Load(serial)
	if !ok {
		return nil, false
	}
	return v.(Handle), true
}

// Values returns a snapshot of all currently registered handles.
func (r *Registry) Values() []Handle {
	var out []Handle
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(Handle))
		return true
	})
	return out
}
