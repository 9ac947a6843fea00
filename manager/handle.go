package manager

import (
	"sync"

	dp "github.com/xmidt-org/devicepool"
)

// RecoveryPolicy governs how a handle's owner re-establishes a lost
// connection.
type RecoveryPolicy int

const (
	// NoRecovery performs no automatic recovery.
	NoRecovery RecoveryPolicy = iota
	// WaitOnline: when the device drops Offline, wait in the background for
	// it to answer a shell probe again, then mark the handle Online.
	WaitOnline
	// WaitAvailable: the same background wait as WaitOnline, after which the
	// handle is freed back to the Availability Queue.
	WaitAvailable
	// AbortRecovery attempts no recovery. Installed by Abort (called from
	// TerminateHard) together with the flag that makes CheckAborted return
	// dp.ErrSessionAborted.
	AbortRecovery
)

// LogcatCapture is the narrow collaborator the Device Record Factory
// starts on allocation and Free stops on return.
type LogcatCapture interface {
	Stop() error
}

// Handle is the per-allocation object holding the live device reference,
// its runtime state, its monitor, and its recovery policy. It is the
// concrete type returned to callers of Allocate/ForceAllocate, and it
// satisfies the narrow Handle interfaces expected by registry, bootloader,
// and emulator.
type Handle struct {
	mu       sync.Mutex
	device   dp.Device
	state    dp.RuntimeState
	monitor  dp.DeviceStateMonitor
	recovery RecoveryPolicy
	process  dp.Process
	logcat   LogcatCapture
	aborted  bool
}

// newHandle is the Device Record Factory: it binds a discovered device to
// a freshly created state monitor and an initial lifecycle state, and
// attaches the log capture the caller started, if any.
func newHandle(device dp.Device, monitor dp.DeviceStateMonitor, initialState dp.RuntimeState, logcat LogcatCapture) *Handle {
	return &Handle{
		device:  device,
		state:   initialState,
		monitor: monitor,
		logcat:  logcat,
	}
}

// Serial satisfies registry.Handle, bootloader.Handle, and emulator.Handle.
func (h *Handle) Serial() dp.Serial {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device.Serial
}

// Variant satisfies emulator.Handle.
func (h *Handle) Variant() dp.Variant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device.Variant
}

// RuntimeState satisfies bootloader.Handle and emulator.Handle.
func (h *Handle) RuntimeState() dp.RuntimeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetRuntimeState satisfies bootloader.Handle and emulator.Handle, and also
// forwards the push to the handle's monitor so external callers that only
// hold a DeviceStateMonitor reference observe the same state.
func (h *Handle) SetRuntimeState(s dp.RuntimeState) {
	h.mu.Lock()
	h.state = s
	mon := h.monitor
	h.mu.Unlock()
	if mon != nil {
		mon.SetState(s)
	}
}

// AttachProcess satisfies emulator.Handle.
func (h *Handle) AttachProcess(p dp.Process) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.process = p
}

// Process satisfies emulator.Handle.
func (h *Handle) Process() dp.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.process
}

// Device returns a snapshot of the handle's stored device record.
func (h *Handle) Device() dp.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device
}

// SetDevice replaces the stored device record (used when a bridge
// `connected`/`stateChanged` event refreshes an already-allocated device's
// metadata).
func (h *Handle) SetDevice(d dp.Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.device = d
}

// Monitor returns the handle's device-state monitor, if any.
func (h *Handle) Monitor() dp.DeviceStateMonitor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.monitor
}

// GetRecoveryPolicy returns the handle's current recovery policy.
func (h *Handle) GetRecoveryPolicy() RecoveryPolicy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recovery
}

// SetRecoveryPolicy installs policy on the handle.
func (h *Handle) SetRecoveryPolicy(policy RecoveryPolicy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovery = policy
}

// Abort marks the handle so its next CheckAborted call fails fast. Used by
// TerminateHard.
func (h *Handle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted = true
	h.recovery = AbortRecovery
}

// CheckAborted returns dp.ErrSessionAborted if the handle was aborted.
// Embedding callers should call this before issuing a device operation on
// an allocated handle.
func (h *Handle) CheckAborted() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return dp.ErrSessionAborted
	}
	return nil
}
