package devicepool

import (
	"context"
	"time"
)

// Options configures the Core Manager. Mirrors the two-integer,
// one-selector option bag described by the ConfigProvider contract.
type Options struct {
	MaxEmulators   int
	MaxNullDevices int
	Selector       Selector

	// ReadinessDeadline bounds how long the Readiness Prober waits for a
	// newly discovered device to answer a shell probe. Defaults to 30s.
	ReadinessDeadline time.Duration
	// UnresponsiveRequeue decides whether free(Unresponsive) re-enters the
	// device into the Availability Queue. Defaults to true.
	UnresponsiveRequeue bool
}

// DefaultOptions gives baseline sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxEmulators:        1,
		MaxNullDevices:      1,
		Selector:            AnyDevice(),
		ReadinessDeadline:   30 * time.Second,
		UnresponsiveRequeue: true,
	}
}

// ConfigProvider supplies the default selector, an optional per-serial
// device monitor override, and the option bag.
type ConfigProvider interface {
	DefaultSelector() Selector
	DeviceMonitor(serial Serial) DeviceStateMonitor
	Options() Options
}

// StaticConfig is a ConfigProvider backed by a fixed Options value and no
// per-device monitor overrides.
type StaticConfig struct {
	Opts Options
}

func (s StaticConfig) DefaultSelector() Selector               { return s.Opts.Selector }
func (s StaticConfig) DeviceMonitor(Serial) DeviceStateMonitor { return nil }
func (s StaticConfig) Options() Options                        { return s.Opts }

// DeviceStateMonitor is the per-device collaborator that answers liveness
// probes and accepts runtime-state pushes from the manager.
type DeviceStateMonitor interface {
	WaitForShell(ctx context.Context, deadline time.Duration) bool
	SetState(state RuntimeState)
}

// BridgeListener receives the three bridge events. The manager is the sole
// implementor in normal operation; tests may install their own.
type BridgeListener interface {
	OnConnected(d Device)
	OnDisconnected(d Device)
	OnStateChanged(d Device, state RuntimeState)
}

// BridgeAdapter is a thin abstraction over a device-discovery source.
type BridgeAdapter interface {
	Init(ctx context.Context) error
	Terminate() error
	Disconnect() error
	Devices() []Device
	AddListener(l BridgeListener)
	RemoveListener(l BridgeListener)
}

// CmdResult is the outcome of a Runner.RunTimedCmd invocation.
type CmdResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process is a backgrounded external process, as returned by
// Runner.RunInBackground. Pid must be exposed directly since Go has no
// portable reflection path into a platform process object.
type Process interface {
	Pid() (pid int, ok bool)
	Alive() bool
	Destroy() error
	Wait() error
}

// Runner executes external commands and background processes on behalf of
// the manager and the emulator subsystem.
type Runner interface {
	RunTimedCmd(ctx context.Context, timeout time.Duration, argv []string) (CmdResult, error)
	RunInBackground(argv []string) (Process, error)
	Sleep(d time.Duration)
}
