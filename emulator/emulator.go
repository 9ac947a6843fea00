// Package emulator implements the Emulator Lifecycle: launch/shutdown of
// local emulator subprocesses associated with a placeholder emulator slot,
// plus rolling utilization statistics for reporting.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	dp "github.com/xmidt-org/devicepool"
)

// Handle is the minimal surface the emulator subsystem needs from an
// allocated device handle. The manager package's concrete handle type
// satisfies this structurally, avoiding an import cycle.
type Handle interface {
	Serial() dp.Serial
	Variant() dp.Variant
	RuntimeState() dp.RuntimeState
	SetRuntimeState(dp.RuntimeState)
	AttachProcess(dp.Process)
	Process() dp.Process
}

// Launch refuses unless h's variant is EmulatorSlot and its runtime state
// is NotAvailable. It spawns the process, attaches the process reference
// to h, waits 500ms, verifies it is alive, then waits for the device to
// report online (via monitor.WaitForShell) within bootTimeout. The process
// stays attached on every failure after the spawn.
func Launch(ctx context.Context, h Handle, runner dp.Runner, monitor dp.DeviceStateMonitor, runnerPath string, args []string, bootTimeout time.Duration) error {
	if h.Variant() != dp.VariantEmulatorSlot {
		return fmt.Errorf("%w: launchEmulator requires an EmulatorSlot handle, got %s", dp.ErrProgrammingError, h.Variant())
	}
	if h.RuntimeState() != dp.NotAvailable {
		return fmt.Errorf("%w: launchEmulator requires runtime state NotAvailable, got %s", dp.ErrProgrammingError, h.RuntimeState())
	}

	argv := append([]string{runnerPath}, args...)
	proc, err := runner.RunInBackground(argv)
	if err != nil {
		return fmt.Errorf("%w: failed to start emulator process: %v", dp.ErrDeviceNotAvailable, err)
	}
	h.AttachProcess(proc)

	runner.Sleep(500 * time.Millisecond)
	if !proc.Alive() {
		return fmt.Errorf("%w: emulator process exited immediately", dp.ErrDeviceNotAvailable)
	}

	bootCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()
	if !monitor.WaitForShell(bootCtx, bootTimeout) {
		// The partially-started subprocess remains the caller's to clean
		// up via free.
		return dp.ErrDeviceNotAvailable
	}
	h.SetRuntimeState(dp.Online)
	return nil
}

// Shutdown performs the orderly-then-forced teardown: an emulator console
// kill (best-effort), up to a 5s wait for the process to disconnect, a
// Destroy call if it's still alive, and a best-effort SIGKILL-by-pid as a
// last resort.
func Shutdown(h Handle, runner dp.Runner, kill func() error) error {
	proc := h.Process()
	if proc == nil {
		return nil
	}
	if kill != nil {
		_ = kill() // best-effort console kill; failure is not fatal
	}

	for i := 0; i < 100 && proc.Alive(); i++ {
		runner.Sleep(50 * time.Millisecond)
	}
	if !proc.Alive() {
		return nil
	}
	if err := proc.Destroy(); err != nil {
		return err
	}
	if !proc.Alive() {
		return nil
	}
	if pid, ok := proc.Pid(); ok {
		return killByPid(pid)
	}
	// No pid extraction path available; nothing further to try.
	return errors.New("emulator: process still alive after destroy and no pid available for SIGKILL")
}
