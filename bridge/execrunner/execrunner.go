// Package execrunner is the reference dp.Runner implementation: it shells
// out to external fastboot/adb binaries with bounded timeouts.
package execrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	dp "github.com/xmidt-org/devicepool"
)

// Runner is the default dp.Runner, backed by os/exec.
type Runner struct{}

// New returns a Runner.
func New() *Runner { return &Runner{} }

// RunTimedCmd runs argv, killing it if it outlives timeout.
func (r *Runner) RunTimedCmd(ctx context.Context, timeout time.Duration, argv []string) (dp.CmdResult, error) {
	if len(argv) == 0 {
		return dp.CmdResult{}, fmt.Errorf("execrunner: empty argv")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := dp.CmdResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("execrunner: %v timed out after %v", argv, timeout)
	}
	return result, err
}

// RunInBackground starts argv and returns immediately with a handle to it.
func (r *Runner) RunInBackground(argv []string) (dp.Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("execrunner: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &process{cmd: cmd}, nil
}

// Sleep blocks for d.
func (r *Runner) Sleep(d time.Duration) { time.Sleep(d) }

// Logcat is a device-local logcat capture backed by a background `adb -s
// <serial> logcat` process. Stop kills it; a best-effort operation since the
// capture is purely diagnostic.
type Logcat struct {
	proc dp.Process
}

// StartLogcat launches `adb -s <serial> logcat` in the background via
// runner.
func StartLogcat(runner dp.Runner, serial dp.Serial) (*Logcat, error) {
	proc, err := runner.RunInBackground([]string{"adb", "-s", string(serial), "logcat"})
	if err != nil {
		return nil, err
	}
	return &Logcat{proc: proc}, nil
}

// Stop kills the background logcat process, if still alive.
func (l *Logcat) Stop() error {
	if l.proc == nil || !l.proc.Alive() {
		return nil
	}
	return l.proc.Destroy()
}

type process struct {
	cmd *exec.Cmd
}

func (p *process) Pid() (int, bool) {
	if p.cmd.Process == nil {
		return 0, false
	}
	return p.cmd.Process.Pid, true
}

func (p *process) Alive() bool {
	if p.cmd.Process == nil {
		return false
	}
	return processAlive(p.cmd.Process)
}

func (p *process) Destroy() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *process) Wait() error { return p.cmd.Wait() }

// fastbootSerialPattern matches one line of `fastboot devices` output; the
// first capture group is the serial.
var fastbootSerialPattern = regexp.MustCompile(`([\w\d]+)\s+fastboot\s*`)

// FastbootSource implements bootloader.Source by shelling out to
// `fastboot devices` with a 60s hard timeout.
type FastbootSource struct {
	Runner dp.Runner
}

// NewFastbootSource returns a Source backed by runner.
func NewFastbootSource(runner dp.Runner) *FastbootSource {
	return &FastbootSource{Runner: runner}
}

// Devices returns the serials fastboot currently reports.
func (f *FastbootSource) Devices(ctx context.Context) ([]dp.Serial, error) {
	result, err := f.Runner.RunTimedCmd(ctx, 60*time.Second, []string{"fastboot", "devices"})
	if err != nil {
		return nil, err
	}
	matches := fastbootSerialPattern.FindAllStringSubmatch(result.Stdout, -1)
	out := make([]dp.Serial, 0, len(matches))
	for _, m := range matches {
		out = append(out, dp.Serial(m[1]))
	}
	return out, nil
}

// Probe runs `fastboot help` to decide whether fastboot-dependent
// initialization should proceed.
func Probe(ctx context.Context, runner dp.Runner) bool {
	_, err := runner.RunTimedCmd(ctx, 60*time.Second, []string{"fastboot", "help"})
	return err == nil
}

// AdbConnect runs `adb connect <ipAndPort>`, succeeding iff stdout starts
// with "connected to <ipAndPort>".
func AdbConnect(ctx context.Context, runner dp.Runner, ipAndPort string) bool {
	result, err := runner.RunTimedCmd(ctx, 5*time.Second, []string{"adb", "connect", ipAndPort})
	if err != nil {
		return false
	}
	return strings.HasPrefix(result.Stdout, "connected to "+ipAndPort)
}
