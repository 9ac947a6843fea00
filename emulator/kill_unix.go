//go:build unix

package emulator

import (
	"os/exec"
	"strconv"
)

// killByPid issues the UNIX-only `kill -9 <pid>` as a best-effort last
// resort when the runner exposed a pid for an already Destroy()-ed process
// that is somehow still alive. Failure is reported but never fatal to the
// caller's free flow.
func killByPid(pid int) error {
	return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
}
