//go:build unix

package execrunner

import (
	"os"
	"syscall"
)

// processAlive probes liveness with the no-op signal 0, which succeeds iff
// the process still exists and is ours to signal.
func processAlive(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) == nil
}
