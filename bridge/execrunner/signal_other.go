//go:build !unix

package execrunner

import "os"

// processAlive has no cheap existence probe off unix (signal 0 is not
// supported there); any started process reports alive, even after it has
// exited.
func processAlive(p *os.Process) bool {
	return p != nil
}
