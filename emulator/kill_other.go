//go:build !unix

package emulator

import "errors"

// killByPid has no portable equivalent off unix; the orderly Destroy path
// is the last resort there.
func killByPid(int) error {
	return errors.New("emulator: pid kill not supported on this platform")
}
