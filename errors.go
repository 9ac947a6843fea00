package devicepool

import "errors"

var (
	// ErrTimeout is reported internally on poll expiry; the manager
	// translates it into "no device" rather than propagating it.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled is returned when a blocking wait was cancelled via its
	// caller's context.
	ErrCancelled = errors.New("cancelled")
	// ErrDeviceNotAvailable surfaces from allocate/launch/free when a
	// device operation could not complete.
	ErrDeviceNotAvailable = errors.New("device not available")
	// ErrProgrammingError flags a wrong device variant or runtime state for
	// an operation, a nil handle, an unrecognized disposition, or a
	// duplicate registry insert. Uninitialized use and double init are
	// reported with ErrNotInitialized and ErrAlreadyInitialized; freeing a
	// handle that is not in the registry is logged, not returned.
	ErrProgrammingError = errors.New("programming error")
	// ErrSessionAborted is installed on every allocated handle by
	// terminateHard so in-flight device operations fail fast.
	ErrSessionAborted = errors.New("session aborted")
	// ErrAlreadyAllocated is returned by forceAllocate when the serial is
	// already present in the Allocation Registry.
	ErrAlreadyAllocated = errors.New("serial already allocated")
	// ErrNotInitialized is returned by operations invoked before init.
	ErrNotInitialized = errors.New("manager not initialized")
	// ErrAlreadyInitialized flags a second call to init.
	ErrAlreadyInitialized = errors.New("manager already initialized")
)
