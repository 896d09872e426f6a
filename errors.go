package devicepool

import "github.com/pkg/errors"

var (
	// ErrNoDeviceAvailable is returned when no pool member satisfies a request.
	// It is a normal outcome; callers may poll and retry.
	ErrNoDeviceAvailable = errors.New("no device available")

	// ErrPoolTerminated is returned by every mutating call after Terminate.
	ErrPoolTerminated = errors.New("device pool terminated")

	// ErrInvalidTransition reports a state change the pool does not allow, such
	// as freeing a device that is not allocated.
	ErrInvalidTransition = errors.New("invalid device state transition")
)
