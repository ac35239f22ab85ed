package job

import "errors"

var (
	// ErrConnectivity means the backend was unreachable, or the connection dropped
	// beyond the retry budget.
	ErrConnectivity = errors.New("connectivity error")
	// ErrBackendRejected means the backend refused the request, e.g. an unsupported
	// conditioning input. These are never retried.
	ErrBackendRejected = errors.New("backend rejected request")
	// ErrCancelled is the error of a job cancelled by the user.
	ErrCancelled = errors.New("cancelled")
	// ErrCapacityExceeded is returned when a queue or history is at its configured limit.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	ErrInvalidDescriptor = errors.New("invalid job descriptor")
	ErrUnknownJob        = errors.New("unknown job")
	// ErrMissingResource means the selected preset has no model for a requested feature.
	ErrMissingResource = errors.New("missing resource")
)

// Retryable reports whether err is a transport-level failure worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnectivity) && !errors.Is(err, ErrBackendRejected)
}
