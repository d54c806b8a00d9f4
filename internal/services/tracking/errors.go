package tracking

import "errors"

var (
	// ErrFetchFailed wraps transport/backend failures of a record fetch.
	ErrFetchFailed = errors.New("fetch failed")

	ErrSessionClosed = errors.New("tracking session closed")
)
