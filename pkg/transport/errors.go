package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNetworkUnavailable is the sentinel for failures that never produced a
// server response: no connectivity, timeouts, resets, DNS. The offline queue
// matches on it to decide a request is replayable.
var ErrNetworkUnavailable = errors.New("network unavailable")

// NetworkError wraps a transport-level failure. It unwraps to
// ErrNetworkUnavailable so callers can match the class without caring about
// the concrete cause.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetworkUnavailable }

// StatusError is a response that reached the wire but carried a non-2xx
// status. The body is retained for diagnostics.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// IsNetwork reports whether err is a connectivity-class failure that a later
// retry could plausibly succeed.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// IsUnauthorized reports whether err is a 401-class rejection.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusUnauthorized
}
