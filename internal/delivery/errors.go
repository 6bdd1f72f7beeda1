package delivery

import (
	"errors"
	"fmt"
)

// ErrRetryExhausted marks an event failed after its last allowed attempt.
var ErrRetryExhausted = errors.New("delivery: retries exhausted")

// TransientError is a delivery failure worth retrying: network errors, timeouts, non-2xx responses.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery: HTTP %d", e.StatusCode)
	}
	return "delivery: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a delivery failure that no retry can fix, such as a malformed webhook URL.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "delivery: " + e.Reason }

// IsFatal reports whether err contains a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
