package graph

import (
	"errors"
	"fmt"
)

// TransientError marks an HTTP or connection failure that callers must treat
// as recoverable: the sync layer keeps its stale snapshot and the next poll
// retries.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a [TransientError].
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// InitError marks a non-recoverable calendar initialisation failure, such as
// a missing calendar or missing permission. Callers should drop the calendar
// rather than retry indefinitely.
type InitError struct {
	CalendarID string
	Status     int
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialising calendar %q: remote returned status %d", e.CalendarID, e.Status)
}
