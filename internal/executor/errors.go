package executor

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotCancelable is returned when cancellation is requested for a
	// task that is already running or finished. A running task is allowed to
	// complete; its result is simply discarded by the caller.
	ErrTaskNotCancelable = errors.New("task cannot be cancelled")
)

// TerminalError marks a work-function failure that must not be retried,
// regardless of remaining attempts (e.g. malformed input).
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the executor fails the task immediately instead of
// scheduling a retry
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err carries a TerminalError anywhere in its chain
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
