package queue

import "errors"

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as a terminal-input failure: the job fails immediately
// instead of being retried. A nil err stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err, or anything it wraps, was marked Terminal.
// Every other error is transient.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
