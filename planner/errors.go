package planner

import "errors"

// TransientError marks a failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure that will not succeed on retry.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsFatal reports whether err should stop the retry loop.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
