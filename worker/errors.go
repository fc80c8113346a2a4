package worker

import "errors"

// fatalError marks a job failure that retrying cannot fix
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the pool dead-letters the job instead of requeueing it
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or anything it wraps, was marked with Fatal
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
