package registry

import "errors"

// NonRetryableError marks a failure that will repeat on every attempt, such
// as an undecodable row or a topic the transport does not know. The
// publisher dead-letters these immediately.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryable reports whether err or anything it wraps is a NonRetryableError.
func IsNonRetryable(err error) bool {
	var target NonRetryableError
	return errors.As(err, &target)
}
