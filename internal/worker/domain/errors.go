package domain

import "errors"

var (
	// ErrMalformedMessage is returned when a message body cannot be decoded into a job
	ErrMalformedMessage = errors.New("malformed job message")

	// ErrOriginalNotFound is returned when the original image of a job is missing from the blob store
	ErrOriginalNotFound = errors.New("original image not found")

	// ErrMaxReceivesExceeded is returned when a message was received more often than allowed
	ErrMaxReceivesExceeded = errors.New("max receive count exceeded")
)

// RetryableError wraps transient errors that should leave the message for redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked as retryable
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
