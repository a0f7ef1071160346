package queue

import "errors"

// Store errors.
var (
	ErrItemNotFound      = errors.New("work item not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidBatchSize  = errors.New("batch size must be at least 1")
)

// Service errors.
var (
	ErrUnknownKind    = errors.New("no handler registered for kind")
	ErrInvalidPayload = errors.New("payload must be valid JSON")
)

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// isRetryable checks the error chain for an IsRetryable decision.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}
