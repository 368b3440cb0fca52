package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the registry
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job with the same id is already registered
	ErrDuplicateJob = errors.New("job already exists")

	// ErrInvalidTransition is returned when a transition would move a job backward
	// or change an already terminal job
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrMalformedPayload is returned when an upstream body cannot be interpreted
	ErrMalformedPayload = errors.New("malformed upstream payload")

	// ErrUpstreamUnavailable is returned on network or connection failures talking to upstream
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamRejected is returned when upstream answers with a non-success status
	ErrUpstreamRejected = errors.New("upstream rejected request")

	// ErrEmptyArtifact is returned when an artifact download yields zero bytes
	ErrEmptyArtifact = errors.New("empty artifact")

	// ErrArtifactNotReady is returned when the artifact of a job is requested before it succeeded
	ErrArtifactNotReady = errors.New("artifact not ready")

	// ErrTaskNotVisible is returned when upstream does not know the task yet
	ErrTaskNotVisible = errors.New("task not visible upstream yet")

	// ErrInvalidRequest is returned when submission parameters are incomplete
	ErrInvalidRequest = errors.New("invalid generation request")
)

// UpstreamStatusError carries the status an upstream endpoint answered with.
// It matches ErrUpstreamRejected with errors.Is.
type UpstreamStatusError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream rejected request: status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream rejected request: status %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamStatusError) Is(target error) bool {
	return target == ErrUpstreamRejected
}

// RetryableError wraps transient errors that a later delivery or poll may resolve
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

// IsRetryable reports whether err, or anything it wraps, is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
