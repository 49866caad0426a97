package postcard

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialsRejected means the provider refused the API key. No
	// message can succeed until an operator fixes the configuration.
	ErrCredentialsRejected = errors.New("postcard provider rejected credentials")

	ErrInvalidConfig = errors.New("invalid postcard configuration")

	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SubmissionError is a failed create call. Transient errors (timeouts,
// outages, rate limits) may be retried; the rest need a different request.
type SubmissionError struct {
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("postcard submission failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return "postcard submission failed: " + e.Message
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
