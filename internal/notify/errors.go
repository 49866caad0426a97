package notify

import "errors"

var (
	ErrFailedToSend  = errors.New("failed to send notification")
	ErrInvalidConfig = errors.New("invalid notification configuration")
	ErrInvalidEmail  = errors.New("invalid notification email")

	// ErrRejected marks a send the transport refused permanently; retrying
	// the same email will not succeed.
	ErrRejected = errors.New("notification rejected")
)
