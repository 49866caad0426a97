package extraction

import "errors"

var ErrInvalidConfig = errors.New("invalid extraction configuration")

// ExtractionError describes why a message could not be turned into a
// postcard request. Transient errors may succeed on a later attempt;
// the rest will not change no matter how often they are retried.
type ExtractionError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *ExtractionError) Error() string {
	return "extraction failed: " + e.Reason
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func permanent(reason string, err error) *ExtractionError {
	return &ExtractionError{Reason: reason, Err: err}
}

func transient(reason string, err error) *ExtractionError {
	return &ExtractionError{Reason: reason, Transient: true, Err: err}
}
