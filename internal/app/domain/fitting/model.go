package fitting

import "time"

// Image is a decoded input image handed over by the pre-processing
// collaborator together with its MIME type.
type Image struct {
	MIME string
	Data []byte
}

// Request is the ephemeral unit of work for one try-on generation. It is
// owned by the orchestrator for the duration of a single call and is never
// persisted.
type Request struct {
	UserID        string
	CustomerImage Image
	ProductImage  Image
	Prompt        string
	SubjectID     string
	SubjectName   string
	CorrelationID string
}

// Result is the successful outcome returned to the caller.
type Result struct {
	Image          []byte
	MIME           string
	Text           string
	CorrelationID  string
	ProcessingTime time.Duration
}

// ErrorKind classifies terminal pipeline failures for the caller.
type ErrorKind string

const (
	ErrInsufficientCredits ErrorKind = "insufficient_credits"
	ErrConfiguration       ErrorKind = "configuration_error"
	ErrUpstreamRejected    ErrorKind = "upstream_rejected"
	ErrUpstreamTransient   ErrorKind = "upstream_unavailable"
	ErrInvalidInput        ErrorKind = "invalid_input"
	ErrInternal            ErrorKind = "internal_error"
)

// Failure carries the user-visible classification of a failed request. The
// provider detail is preserved separately for operators in the activity log.
type Failure struct {
	Kind    ErrorKind
	Message string
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Message }
