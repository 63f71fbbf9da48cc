package chat

import "time"

const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

// codeStatus maps each error code to the HTTP status the API surface
// reports. Unknown codes fall back to 500.
var codeStatus = map[string]int{
	CodeValidation:  400,
	CodeNotFound:    404,
	CodeTimeout:     408,
	CodeRateLimited: 429,
	CodeUnavailable: 503,
	CodeInternal:    500,
}

// Error is the failure vocabulary shared by every pipeline stage. Transient
// tells retry policies whether another attempt can help; RetryAfter, when
// set, is surfaced as a Retry-After header in seconds.
type Error struct {
	Code       string
	Message    string
	Transient  bool
	RetryAfter int
	Status     int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func NewError(code, message string, transient bool, retryAfter time.Duration) *Error {
	e := &Error{
		Code:      code,
		Message:   message,
		Transient: transient,
		Status:    500,
	}
	if s, ok := codeStatus[code]; ok {
		e.Status = s
	}
	if retryAfter > 0 {
		// Round up so sub-second hints do not collapse to zero.
		e.RetryAfter = int((retryAfter + time.Second - 1) / time.Second)
	}
	return e
}

func NewValidationError(message string) error {
	return NewError(CodeValidation, message, false, 0)
}

func NewNotFoundError(message string) error {
	return NewError(CodeNotFound, message, false, 0)
}

func NewUnavailableError(message string) error {
	return NewError(CodeUnavailable, message, true, 0)
}

func NewInternalError(message string) error {
	return NewError(CodeInternal, message, true, 0)
}
