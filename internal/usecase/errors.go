package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrorConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrorRateLimited   ErrorCode = "RATE_LIMITED"
	ErrorQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrorUpstream      ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal      ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
	// Status is the upstream HTTP status, when the error came from one.
	Status int
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message is the caller-facing description of the error.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case ErrorRateLimited:
		return "Rate limit exceeded. Please try again later."
	case ErrorQuotaExceeded:
		return "Payment required. Please add credits to your workspace."
	case ErrorInvalidInput:
		return "Invalid request: " + e.Reason
	case ErrorConfiguration:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "Relay is not configured"
	case ErrorUpstream:
		if e.Status != 0 {
			return fmt.Sprintf("AI gateway error: %d", e.Status)
		}
		return "AI gateway error: " + e.Reason
	default:
		return "Internal error"
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
