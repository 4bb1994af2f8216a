package model

import "errors"

// Sentinel errors shared by every component. Wrap them with %w and test
// with errors.Is; the HTTP and MCP layers map them to error codes.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidCost       = errors.New("invalid cost")
	ErrNotReversible     = errors.New("severance not reversible")
	ErrTimeout           = errors.New("timeout")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
)

// ErrorCode returns the API error code for err, or ErrCodeInternalError when
// err matches no sentinel.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		return ErrCodeInvalidTransition
	case errors.Is(err, ErrInvalidCost):
		return ErrCodeInvalidCost
	case errors.Is(err, ErrNotReversible):
		return ErrCodeNotReversible
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, ErrInvalidInput):
		return ErrCodeInvalidInput
	default:
		return ErrCodeInternalError
	}
}
