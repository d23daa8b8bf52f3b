package domain

import (
	"errors"
)

// Error codes travel over the wire and are matched by clients.
const (
	CodeSessionExists  = "SESSION_EXISTS"
	CodeAlreadyClaimed = "ALREADY_CLAIMED"
	CodeAlreadyEnded   = "ALREADY_ENDED"
	CodeNotFound       = "NOT_FOUND"
	CodeSessionEnded   = "SESSION_ENDED"
	CodeForbidden      = "FORBIDDEN"
	CodeValidation     = "VALIDATION"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL"
)

var (
	ErrSessionExists  = errors.New(CodeSessionExists)
	ErrAlreadyClaimed = errors.New(CodeAlreadyClaimed)
	ErrAlreadyEnded   = errors.New(CodeAlreadyEnded)
	ErrNotFound       = errors.New(CodeNotFound)
	ErrSessionEnded   = errors.New(CodeSessionEnded)
	ErrForbidden      = errors.New(CodeForbidden)
	ErrValidation     = errors.New(CodeValidation)
	ErrUnauthorized   = errors.New(CodeUnauthorized)
	ErrRateLimited    = errors.New(CodeRateLimited)
)

// ConflictError is returned when a transition lost against the current state
// of the session. It is an expected outcome and carries the session as it
// stands, so callers can adopt it instead of failing.
type ConflictError struct {
	Kind    error
	Session *ChatSession
}

func (e *ConflictError) Error() string {
	return e.Kind.Error()
}

func (e *ConflictError) Unwrap() error {
	return e.Kind
}

func NewConflict(kind error, session *ChatSession) *ConflictError {
	return &ConflictError{Kind: kind, Session: session}
}

// ConflictSession extracts the session attached to a conflict, if any.
func ConflictSession(err error) (*ChatSession, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.Session != nil {
		return conflict.Session, true
	}
	return nil, false
}

// ValidationError describes a rejected input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}

// ErrorCode maps an error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionExists):
		return CodeSessionExists
	case errors.Is(err, ErrAlreadyClaimed):
		return CodeAlreadyClaimed
	case errors.Is(err, ErrAlreadyEnded):
		return CodeAlreadyEnded
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSessionEnded):
		return CodeSessionEnded
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// ErrorFromCode is the inverse of ErrorCode for clients decoding a response.
func ErrorFromCode(code string) (error, bool) {
	switch code {
	case CodeSessionExists:
		return ErrSessionExists, true
	case CodeAlreadyClaimed:
		return ErrAlreadyClaimed, true
	case CodeAlreadyEnded:
		return ErrAlreadyEnded, true
	case CodeNotFound:
		return ErrNotFound, true
	case CodeSessionEnded:
		return ErrSessionEnded, true
	case CodeForbidden:
		return ErrForbidden, true
	case CodeValidation:
		return ErrValidation, true
	case CodeUnauthorized:
		return ErrUnauthorized, true
	case CodeRateLimited:
		return ErrRateLimited, true
	}
	return nil, false
}
