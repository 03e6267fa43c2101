// ABOUTME: Domain errors returned by the conversation and message managers
// ABOUTME: Each carries a stable code so the HTTP layer can map it to a status

package conversation

import (
	"errors"
	"fmt"
)

// Code identifies a category of domain error.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeNotAParticipant    Code = "NOT_A_PARTICIPANT"
	CodeInvalidParticipant Code = "INVALID_PARTICIPANT"
	CodeValidation         Code = "VALIDATION"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Code.
var (
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrNotAParticipant    = &Error{Code: CodeNotAParticipant, Message: "not a participant"}
	ErrInvalidParticipant = &Error{Code: CodeInvalidParticipant, Message: "invalid participant"}
	ErrValidation         = &Error{Code: CodeValidation, Message: "validation failed"}
)

// Error is a domain error with a machine-readable code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NotFoundError reports a missing entity, or one the caller may not see.
func NotFoundError(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NotAParticipantError reports an action by a user outside the conversation.
func NotAParticipantError(userID, conversationID string) *Error {
	return &Error{
		Code:    CodeNotAParticipant,
		Message: fmt.Sprintf("user %s is not a participant of conversation %s", userID, conversationID),
	}
}

// InvalidParticipantError reports bookkeeping requested for a non-member.
func InvalidParticipantError(userID, conversationID string) *Error {
	return &Error{
		Code:    CodeInvalidParticipant,
		Message: fmt.Sprintf("user %s has no status in conversation %s", userID, conversationID),
	}
}

// ValidationError reports malformed input.
func ValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
