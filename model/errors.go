package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine error codes.
const (
	ErrDefinitionNotFound    = "DEFINITION_NOT_FOUND"
	ErrInvalidTransition     = "INVALID_TRANSITION"
	ErrInvalidSplitSelection = "INVALID_SPLIT_SELECTION"
	ErrAlreadyClaimed        = "ALREADY_CLAIMED"
	ErrChainLimit            = "CHAIN_LIMIT"
)

// ErrorEnvelope is the standard error returned by every component and
// rendered as the HTTP error body. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewMissingScopeError returns a FORBIDDEN error naming the missing scope.
func NewMissingScopeError(userID, scope string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrForbidden,
		Message: fmt.Sprintf("user %s does not have scope %s", userID, scope),
	}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewEntityNotFoundError returns a NOT_FOUND error naming the entity type and
// the key it was looked up by.
func NewEntityNotFoundError(entity, key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s %q not found", entity, key),
	}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewDefinitionNotFoundError returns a DEFINITION_NOT_FOUND error.
func NewDefinitionNotFoundError(name, version string) *ErrorEnvelope {
	msg := fmt.Sprintf("workflow definition %q is not registered", name)
	if version != "" {
		msg = fmt.Sprintf("workflow definition %q version %q is not registered", name, version)
	}
	return &ErrorEnvelope{Code: ErrDefinitionNotFound, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInvalidSplitSelectionError returns an INVALID_SPLIT_SELECTION error.
func NewInvalidSplitSelectionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidSplitSelection, Message: msg}
}

// NewAlreadyClaimedError returns an ALREADY_CLAIMED error.
func NewAlreadyClaimedError(workItemID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyClaimed,
		Message: fmt.Sprintf("work item %s is already claimed", workItemID),
	}
}

// NewChainLimitError returns a CHAIN_LIMIT error raised when system tasks
// keep re-enabling each other past the configured limit.
func NewChainLimitError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrChainLimit,
		Message: fmt.Sprintf("system task chain exceeded %d steps", limit),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
