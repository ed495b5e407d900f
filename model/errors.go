package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrDefinitionNotFound     = "DEFINITION_NOT_FOUND"
	ErrEmptyDefinition        = "EMPTY_DEFINITION"
	ErrInstanceNotFound       = "INSTANCE_NOT_FOUND"
	ErrInstanceTerminal       = "INSTANCE_TERMINAL"
	ErrNoActiveStep           = "NO_ACTIVE_STEP"
	ErrActionNotAllowed       = "ACTION_NOT_ALLOWED"
	ErrCommentRequired        = "COMMENT_REQUIRED"
	ErrUnresolvableApprover   = "UNRESOLVABLE_APPROVER"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrStepAlreadyActed       = "STEP_ALREADY_ACTED"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
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

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewDefinitionNotFoundError returns a DEFINITION_NOT_FOUND error.
func NewDefinitionNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinitionNotFound, Message: msg}
}

// NewEmptyDefinitionError returns an EMPTY_DEFINITION error. Raised at
// definition creation time; zero-step definitions can never be instantiated.
func NewEmptyDefinitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEmptyDefinition, Message: msg}
}

// NewInstanceNotFoundError returns an INSTANCE_NOT_FOUND error.
func NewInstanceNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInstanceNotFound, Message: msg}
}

// NewInstanceTerminalError returns an INSTANCE_TERMINAL error.
func NewInstanceTerminalError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInstanceTerminal, Message: msg}
}

// NewNoActiveStepError returns a NO_ACTIVE_STEP error.
func NewNoActiveStepError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNoActiveStep, Message: msg}
}

// NewActionNotAllowedError returns an ACTION_NOT_ALLOWED error.
func NewActionNotAllowedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrActionNotAllowed, Message: msg}
}

// NewCommentRequiredError returns a COMMENT_REQUIRED error.
func NewCommentRequiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrCommentRequired, Message: msg}
}

// NewUnresolvableApproverError returns an UNRESOLVABLE_APPROVER error.
func NewUnresolvableApproverError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnresolvableApprover, Message: msg}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
// The caller must re-fetch the instance and decide whether to retry.
func NewConcurrentModificationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConcurrentModification, Message: msg}
}

// NewStepAlreadyActedError returns a STEP_ALREADY_ACTED error. Surfaced
// distinctly from CONCURRENT_MODIFICATION so pool approvers get an
// "already handled by someone else" message instead of a generic conflict.
func NewStepAlreadyActedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepAlreadyActed, Message: msg}
}
