package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies engine errors so the request layer can populate its
// {code, message, details} envelope without re-deriving information.
type ErrorCode string

const (
	CodeModuleNotFound      ErrorCode = "module_not_found"
	CodeUnsupportedStrategy ErrorCode = "unsupported_strategy"
	CodeInvalidPhaseID      ErrorCode = "invalid_phase_id"
	CodeExecutionNotFound   ErrorCode = "execution_not_found"
	CodePhaseMismatch       ErrorCode = "phase_mismatch"
	CodeConflict            ErrorCode = "conflict"
	CodeValidation          ErrorCode = "validation"
	CodeTimeout             ErrorCode = "timeout"
	CodeServiceError        ErrorCode = "service_error"
)

// Error is a structured engine error. Details carries the identifiers the
// boundary layer needs (module id, phase id, execution id, expected vs.
// received) so callers never have to parse the message.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// CodeOf extracts the ErrorCode from err, or CodeServiceError when err is
// untyped.
func CodeOf(err error) ErrorCode {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeServiceError
}

// DetailsOf extracts the structured details from err, or nil.
func DetailsOf(err error) map[string]any {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Details
	}
	return nil
}

// ErrModuleNotFound reports an unknown module id.
func ErrModuleNotFound(id ModuleID) *Error {
	return &Error{
		Code:    CodeModuleNotFound,
		Message: fmt.Sprintf("module %q is not in the registry", id),
		Details: map[string]any{"module_id": string(id)},
	}
}

// ErrUnsupportedStrategy reports a strategy outside repair/rebuild/reset.
func ErrUnsupportedStrategy(id ModuleID, strategy RecoveryStrategy) *Error {
	return &Error{
		Code:    CodeUnsupportedStrategy,
		Message: fmt.Sprintf("strategy %q is not supported", strategy),
		Details: map[string]any{
			"module_id": string(id),
			"strategy":  string(strategy),
			"supported": []string{string(StrategyRepair), string(StrategyRebuild), string(StrategyReset)},
		},
	}
}

// ErrInvalidPhaseID reports a pipeline phase id outside [1,5].
func ErrInvalidPhaseID(phaseID int) *Error {
	return &Error{
		Code:    CodeInvalidPhaseID,
		Message: fmt.Sprintf("phase id %d is outside the valid range [1,5]", phaseID),
		Details: map[string]any{"phase_id": phaseID, "min": 1, "max": 5},
	}
}

// ErrExecutionNotFound reports an unknown execution id.
func ErrExecutionNotFound(executionID string) *Error {
	return &Error{
		Code:    CodeExecutionNotFound,
		Message: fmt.Sprintf("execution %q not found", executionID),
		Details: map[string]any{"execution_id": executionID},
	}
}

// ErrPhaseMismatch reports an execution id that belongs to a different
// phase than the one requested.
func ErrPhaseMismatch(executionID string, expected, received int) *Error {
	return &Error{
		Code:    CodePhaseMismatch,
		Message: fmt.Sprintf("execution %q belongs to phase %d, not phase %d", executionID, expected, received),
		Details: map[string]any{
			"execution_id": executionID,
			"expected":     expected,
			"received":     received,
		},
	}
}

// ErrModuleBusy reports a module already claimed by an in-flight recovery.
func ErrModuleBusy(id ModuleID, executionID string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("module %q is already recovering", id),
		Details: map[string]any{"module_id": string(id), "execution_id": executionID},
	}
}

// ErrValidation reports malformed input rejected before reaching the engine.
func ErrValidation(message string, details map[string]any) *Error {
	return &Error{Code: CodeValidation, Message: message, Details: details}
}

// ErrTimeout reports a task, phase, or session exceeding its budget.
func ErrTimeout(scope string, budget time.Duration, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	details["scope"] = scope
	details["budget"] = budget.String()
	return &Error{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s exceeded its %s budget", scope, budget),
		Details: details,
	}
}

// ErrService wraps an underlying tool or I/O failure with operation context.
func ErrService(operation string, err error) *Error {
	return &Error{
		Code:    CodeServiceError,
		Message: fmt.Sprintf("%s failed", operation),
		Details: map[string]any{"operation": operation, "cause": err.Error()},
		wrapped: err,
	}
}
