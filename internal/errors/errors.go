package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a conflict with existing data (e.g., unique constraint violation).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeForeignKey indicates a foreign key constraint violation.
	ErrCodeForeignKey ErrorCode = "foreign_key"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a store operation exceeded its deadline.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"

	// ErrCodeInvalidExpression indicates a cron expression failed to parse.
	ErrCodeInvalidExpression ErrorCode = "invalid_expression"
	// ErrCodeInvalidTimezone indicates an unrecognized IANA zone identifier.
	ErrCodeInvalidTimezone ErrorCode = "invalid_timezone"
	// ErrCodeTemplateNotFound indicates the referenced template task row does not exist.
	ErrCodeTemplateNotFound ErrorCode = "template_not_found"
	// ErrCodeScheduleNotFound indicates the referenced schedule row does not exist.
	ErrCodeScheduleNotFound ErrorCode = "schedule_not_found"
	// ErrCodeNoFutureFiring indicates the next-firing walk exceeded its horizon.
	ErrCodeNoFutureFiring ErrorCode = "no_future_firing"
	// ErrCodeMaterializationConflict indicates another worker advanced next_run_at first.
	ErrCodeMaterializationConflict ErrorCode = "materialization_conflict"
	// ErrCodeCorruption indicates a stored schedule row holds an unparseable
	// expression or timezone. Fatal for that schedule only.
	ErrCodeCorruption ErrorCode = "corruption"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
	// Field is the specific field that caused the error (optional, for validation errors)
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// ForeignKey creates a new ForeignKey error.
func ForeignKey(message string) *AppError {
	return &AppError{Code: ErrCodeForeignKey, Message: message}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message}
}

// Internalf creates a new Internal error with formatted message.
func Internalf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

// InvalidExpression creates an error for an unparseable cron expression.
// Field carries the offending cron field name when known.
func InvalidExpression(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidExpression, Message: message, Field: field}
}

// InvalidTimezone creates an error for an unrecognized zone identifier.
func InvalidTimezone(zone string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidTimezone,
		Message: fmt.Sprintf("unrecognized timezone %q", zone),
		Field:   "timezone",
	}
}

// TemplateNotFound creates an error for a missing template task row.
func TemplateNotFound(id string) *AppError {
	return &AppError{
		Code:    ErrCodeTemplateNotFound,
		Message: fmt.Sprintf("template task %s not found", id),
	}
}

// ScheduleNotFound creates an error for a missing schedule row.
func ScheduleNotFound(id string) *AppError {
	return &AppError{
		Code:    ErrCodeScheduleNotFound,
		Message: fmt.Sprintf("schedule %s not found", id),
	}
}

// NoFutureFiring creates an error for an expression with no firing inside the
// evaluation horizon.
func NoFutureFiring(expr string) *AppError {
	return &AppError{
		Code:    ErrCodeNoFutureFiring,
		Message: fmt.Sprintf("expression %q has no firing within the evaluation horizon", expr),
	}
}

// MaterializationConflict creates the transient error raised when the
// compare-and-swap advance of next_run_at affects zero rows.
func MaterializationConflict(scheduleID string) *AppError {
	return &AppError{
		Code:    ErrCodeMaterializationConflict,
		Message: fmt.Sprintf("schedule %s was advanced by another worker", scheduleID),
	}
}

// Corruption creates an error for a schedule whose stored expression or
// timezone no longer parses.
func Corruption(scheduleID string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeCorruption,
		Message: fmt.Sprintf("schedule %s holds unusable stored state", scheduleID),
		Cause:   cause,
	}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error of any flavor.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound) ||
		isCode(err, ErrCodeTemplateNotFound) ||
		isCode(err, ErrCodeScheduleNotFound)
}

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool {
	return isCode(err, ErrCodeConflict)
}

// IsValidation reports whether an error should be treated as caller input
// failure. NoFutureFiring is included: it surfaces as an expression problem
// at the API boundary.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation) ||
		isCode(err, ErrCodeInvalidExpression) ||
		isCode(err, ErrCodeInvalidTimezone) ||
		isCode(err, ErrCodeNoFutureFiring)
}

// IsForeignKey checks if an error is a ForeignKey error.
func IsForeignKey(err error) bool {
	return isCode(err, ErrCodeForeignKey)
}

// IsInternal checks if an error is an Internal error.
func IsInternal(err error) bool {
	return isCode(err, ErrCodeInternal)
}

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool {
	return isCode(err, ErrCodeTimeout)
}

// IsCanceled checks if an error is a Canceled error.
func IsCanceled(err error) bool {
	return isCode(err, ErrCodeCanceled)
}

// IsTemplateNotFound checks if an error is a TemplateNotFound error.
func IsTemplateNotFound(err error) bool {
	return isCode(err, ErrCodeTemplateNotFound)
}

// IsNoFutureFiring checks if an error marks an expression with no firing
// inside the search horizon.
func IsNoFutureFiring(err error) bool {
	return isCode(err, ErrCodeNoFutureFiring)
}

// IsScheduleNotFound checks if an error is a ScheduleNotFound error.
func IsScheduleNotFound(err error) bool {
	return isCode(err, ErrCodeScheduleNotFound)
}

// IsMaterializationConflict checks for the transient lost-race error.
func IsMaterializationConflict(err error) bool {
	return isCode(err, ErrCodeMaterializationConflict)
}

// IsCorruption checks if an error marks per-schedule stored-state corruption.
func IsCorruption(err error) bool {
	return isCode(err, ErrCodeCorruption)
}

// IsTransient reports whether the error should be retried at the next tick
// rather than surfaced.
func IsTransient(err error) bool {
	return IsTimeout(err) || IsMaterializationConflict(err)
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
