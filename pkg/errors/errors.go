package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound             = errors.New("resource not found")
	ErrAlreadyExists        = errors.New("resource already exists")
	ErrInvalidInput         = errors.New("invalid input")
	ErrConflict             = errors.New("conflict")
	ErrInternal             = errors.New("internal error")
	ErrServiceUnavail       = errors.New("service unavailable")
	ErrOrderNotRefundable   = errors.New("order not refundable")
	ErrAmountExceedsBalance = errors.New("amount exceeds refundable balance")
	ErrRefundInFlight       = errors.New("refund already in flight")
	ErrNotRetryable         = errors.New("refund not retryable")
	ErrVersionConflict      = errors.New("version conflict")
	ErrIntegrityFault       = errors.New("integrity fault")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// AlreadyExists creates a 409 error.
func AlreadyExists(resource, field, value string) *AppError {
	return &AppError{
		Code:    "ALREADY_EXISTS",
		Message: fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Status:  http.StatusConflict,
		Err:     ErrAlreadyExists,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Conflict creates a generic 409 error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// OrderNotRefundable creates a 422 error for a refund against an order that is
// not in a refundable state.
func OrderNotRefundable(message string) *AppError {
	return &AppError{
		Code:    "ORDER_NOT_REFUNDABLE",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrOrderNotRefundable,
	}
}

// AmountExceedsBalance creates a 422 error for a refund amount that exceeds
// the order's remaining refundable balance.
func AmountExceedsBalance(message string) *AppError {
	return &AppError{
		Code:    "AMOUNT_EXCEEDS_BALANCE",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrAmountExceedsBalance,
	}
}

// RefundInFlight creates a 409 error for a duplicate concurrent trigger on a
// refund that is already being processed.
func RefundInFlight(refundNo string) *AppError {
	return &AppError{
		Code:    "REFUND_IN_FLIGHT",
		Message: fmt.Sprintf("refund %s is already being processed", refundNo),
		Status:  http.StatusConflict,
		Err:     ErrRefundInFlight,
	}
}

// NotRetryable creates a 422 error for a retry trigger on a refund that is not
// in a retryable status.
func NotRetryable(message string) *AppError {
	return &AppError{
		Code:    "NOT_RETRYABLE",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrNotRetryable,
	}
}

// VersionConflict creates a 409 error for an optimistic lock miss on a
// concurrent update.
func VersionConflict(resource, id string) *AppError {
	return &AppError{
		Code:    "VERSION_CONFLICT",
		Message: fmt.Sprintf("%s %s was modified concurrently", resource, id),
		Status:  http.StatusConflict,
		Err:     ErrVersionConflict,
	}
}

// IntegrityFault creates a 500 error for a money-accounting inconsistency
// that must never be silently accepted.
func IntegrityFault(message string) *AppError {
	return &AppError{
		Code:    "INTEGRITY_FAULT",
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     ErrIntegrityFault,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict),
		errors.Is(err, ErrRefundInFlight), errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrOrderNotRefundable), errors.Is(err, ErrAmountExceedsBalance),
		errors.Is(err, ErrNotRetryable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
