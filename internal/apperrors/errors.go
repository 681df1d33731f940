package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// ErrorCode categorizes errors
type ErrorCode string

const (
	ErrCodeAuth       ErrorCode = "AUTH_ERROR"
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeIO         ErrorCode = "IO_ERROR"
	ErrCodeLookup     ErrorCode = "LOOKUP_ERROR"
)

// CollectorError is the base structured error
type CollectorError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *CollectorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CollectorError) Unwrap() error {
	return e.Cause
}

// AuthError is returned when the shared secret is missing or wrong.
// It never carries the offered key.
type AuthError struct {
	CollectorError
}

func NewAuthError() *AuthError {
	return &AuthError{
		CollectorError: CollectorError{
			Code:    ErrCodeAuth,
			Message: "Invalid API key",
		},
	}
}

// ValidationError represents input validation failure
type ValidationError struct {
	CollectorError
	Field string
	Value interface{}
}

func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		CollectorError: CollectorError{
			Code:    ErrCodeValidation,
			Message: message,
		},
		Field: field,
		Value: value,
	}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] field=%s value=%v: %s", e.Code, e.Field, e.Value, e.Message)
}

// IOError wraps a disk read, write or copy failure.
type IOError struct {
	CollectorError
	Op string
}

func NewIOError(op, message string, cause error) *IOError {
	return &IOError{
		CollectorError: CollectorError{
			Code:    ErrCodeIO,
			Message: message,
			Cause:   cause,
		},
		Op: op,
	}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s (op=%s)", e.CollectorError.Error(), e.Op)
}

// LookupError is returned when the geolocation provider could not be
// reached or answered with something that is not a JSON object.
type LookupError struct {
	CollectorError
	IP string
}

func NewLookupError(ip, message string, cause error) *LookupError {
	return &LookupError{
		CollectorError: CollectorError{
			Code:    ErrCodeLookup,
			Message: message,
			Cause:   cause,
		},
		IP: ip,
	}
}

// Is enables errors.Is checks
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As enables errors.As checks
func As[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}

// HTTPStatus maps an error from the taxonomy to a response status.
func HTTPStatus(err error) int {
	if _, ok := As[*AuthError](err); ok {
		return http.StatusForbidden
	}
	if _, ok := As[*ValidationError](err); ok {
		return http.StatusBadRequest
	}
	if _, ok := As[*LookupError](err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// GRPCCode maps an error from the taxonomy to a gRPC status code.
func GRPCCode(err error) codes.Code {
	if _, ok := As[*AuthError](err); ok {
		return codes.PermissionDenied
	}
	if _, ok := As[*ValidationError](err); ok {
		return codes.InvalidArgument
	}
	if _, ok := As[*LookupError](err); ok {
		return codes.Unavailable
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	return codes.Internal
}

// PublicMessage returns the text that may be shown to a caller. Only the
// message is exposed; causes stay in the server log.
func PublicMessage(err error) string {
	var ce interface{ public() string }
	if errors.As(err, &ce) {
		return ce.public()
	}
	return "internal error"
}

func (e *CollectorError) public() string {
	return e.Message
}

func (e *ValidationError) public() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
