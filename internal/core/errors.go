// internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine readable class of a failed operation.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	KindForbidden    ErrorKind = "FORBIDDEN"
	KindConflict     ErrorKind = "CONFLICT"
	KindBadRequest   ErrorKind = "BAD_REQUEST"
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindInternal     ErrorKind = "INTERNAL_ERROR"
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Details []string  `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error { return e.Err }

// Is matches business errors by code so that copies carrying details or a
// cause still compare equal to their sentinel.
func (e *BusinessError) Is(target error) bool {
	t, ok := target.(*BusinessError)
	return ok && t.Code == e.Code
}

// WithDetails returns a copy of e carrying details.
func (e *BusinessError) WithDetails(details ...string) *BusinessError {
	cp := *e
	cp.Details = append([]string(nil), details...)
	return &cp
}

// Wrap returns a copy of e caused by err.
func (e *BusinessError) Wrap(err error) *BusinessError {
	cp := *e
	cp.Err = err
	return &cp
}

// Business errors.
var (
	// Authentication errors.
	ErrAPIKeyRequired = &BusinessError{Kind: KindUnauthorized, Code: "AUTH_001", Message: "API key required"}
	ErrInvalidAPIKey  = &BusinessError{Kind: KindUnauthorized, Code: "AUTH_002", Message: "invalid API key"}
	ErrDeviceMismatch = &BusinessError{Kind: KindForbidden, Code: "AUTH_003", Message: "device ID mismatch"}

	// Device errors.
	ErrDeviceNotFound      = &BusinessError{Kind: KindNotFound, Code: "DEVICE_001", Message: "device not found"}
	ErrDeviceAlreadyExists = &BusinessError{Kind: KindConflict, Code: "DEVICE_002", Message: "device already registered"}
	ErrInvalidDevice       = &BusinessError{Kind: KindBadRequest, Code: "DEVICE_003", Message: "invalid device registration"}

	// Reading errors.
	ErrReadingNotFound = &BusinessError{Kind: KindNotFound, Code: "READING_001", Message: "no readings found"}
	ErrInvalidReading  = &BusinessError{Kind: KindBadRequest, Code: "READING_002", Message: "sensor values out of range"}
	ErrInvalidQuery    = &BusinessError{Kind: KindBadRequest, Code: "READING_003", Message: "invalid query parameters"}

	// Storage errors.
	ErrStorage = &BusinessError{Kind: KindInternal, Code: "STORAGE_001", Message: "storage operation failed"}
)

// KindOf reports the kind of err. Anything that is not a business error is
// an internal error.
func KindOf(err error) ErrorKind {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// AsBusinessError returns err as a business error, classifying unknown errors
// as internal storage failures.
func AsBusinessError(err error) *BusinessError {
	var be *BusinessError
	if errors.As(err, &be) {
		return be
	}
	return ErrStorage.Wrap(err)
}
