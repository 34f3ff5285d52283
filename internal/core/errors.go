package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed change record. It is rejected before any write.
	ErrValidation = errors.New("invalid change record")
	// ErrTranslation marks an action value outside the fixed mapping table.
	ErrTranslation = errors.New("untranslatable value")
	// ErrStoreUnavailable wraps failures talking to either store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDanglingReference marks an actor or resource type id that no longer resolves.
	ErrDanglingReference = errors.New("dangling reference")
	ErrNotFound          = errors.New("not found")
	// ErrWatermarkConflict is returned when a compare-and-set on the watermark loses.
	ErrWatermarkConflict = errors.New("watermark changed concurrently")
	ErrLockHeld          = errors.New("lock held by another run")
)

type ErrorCode string

const (
	ErrCodeBadRequest        ErrorCode = "AUDIT_BAD_REQUEST"
	ErrCodeNotFound          ErrorCode = "AUDIT_NOT_FOUND"
	ErrCodeConflictLocked    ErrorCode = "AUDIT_CONFLICT_LOCKED"
	ErrCodeTranslation       ErrorCode = "AUDIT_TRANSLATION"
	ErrCodeStoreUnavailable  ErrorCode = "AUDIT_STORE_UNAVAILABLE"
	ErrCodeInternal          ErrorCode = "AUDIT_INTERNAL"
	ErrCodeReconcilerError   ErrorCode = "AUDIT_RECONCILER_ERROR"
	ErrCodeReconcilerTimeout ErrorCode = "AUDIT_RECONCILER_TIMEOUT"
)

// HTTPStatus returns the HTTP status code for this error code.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeBadRequest:
		return 400
	case ErrCodeNotFound:
		return 404
	case ErrCodeConflictLocked:
		return 409
	case ErrCodeTranslation:
		return 422
	case ErrCodeReconcilerError:
		return 502
	case ErrCodeStoreUnavailable:
		return 503
	case ErrCodeReconcilerTimeout:
		return 504
	default:
		return 500
	}
}

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAppError(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// CodeFor classifies err into the HTTP-facing error code.
func CodeFor(err error) ErrorCode {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr):
		return appErr.Code
	case errors.Is(err, ErrValidation):
		return ErrCodeBadRequest
	case errors.Is(err, ErrTranslation):
		return ErrCodeTranslation
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrLockHeld), errors.Is(err, ErrWatermarkConflict):
		return ErrCodeConflictLocked
	case errors.Is(err, ErrStoreUnavailable):
		return ErrCodeStoreUnavailable
	default:
		return ErrCodeInternal
	}
}
