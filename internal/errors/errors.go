// Package errors provides application error codes and wrapping for
// blockersync.
package errors

import "fmt"

// ErrorCode identifies a category of application error.
type ErrorCode string

const (
	// Store errors
	ErrStoreOpen      ErrorCode = "STORE_OPEN_FAILED"
	ErrStoreQuery     ErrorCode = "STORE_QUERY_FAILED"
	ErrStoreWrite     ErrorCode = "STORE_WRITE_FAILED"
	ErrStoreNotFound  ErrorCode = "STORE_NOT_FOUND"
	ErrStoreInvalid   ErrorCode = "STORE_INVALID_ENTITY"
	ErrStoreBadTable  ErrorCode = "STORE_UNKNOWN_TABLE"
	ErrStoreBadIndex  ErrorCode = "STORE_UNKNOWN_INDEX"
	ErrQueueEnqueue   ErrorCode = "QUEUE_ENQUEUE_FAILED"
	ErrQueueNotFound  ErrorCode = "QUEUE_ITEM_NOT_FOUND"

	// Sync errors
	ErrSyncFailed    ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout   ErrorCode = "SYNC_TIMEOUT"
	ErrSyncRejected  ErrorCode = "SYNC_REMOTE_REJECTED"
	ErrSyncExhausted ErrorCode = "SYNC_RETRIES_EXHAUSTED"
	ErrBootstrap     ErrorCode = "BOOTSTRAP_FAILED"

	// Notification errors
	ErrNotifyNotFound ErrorCode = "NOTIFICATION_NOT_FOUND"

	// Configuration errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code. It walks the wrap chain so
// an AppError wrapped in another AppError is still found.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if appErr.Code == code {
				return true
			}
			err = appErr.Err
			continue
		}
		return false
	}
	return false
}
