// Package domain defines core types, interfaces, and errors for the delegation server.
package domain

import "fmt"

// NotFoundError indicates a job (or other resource) was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// NotAcceptableError indicates a precondition violation on the current
// state or content of a request. It is never retried automatically.
type NotAcceptableError struct {
	Message string
}

func (e *NotAcceptableError) Error() string { return e.Message }

// ConflictError indicates a concurrent writer changed the job first.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// EncryptionError indicates the job configuration could not be encrypted
// or decrypted. It is always fatal to the triggering operation.
type EncryptionError struct {
	Message string
	Err     error
}

func (e *EncryptionError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotAcceptable creates a NotAcceptableError with a formatted message.
func ErrNotAcceptable(format string, args ...interface{}) *NotAcceptableError {
	return &NotAcceptableError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrEncryption creates an EncryptionError wrapping cause (which may be nil).
func ErrEncryption(cause error, format string, args ...interface{}) *EncryptionError {
	return &EncryptionError{Message: fmt.Sprintf(format, args...), Err: cause}
}
