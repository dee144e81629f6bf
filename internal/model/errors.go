package model

import (
	"errors"
	"fmt"
)

// Error classes shared by every sync component. Match them with errors.Is.
var (
	ErrTransient     = errors.New("sync: transient failure")
	ErrProtocol      = errors.New("sync: protocol violation")
	ErrConflict      = errors.New("sync: version conflict")
	ErrStorage       = errors.New("sync: local storage failure")
	ErrConfiguration = errors.New("sync: invalid configuration")
)

// SyncError carries an operation.reason code, an error class, and the cause.
type SyncError struct {
	code string
	kind error
	err  error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the operation.reason code.
func (e *SyncError) Code() string {
	return e.code
}

// Kind returns the error class sentinel, or nil.
func (e *SyncError) Kind() error {
	return e.kind
}

// NewError builds a SyncError with code "operation.reason".
func NewError(kind error, operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &SyncError{code: code, kind: kind, err: cause}
}

// ErrorCode extracts the code of the outermost SyncError in the chain.
func ErrorCode(err error) string {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code()
	}
	return ""
}
