package remote

import (
	"errors"
	"strings"
)

// Code classifies a remote store failure.
type Code string

const (
	// CodeResourceExhausted signals quota exhaustion or throttling.
	CodeResourceExhausted Code = "resource-exhausted"
	// CodePermissionDenied signals a security-rule rejection, expected before
	// authentication completes.
	CodePermissionDenied Code = "permission-denied"
	// CodeUnavailable signals the store could not be reached.
	CodeUnavailable Code = "unavailable"
	// CodeInternal covers everything else.
	CodeInternal Code = "internal"
)

// StoreError carries a classification code alongside the underlying cause.
type StoreError struct {
	Code    Code
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps a cause with a classification code.
func NewStoreError(code Code, message string, cause error) *StoreError {
	return &StoreError{Code: code, Message: message, Err: cause}
}

// ErrorCode extracts the classification code, falling back to CodeInternal
// for unclassified errors.
func ErrorCode(err error) Code {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Code
	}
	return CodeInternal
}

// IsQuotaExceeded reports whether the error indicates remote-side quota
// exhaustion, either by code or by message substring.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	if ErrorCode(err) == CodeResourceExhausted {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "quota exceeded") || strings.Contains(message, "quota")
}

// IsPermissionDenied reports whether the error indicates a security-rule
// rejection, either by code or by message substring.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if ErrorCode(err) == CodePermissionDenied {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "missing or insufficient permissions") ||
		strings.Contains(message, "permission")
}

// IsUnavailable reports whether the error indicates the store is unreachable.
func IsUnavailable(err error) bool {
	return err != nil && ErrorCode(err) == CodeUnavailable
}
