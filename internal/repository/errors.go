package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is raised when the circuit breaker is open and the
	// repository is configured remote-only.
	ErrQuotaExceeded = errors.New("repository: remote quota exceeded")
	// ErrRemoteUnavailable is raised only in remote-only mode, after every
	// fallback tier has been exhausted.
	ErrRemoteUnavailable = errors.New("repository: remote store unavailable")
	// ErrLocalStorage is raised when the local mirror itself failed. There is
	// no further fallback tier behind it.
	ErrLocalStorage = errors.New("repository: local storage failed")
)

const (
	opRepositoryNew = "repository.new"
	opManagerNew    = "repository.manager.new"
	opSave          = "repository.save"
	opGet           = "repository.get"
	opGetAll        = "repository.get_all"
	opDelete        = "repository.delete"
	opSubscribe     = "repository.subscribe"
)

// RepositoryError carries an operation-scoped code alongside the cause.
type RepositoryError struct {
	code string
	err  error
}

func (e *RepositoryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RepositoryError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped error code.
func (e *RepositoryError) Code() string {
	return e.code
}

func newRepositoryError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &RepositoryError{code: code, err: cause}
}
