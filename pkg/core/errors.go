package core

import (
	"errors"
	"fmt"
)

// Lookup and state errors
var (
	ErrJobNotFound       = errors.New("trellis: job not found")
	ErrWorkItemNotFound  = errors.New("trellis: work item not found")
	ErrStepNotFound      = errors.New("trellis: workflow step not found")
	ErrJobTerminal       = errors.New("trellis: job is in a terminal status")
	ErrJobNotPaused      = errors.New("trellis: job is not paused")
	ErrInvalidServiceID  = errors.New("trellis: invalid service id")
	ErrInvalidTransition = errors.New("trellis: illegal work item status transition")
)

// ValidationError indicates a malformed request. It is surfaced immediately
// to the caller and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validation creates a ValidationError with the given message.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CatalogError indicates a remote catalog search failure after retries were
// exhausted at the discovery boundary.
type CatalogError struct {
	Err error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog search failed: %v", e.Err)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// Catalog wraps an error from the catalog search collaborator.
func Catalog(err error) error {
	return &CatalogError{Err: err}
}
