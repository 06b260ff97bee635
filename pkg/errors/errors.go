package relaybox_errors

import "errors"

// Common errors
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAlreadyExists       = errors.New("already exists")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrTransactionRequired = errors.New("transaction required")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobRunning          = errors.New("job already running")
)

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
