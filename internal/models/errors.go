package models

import "errors"

// Error kinds shared by the store, the orchestrator and the API layer.
// Callers wrap them with fmt.Errorf("%w: ...") and classify with errors.Is.
var (
	ErrValidation              = errors.New("validation failed")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrResourceConflict        = errors.New("resource conflict")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrExternalService         = errors.New("external service failure")
	ErrNotFound                = errors.New("not found")
	ErrOrderModificationDenied = errors.New("order modification denied")
)
