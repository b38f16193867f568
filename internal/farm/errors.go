package farm

import "errors"

// Error kinds surfaced by the engine. Callers match them with errors.Is; the
// wrapped message carries the detail.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("farm not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownProducer   = errors.New("unknown producer")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrPersistence       = errors.New("persistence failure")
)

// Adapter-level outcomes. A Store returns these to report a lost race; the
// guard turns them into retries and never lets them escape.
var (
	ErrStaleVersion  = errors.New("stale version")
	ErrAlreadyExists = errors.New("farm already exists")
)
