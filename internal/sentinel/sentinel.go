package sentinel

import "errors"

// Store and collaborator errors. Dependencies return these (optionally wrapped)
// so services translate them into domain errors exactly once.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
	ErrSchema       = errors.New("schema unavailable")
)
