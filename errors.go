package audit

import "errors"

// Sentinel errors shared by the stores and services. Callers wrap them with
// context and match with errors.Is at the edges.
var (
	ErrNotFound         = errors.New("audit record not found")
	ErrUnavailable      = errors.New("audit store unavailable")
	ErrInvalidFilter    = errors.New("invalid audit filter")
	ErrInvalidOperation = errors.New("invalid audit operation")
	ErrInvalidService   = errors.New("invalid source service")
	ErrInvalidRecord    = errors.New("invalid audit record")
)
