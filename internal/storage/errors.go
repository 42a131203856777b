package storage

import "errors"

var (
	// ErrExecutionNotFound is returned when an execution record is not found
	ErrExecutionNotFound = errors.New("execution record not found")

	// ErrCatalogNotFound is returned when no catalog snapshot was persisted
	ErrCatalogNotFound = errors.New("catalog snapshot not found")
)
