package registry

import "errors"

var (
	// ErrModelNotFound is returned when a model id is not in the active catalog
	ErrModelNotFound = errors.New("model not found")

	// ErrDuplicateModel is returned when registering an id that already exists
	ErrDuplicateModel = errors.New("duplicate model")

	// ErrInvalidSnapshot is returned when a catalog snapshot fails validation
	ErrInvalidSnapshot = errors.New("invalid catalog snapshot")
)
