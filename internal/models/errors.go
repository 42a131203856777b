package models

import "errors"

var (
	// ErrUnknownTaskType is returned when a task type name is not recognised
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidModel is returned when a catalog entry fails validation
	ErrInvalidModel = errors.New("invalid model")

	// ErrInvalidTransition is returned when a record would move backwards in its lifecycle
	ErrInvalidTransition = errors.New("invalid execution state transition")
)
