package router

import "errors"

var (
	// ErrNoEligibleModel is returned when no model satisfies the task and
	// constraints, or none meets the quality threshold.
	ErrNoEligibleModel = errors.New("no eligible model")

	// ErrUnknownStrategy is returned for unrecognized strategy names
	ErrUnknownStrategy = errors.New("unknown routing strategy")
)
