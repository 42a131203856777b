package tracker

import "errors"

var (
	// ErrStaleHandle is returned when completing a handle that is unknown,
	// already completed or expired.
	ErrStaleHandle = errors.New("stale execution handle")

	// ErrRecordNotFound is returned when feedback targets an unknown record
	ErrRecordNotFound = errors.New("execution record not found")

	// ErrAlreadyScored is returned when feedback is submitted twice
	ErrAlreadyScored = errors.New("execution already scored")

	// ErrInvalidFeedback is returned for an unknown or missing feedback kind
	ErrInvalidFeedback = errors.New("invalid feedback")
)
