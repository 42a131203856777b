package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when a dead letter id is unknown
	ErrItemNotFound = errors.New("dead letter item not found")

	// ErrMaxRetriesExceeded wraps the last error of an item that ran out
	// of retries
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
