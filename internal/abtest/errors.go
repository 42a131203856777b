package abtest

import "errors"

var (
	// ErrInvalidTrafficSplit is returned when weights are negative, missing
	// or do not sum to 1
	ErrInvalidTrafficSplit = errors.New("invalid traffic split")

	// ErrIneligibleVariant is returned when a variant cannot serve the task
	ErrIneligibleVariant = errors.New("variant cannot serve task type")

	// ErrInvalidTest is returned for malformed test definitions
	ErrInvalidTest = errors.New("invalid ab test")

	// ErrDuplicateAssignment is returned by stores when an assignment for
	// the (test, request) pair already exists
	ErrDuplicateAssignment = errors.New("assignment already exists")

	// ErrTestNotFound is returned when a test is not found
	ErrTestNotFound = errors.New("ab test not found")

	// ErrTestNotRunning is returned when assigning or recording against a
	// test that is not running
	ErrTestNotRunning = errors.New("ab test not running")

	// ErrTestConflict is returned when a task already has a running test
	ErrTestConflict = errors.New("task already has a running ab test")

	// ErrAssignmentNotFound is returned when an outcome has no assignment
	ErrAssignmentNotFound = errors.New("ab assignment not found")
)
