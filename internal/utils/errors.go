package utils

import (
	"context"
	"errors"
	"net"
	"strings"
)

// transientMarkers are substrings of driver errors that indicate a retry
// has a reasonable chance of succeeding.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"too many connections",
	"database is locked",
	"server closed the connection",
	"deadlock detected",
}

// IsTransientError reports whether a persistence error is worth retrying.
// Context cancellation is permanent; deadlines and network timeouts are not.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
