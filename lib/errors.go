package lib

import (
	"context"
	"errors"
	"net"

	"github.com/gravitational/trace"
)

// IsCanceled reports whether err is a context cancellation, possibly wrapped.
func IsCanceled(err error) bool {
	err = trace.Unwrap(err)
	return err == context.Canceled
}

// IsDeadline reports whether err is a deadline/timeout, possibly wrapped.
func IsDeadline(err error) bool {
	err = trace.Unwrap(err)
	if err == context.DeadlineExceeded {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
