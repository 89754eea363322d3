// Package brokererr declares the broker's language-neutral error kinds
// (spec.md §7) as trace-wrapped sentinels, so every component and the
// action router agree on one vocabulary instead of comparing strings.
package brokererr

import "github.com/gravitational/trace"

// Sentinel errors. Wrap with trace.Wrap(ErrX, "detail") to attach context
// while keeping errors.Is(err, ErrX) (via trace.Unwrap) true.
var (
	// ErrUnlockFailed covers both BadPassphrase and IntegrityFailure: the
	// decrypt authentication tag did not verify. Callers must not be able
	// to tell these two apart from the error alone.
	ErrUnlockFailed = trace.AccessDenied("Failed to unlock: incorrect passphrase or corrupted credentials")

	// ErrLocked is returned when an action requires an unlocked session.
	ErrLocked = trace.AccessDenied("session is locked")

	// ErrSessionExpired is the timeout-driven variant of ErrLocked: the
	// lock happened as a side effect of this very request.
	ErrSessionExpired = trace.AccessDenied("session expired due to inactivity")

	// ErrNotAllowed is returned when an origin's action is not in its
	// allowed set.
	ErrNotAllowed = trace.AccessDenied("action not allowed for origin")

	// ErrRateLimited is returned by origin admission; it must never bump
	// session activity.
	ErrRateLimited = trace.LimitExceeded("rate limit exceeded")

	// ErrInvalidArgument covers structural validation failures.
	ErrInvalidArgument = trace.BadParameter("invalid argument")

	// ErrTimeout covers cross-boundary and remote-service timeouts.
	ErrTimeout = trace.LimitExceeded("request timed out")

	// ErrAdapterUnavailable is returned when the network adapter's
	// auxiliary context could not be brought up.
	ErrAdapterUnavailable = trace.ConnectionProblem(nil, "network adapter unavailable")

	// ErrUpstreamFailure is returned when the remote service answers with
	// a non-2xx status; it triggers the Online->Fallback transition.
	ErrUpstreamFailure = trace.ConnectionProblem(nil, "upstream storage service failure")

	// ErrNotFound covers unknown document or grant ids.
	ErrNotFound = trace.NotFound("not found")
)

// IsLocked reports whether err is ErrLocked or ErrSessionExpired — both
// present the same observable shape to a caller per spec.md §7.
func IsLocked(err error) bool {
	unwrapped := trace.Unwrap(err)
	return unwrapped == trace.Unwrap(ErrLocked) || unwrapped == trace.Unwrap(ErrSessionExpired)
}
