package lines

import (
	"context"
	"errors"
)

var (
	// ErrNotFound: referenced line/operator absent. Not retryable.
	ErrNotFound = errors.New("not found")
	// ErrNotActive: line is not in active state. Caller should pick another line.
	ErrNotActive = errors.New("line not active")
	// ErrSegmentMismatch: the line already carries operators of another segment.
	ErrSegmentMismatch = errors.New("segment mismatch")
	// ErrLineFull: the line already holds MaxOperatorsPerLine bindings.
	ErrLineFull = errors.New("line full")
	// ErrTransient: lock timeout, serialization conflict or connection blip.
	// Retryable with bounded backoff.
	ErrTransient = errors.New("transient store error")
	// ErrProviderUnavailable: outbound send or health probe failed at the provider.
	ErrProviderUnavailable = errors.New("provider unavailable")

	ErrInvalidArgument = errors.New("invalid argument")
)

// IsTransient reports whether err is worth retrying. Transaction deadlines
// count as transient: the unit of work was rolled back in full.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// IsCapacityOrPolicy reports the errors a caller recovers from by trying the
// next candidate line.
func IsCapacityOrPolicy(err error) bool {
	return errors.Is(err, ErrLineFull) || errors.Is(err, ErrSegmentMismatch) || errors.Is(err, ErrNotActive)
}
