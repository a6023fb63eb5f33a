// Package kerrors defines the typed error kinds the kernel concurrency
// core returns. Every kind is a sentinel value so callers can match
// with errors.Is; Wrap attaches operation-specific context against a
// closed, named set of kinds instead of ad hoc strings.
package kerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState: operation not permitted for the object's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound: referenced thread/object id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBlocked: signal masked by target.
	ErrBlocked = errors.New("blocked by mask")
	// ErrTimedOut: wait expired without fulfillment.
	ErrTimedOut = errors.New("timed out")
	// ErrWouldBlock: precondition changed before sleep.
	ErrWouldBlock = errors.New("would block")
	// ErrInterrupted: wait cancelled by expedite.
	ErrInterrupted = errors.New("interrupted")
	// ErrSaturated: semaphore at max; recoverable, partial progress allowed.
	ErrSaturated = errors.New("saturated")
)

// Wrap attaches a formatted operation context to a sentinel kind,
// preserving errors.Is(wrapped, kind).
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Fatal panics with a diagnostic for internal invariant violations:
// corrupt queue links, a nil current object mid-preemption, or any
// state the kernel cannot recover from. There is no unwind path for
// these. Fatal only panics and does not log; klog.Logger.Fatal logs at
// Fatal level and then panics, for callers that want both.
func Fatal(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
