package errs

import (
	"context"
	"errors"
)

// isContextDeadline reports whether err is a context deadline or
// cancellation surfaced by the runtime rather than by this package.
func isContextDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// FromContext converts a context error into its taxonomy form. Returns
// nil when the context is still live.
func FromContext(ctx context.Context) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return Wrap(KindDeadline, ctx.Err(), "run deadline exceeded")
	case context.Canceled:
		return Wrap(KindDeadline, ctx.Err(), "run cancelled")
	default:
		return nil
	}
}
