// Package errcoll contains implementations of error collectors used to
// report non-fatal errors encountered while analyzing a site capture,
// without aborting the run (§7).
package errcoll

import (
	"context"
	"fmt"
	"log/slog"
)

// Interface is the interface for error collectors that process information
// about errors, possibly sending them to a remote location.
type Interface interface {
	Collect(ctx context.Context, err error)
}

// Collectf is a helper for reporting non-critical errors.  It writes the
// resulting error into the log and also into errColl.
func Collectf(ctx context.Context, errColl Interface, l *slog.Logger, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	l.ErrorContext(ctx, err.Error())
	errColl.Collect(ctx, err)
}

// Collect is a helper for reporting non-critical errors associated with msg.
// It writes the resulting error into the log and also into errColl.
func Collect(ctx context.Context, errColl Interface, l *slog.Logger, msg string, err error) {
	l.ErrorContext(ctx, msg, "err", err)
	errColl.Collect(ctx, fmt.Errorf("%s: %w", msg, err))
}
