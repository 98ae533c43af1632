// Package svcutil contains the refresh abstractions shared by the
// refreshable data sources (C1's public-suffix index and C3's filter
// lists): a Refresher interface and a wrapper that reports refresh errors
// through an error collector instead of aborting the run.  Adapted from
// AdGuardDNS's internal/agdservice package; the ticking background-worker
// part of that package does not apply here, since the engine runs as a
// single-shot batch CLI rather than a long-running daemon — refreshes are
// triggered by explicit staleness checks at startup, not by a ticker.
package svcutil

import (
	"context"
	"log/slog"

	"github.com/webprivacy/analysisengine/internal/errcoll"
)

// Refresher is the interface for entities that can update themselves from
// their upstream source.
type Refresher interface {
	// Refresh is called to bring the entity's in-memory and on-disk state
	// up to date.
	Refresh(ctx context.Context) (err error)
}

// RefresherFunc is an adapter to allow the use of ordinary functions as a
// [Refresher].
type RefresherFunc func(ctx context.Context) (err error)

// type check
var _ Refresher = RefresherFunc(nil)

// Refresh implements the [Refresher] interface for RefresherFunc.
func (f RefresherFunc) Refresh(ctx context.Context) (err error) {
	return f(ctx)
}

// RefresherWithErrColl reports refresh errors to errColl and logs them
// instead of letting them propagate, so that a single source's refresh
// failure doesn't abort the whole run (§7).
type RefresherWithErrColl struct {
	logger  *slog.Logger
	refr    Refresher
	errColl errcoll.Interface
	name    string
}

// NewRefresherWithErrColl wraps refr into a Refresher that collects and logs
// errors under name, e.g. "public_suffix_index" or "easylist".
func NewRefresherWithErrColl(
	refr Refresher,
	logger *slog.Logger,
	errColl errcoll.Interface,
	name string,
) (wrapped *RefresherWithErrColl) {
	return &RefresherWithErrColl{
		refr:    refr,
		logger:  logger,
		errColl: errColl,
		name:    name,
	}
}

// type check
var _ Refresher = (*RefresherWithErrColl)(nil)

// Refresh implements the [Refresher] interface for *RefresherWithErrColl.
func (r *RefresherWithErrColl) Refresh(ctx context.Context) (err error) {
	err = r.refr.Refresh(ctx)
	if err != nil {
		errcoll.Collect(ctx, r.errColl, r.logger, "refreshing "+r.name, err)
	}

	return err
}
