package errcoll

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// ctxKey is the type for context keys defined in this package.
type ctxKey int

const (
	ctxKeySiteID ctxKey = iota
	ctxKeyComponent
)

// WithSiteID returns a copy of ctx carrying siteID, used to tag errors
// reported while processing a particular site capture.
func WithSiteID(ctx context.Context, siteID string) (withSiteID context.Context) {
	return context.WithValue(ctx, ctxKeySiteID, siteID)
}

// WithComponent returns a copy of ctx carrying the name of the analyzer
// component currently running (e.g. "domain_analyzer").
func WithComponent(ctx context.Context, component string) (withComponent context.Context) {
	return context.WithValue(ctx, ctxKeyComponent, component)
}

// SentryErrorCollector is an [Interface] implementation that sends errors to
// a Sentry-compatible HTTP API.
type SentryErrorCollector struct {
	client *sentry.Client
}

// NewSentryErrorCollector returns a new *SentryErrorCollector.  cli must be
// non-nil.
func NewSentryErrorCollector(cli *sentry.Client) (c *SentryErrorCollector) {
	return &SentryErrorCollector{
		client: cli,
	}
}

// type check
var _ Interface = (*SentryErrorCollector)(nil)

// Collect implements the [Interface] interface for *SentryErrorCollector.
func (c *SentryErrorCollector) Collect(ctx context.Context, err error) {
	scope := sentry.NewScope()
	scope.SetTags(tagsFromCtx(ctx))

	_ = c.client.CaptureException(err, &sentry.EventHint{
		Context: ctx,
	}, scope)
}

// flushTimeout bounds how long Flush blocks waiting for buffered events to
// be sent.
const flushTimeout = 2 * time.Second

// Flush waits until the underlying transport sends any buffered events to
// the Sentry server, blocking for at most flushTimeout.
func (c *SentryErrorCollector) Flush() {
	_ = c.client.Flush(flushTimeout)
}

// tagsFromCtx returns the Sentry tags derived from ctx.
func tagsFromCtx(ctx context.Context) (tags map[string]string) {
	tags = map[string]string{}

	if siteID, ok := ctx.Value(ctxKeySiteID).(string); ok {
		tags["site_id"] = siteID
	}

	if component, ok := ctx.Value(ctxKeyComponent).(string); ok {
		tags["component"] = component
	}

	return tags
}
