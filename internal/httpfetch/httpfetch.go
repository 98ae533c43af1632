// Package httpfetch contains a thin HTTP client used by the refreshable data
// sources (C1's public-suffix list, C3's filter lists) to fetch upstream
// data, bounding the amount read from the response body.  Adapted from
// AdGuardDNS's internal/agdhttp package.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/c2h5oh/datasize"
)

// UserAgent is the User-Agent string sent with every request.
const UserAgent = "webprivacy-analysisengine/1.0"

// Client is a wrapper around http.Client that enforces a maximum response
// size and a consistent User-Agent.
type Client struct {
	http    *http.Client
	maxSize datasize.ByteSize
}

// Config is the configuration structure for [Client].
type Config struct {
	// Timeout is the timeout for all requests.
	Timeout time.Duration

	// MaxSize is the maximum number of bytes read from a response body.  A
	// zero value means no limit.
	MaxSize datasize.ByteSize
}

// New returns a new *Client.  c must not be nil.
func New(c *Config) (cli *Client) {
	return &Client{
		http: &http.Client{
			Timeout: c.Timeout,
		},
		maxSize: c.MaxSize,
	}
}

// Get performs a GET request to u and returns the response body, bounded by
// the configured maximum size.  The caller owns the returned bytes; the
// response body is always closed before Get returns.
func (c *Client) Get(ctx context.Context, u *url.URL) (body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { err = closeWithError(err, resp.Body) }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, u)
	}

	r := io.Reader(resp.Body)
	if c.maxSize > 0 {
		r = io.LimitReader(resp.Body, int64(c.maxSize))
	}

	body, err = io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return body, nil
}

// closeWithError closes c, combining any error from Close with the original
// error origErr.
func closeWithError(origErr error, c io.Closer) (err error) {
	cErr := c.Close()
	if origErr != nil {
		return origErr
	}

	if cErr != nil {
		return fmt.Errorf("closing: %w", cErr)
	}

	return nil
}
