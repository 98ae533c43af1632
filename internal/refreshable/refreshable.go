// Package refreshable contains a generic HTTP-or-file-backed data source
// with on-disk staleness caching, shared by C1's public-suffix index and
// C3's filter lists.  Adapted from AdGuardDNS's internal/filter/internal
// Refreshable.
package refreshable

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/c2h5oh/datasize"
	renameio "github.com/google/renameio/v2"
	"github.com/webprivacy/analysisengine/internal/httpfetch"
)

// schemeFile is the URL scheme used for local file sources.
const schemeFile = "file"

// Refreshable is a named data source that can be refreshed from either a
// local file or an HTTP(S) URL, with the downloaded content cached on disk
// between runs.
type Refreshable struct {
	logger    *slog.Logger
	http      *httpfetch.Client
	url       *url.URL
	name      string
	cachePath string
	staleness time.Duration
}

// Config is the configuration structure for a [Refreshable].
type Config struct {
	// Logger is used to log the source of the refreshed data.
	Logger *slog.Logger

	// URL is the data source.  It should be either a file:// URL or an
	// http(s):// URL.
	URL *url.URL

	// Name identifies this source in logs and error messages, e.g.
	// "public_suffix_list" or "easylist".
	Name string

	// CachePath is the path to the file holding the cached content.  Unused
	// when URL is a file:// URL.
	CachePath string

	// Staleness is the age after which the cached file is no longer
	// considered fresh and a re-download is attempted.
	Staleness time.Duration

	// Timeout is the timeout for the HTTP client, if any.
	Timeout time.Duration

	// MaxSize bounds the number of bytes read from an HTTP response.
	MaxSize datasize.ByteSize
}

// New returns a new *Refreshable.  c must not be nil.
func New(c *Config) (r *Refreshable, err error) {
	if c.URL == nil {
		return nil, fmt.Errorf("refreshable: nil url for %q", c.Name)
	}

	return &Refreshable{
		logger: c.Logger,
		http: httpfetch.New(&httpfetch.Config{
			Timeout: c.Timeout,
			MaxSize: c.MaxSize,
		}),
		url:       c.URL,
		name:      c.Name,
		cachePath: c.CachePath,
		staleness: c.Staleness,
	}, nil
}

// Refresh reloads the data.  If acceptStale is true, Refresh doesn't try to
// load data from the URL when there is already a cache file, regardless of
// its staleness.
func (r *Refreshable) Refresh(ctx context.Context, acceptStale bool) (text string, err error) {
	defer func() { err = errors.Annotate(err, "%s: %w", r.name) }()

	if strings.EqualFold(r.url.Scheme, schemeFile) {
		return r.refreshFromFileOnly(ctx)
	}

	return r.useCachedOrRefreshFromURL(ctx, acceptStale)
}

// refreshFromFileOnly refreshes from the file named by the URL.  It must
// only be called when the URL's scheme is file://.
func (r *Refreshable) refreshFromFileOnly(ctx context.Context) (text string, err error) {
	filePath := r.url.Path
	r.logger.InfoContext(ctx, "using data from file", "path", filePath)

	text, err = r.refreshFromFile(true, filePath, time.Time{})
	if err != nil {
		return "", fmt.Errorf("refreshing from file %q: %w", filePath, err)
	}

	return text, nil
}

// useCachedOrRefreshFromURL reloads the data from the cache file or the
// upstream URL.  It must only be called when the URL's scheme is http(s).
func (r *Refreshable) useCachedOrRefreshFromURL(
	ctx context.Context,
	acceptStale bool,
) (text string, err error) {
	now := time.Now()

	text, err = r.refreshFromFile(acceptStale, r.cachePath, now)
	if err != nil {
		return "", fmt.Errorf("refreshing from cache file %q: %w", r.cachePath, err)
	}

	if text == "" {
		r.logger.InfoContext(ctx, "refreshing from url", "url", r.url.Redacted())

		text, err = r.refreshFromURL(ctx, now)
		if err != nil {
			return "", fmt.Errorf("refreshing from url %q: %w", r.url.Redacted(), err)
		}
	} else {
		r.logger.InfoContext(ctx, "using cached data from file", "path", r.cachePath)
	}

	return text, nil
}

// refreshFromFile loads data from filePath if the file's mtime shows that
// it's still fresh relative to updTime.  If acceptStale is true, and the
// file exists, the data is read regardless of its staleness.  If err is nil
// and text is empty, a refresh from the URL is required.
func (r *Refreshable) refreshFromFile(
	acceptStale bool,
	filePath string,
	updTime time.Time,
) (text string, err error) {
	file, err := os.Open(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, file.Close()) }()

	if !acceptStale {
		var fi fs.FileInfo
		fi, err = file.Stat()
		if err != nil {
			return "", fmt.Errorf("reading file stat: %w", err)
		}

		if mtime := fi.ModTime(); !mtime.Add(r.staleness).After(updTime) {
			return "", nil
		}
	}

	b := &strings.Builder{}
	_, err = io.Copy(b, file)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}

	return b.String(), nil
}

// refreshFromURL loads the data from the upstream URL, writes it atomically
// into the file named by cachePath, and returns its content.  The cache
// file's atime and mtime are set to updTime.
func (r *Refreshable) refreshFromURL(ctx context.Context, updTime time.Time) (text string, err error) {
	tmpDir := renameio.TempDir(filepath.Dir(r.cachePath))
	tmpFile, err := renameio.TempFile(tmpDir, r.cachePath)
	if err != nil {
		return "", fmt.Errorf("creating temporary file: %w", err)
	}
	defer func() { err = r.withDeferredTmpCleanup(err, tmpFile, updTime) }()

	body, err := r.http.Get(ctx, r.url)
	if err != nil {
		return "", fmt.Errorf("requesting: %w", err)
	}

	if len(body) == 0 {
		return "", errors.Error("empty response body, not resetting cache")
	}

	_, err = tmpFile.Write(body)
	if err != nil {
		return "", fmt.Errorf("writing into temporary file: %w", err)
	}

	return string(body), nil
}

// withDeferredTmpCleanup performs the necessary cleanup and finalization of
// the temporary file based on the returned error.
func (r *Refreshable) withDeferredTmpCleanup(
	returned error,
	tmpFile *renameio.PendingFile,
	updTime time.Time,
) (err error) {
	if returned != nil {
		return errors.WithDeferred(returned, tmpFile.Cleanup())
	}

	err = tmpFile.CloseAtomicallyReplace()
	if err != nil {
		return errors.WithDeferred(nil, err)
	}

	return errors.WithDeferred(nil, os.Chtimes(r.cachePath, updTime, updTime))
}
