// Package pipeline implements the batch driver that walks a directory of
// per-site capture files and enriches each with the domain, cookie, and
// storage analyses (C6, C7, C8, C9), per §5's concurrency model and §6's
// capture-file conventions.  There is no single equivalent in the Python
// original, which spreads this orchestration across several standalone
// driver scripts invoked by hand; this package unifies them into one
// bounded worker pool built from a small owning struct wired up once at
// startup and handed immutable shared state.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	renameio "github.com/google/renameio/v2"
	"github.com/webprivacy/analysisengine/internal/cookieanalysis"
	"github.com/webprivacy/analysisengine/internal/cookieclassify"
	"github.com/webprivacy/analysisengine/internal/cookiedb"
	"github.com/webprivacy/analysisengine/internal/domainanalysis"
	"github.com/webprivacy/analysisengine/internal/entity"
	"github.com/webprivacy/analysisengine/internal/errcoll"
	"github.com/webprivacy/analysisengine/internal/filterlist"
	"github.com/webprivacy/analysisengine/internal/metrics"
	"github.com/webprivacy/analysisengine/internal/pslindex"
	"github.com/webprivacy/analysisengine/internal/resolve"
	"github.com/webprivacy/analysisengine/internal/storageanalysis"
	"github.com/webprivacy/analysisengine/internal/trackerdb"
)

// Indices bundles the read-mostly shared state every site analysis
// consults.  Constructed once at startup and passed by reference to every
// worker (§9: "Global state (PSL, filters) -> config struct passed in.
// Construct one Indices object at startup; pass as immutable reference to
// every analyzer").
type Indices struct {
	PSL      *pslindex.Index
	Resolver *resolve.Resolver
	Filters  *filterlist.Matcher
	Trackers *trackerdb.DB
	CookieDB *cookiedb.KnowledgeBase
}

// Config is the configuration structure for [New].
type Config struct {
	// Logger is used for per-file diagnostics.
	Logger *slog.Logger

	// ErrColl receives non-fatal per-file errors (§7).
	ErrColl errcoll.Interface

	// Indices is the shared state constructed at startup.
	Indices *Indices

	// Workers bounds the worker pool size.  If <= 0, defaults to
	// max(1, runtime.NumCPU()-1) per §5.
	Workers int

	// Force re-runs analysis even on a record that already carries
	// enrichment fields (§6's --force flag).
	Force bool

	// LookupUnknown enables C9's second, batched-lookup pass against the
	// external cookie collaborator.
	LookupUnknown bool

	// Verbose prints a per-site summary line after each file, grounded on
	// the Python original's print_site_summary (cookie_classifier.py).
	Verbose bool
}

// Driver walks a directory of capture files and enriches each one.
type Driver struct {
	logger  *slog.Logger
	errColl errcoll.Interface
	idx     *Indices

	domainAnalyzer  *domainanalysis.Analyzer
	cookieAnalyzer  *cookieanalysis.Analyzer
	storageAnalyzer *storageanalysis.Analyzer
	classifier      *cookieclassify.Classifier

	workers       int
	force         bool
	lookupUnknown bool
	verbose       bool
}

// New returns a new *Driver.
func New(c *Config) (d *Driver) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := c.Workers
	if workers <= 0 {
		workers = defaultWorkers()
	}

	return &Driver{
		logger:  logger,
		errColl: c.ErrColl,
		idx:     c.Indices,

		domainAnalyzer:  domainanalysis.New(c.Indices.PSL, c.Indices.Resolver, c.Indices.Filters, c.Indices.Trackers),
		cookieAnalyzer:  cookieanalysis.New(),
		storageAnalyzer: storageanalysis.New(),
		classifier:      cookieclassify.New(c.Indices.CookieDB),

		workers:       workers,
		force:         c.Force,
		lookupUnknown: c.LookupUnknown,
		verbose:       c.Verbose,
	}
}

// defaultWorkers returns max(1, num_cores - 1), the suggested default pool
// size per §5.
func defaultWorkers() (n int) {
	n = runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}

	return n
}

// Result summarizes one capture file's processing outcome, for the
// driver's caller to tally.
type Result struct {
	Path    string
	Skipped bool
	Err     error
}

// Run walks root (optionally restricted to a profile subdirectory, §6's
// --profile flag), enriching every matching capture file across a bounded
// pool of d.workers goroutines.  A malformed individual file is reported
// through errColl and skipped; Run itself only returns an error for
// directory-level I/O failures.
func (d *Driver) Run(ctx context.Context, root string, profile string) (results []Result, err error) {
	dir := root
	if profile != "" {
		dir = filepath.Join(root, profile)
	}

	paths, err := collectCaptureFiles(dir)
	if err != nil {
		return nil, errors.Annotate(err, "pipeline: listing capture files in %q: %w", dir)
	}

	jobs := make(chan string)
	resultsCh := make(chan Result)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for path := range jobs {
				resultsCh <- d.processFile(ctx, path)
			}
		}()
	}

	go func() {
		defer close(jobs)

		for _, p := range paths {
			select {
			case jobs <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	for res := range resultsCh {
		results = append(results, res)
	}

	return results, nil
}

// collectCaptureFiles returns every *.json file under dir, recursively, in
// sorted order (per directory walk order, which filepath.WalkDir already
// guarantees is lexical).
func collectCaptureFiles(dir string) (paths []string, err error) {
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if entry.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		paths = append(paths, path)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return paths, nil
}

// processFile loads, enriches, and saves a single capture file.
func (d *Driver) processFile(ctx context.Context, path string) (res Result) {
	res.Path = path

	rec, err := loadRecord(path)
	if err != nil {
		errcoll.Collect(ctx, d.errColl, d.logger, "pipeline: malformed capture file "+path, err)

		res.Err = err

		return res
	}

	if !d.force && alreadyAnalyzed(rec) {
		res.Skipped = true

		if d.verbose {
			printSiteSummary(rec)
		}

		return res
	}

	d.analyze(ctx, rec)

	if err = saveRecord(path, rec); err != nil {
		errcoll.Collect(ctx, d.errColl, d.logger, "pipeline: saving "+path, err)

		res.Err = err

		return res
	}

	if d.verbose {
		printSiteSummary(rec)
	}

	return res
}

// analyze runs the component chain over rec in the mandated order: C6
// first, then C9, then C7 and C8 (§5: "Within one site record, C6 happens
// before {C7, C8, C9}"; C9 runs before C7 so that C7's aggregate counts
// see the final classification).
func (d *Driver) analyze(ctx context.Context, rec *entity.SiteRecord) {
	func() {
		defer metrics.Timer(metrics.ComponentDomainAnalysis)()
		d.domainAnalyzer.Analyze(ctx, rec)
	}()

	func() {
		defer metrics.Timer(metrics.ComponentCookieClassify)()
		d.classifier.Classify(ctx, rec, d.lookupUnknown)
	}()

	func() {
		defer metrics.Timer(metrics.ComponentCookieAnalysis)()
		d.cookieAnalyzer.Analyze(rec)
	}()

	func() {
		defer metrics.Timer(metrics.ComponentStorageAnalysis)()
		d.storageAnalyzer.Analyze(rec)
	}()
}

// alreadyAnalyzed reports whether rec already carries every analysis
// field, making it a no-op candidate for a --force=false run (§8's
// round-trip property).
func alreadyAnalyzed(rec *entity.SiteRecord) (yes bool) {
	return rec.DomainAnalysis != nil && rec.CookieAnalysis != nil && rec.StorageAnalysis != nil
}

// loadRecord reads and parses a capture file.
func loadRecord(path string) (rec *entity.SiteRecord, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}

	rec = &entity.SiteRecord{}
	if err = json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	return rec, nil
}

// saveRecord writes rec back to path atomically (write-temp-then-rename),
// mirroring the persistence convention used by every cache in this engine.
func saveRecord(path string, rec *entity.SiteRecord) (err error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}

	t, err := renameio.TempFile(renameio.TempDir(filepath.Dir(path)), path)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, t.Cleanup()) }()

	if _, err = t.Write(data); err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	if err = t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replacing: %w", err)
	}

	return nil
}

// printSiteSummary prints a one-site human-readable digest to stdout,
// grounded on the Python original's print_site_summary
// (analyzers/cookie_classifier.py), which reports cookie and tracker
// counts after each site finishes.
func printSiteSummary(rec *entity.SiteRecord) {
	var b strings.Builder

	fmt.Fprintf(&b, "%s", rec.Domain)

	if da := rec.DomainAnalysis; da != nil && da.Statistics != nil {
		fmt.Fprintf(&b, "  trackers=%d/%d", da.Statistics.Trackers.Total, da.Statistics.TotalDomains)
	}

	if ca := rec.CookieAnalysis; ca != nil {
		fmt.Fprintf(&b, "  cookies=%d (identified=%d unidentified=%d 3p=%d)",
			ca.UniqueCookies, ca.IdentifiedCookies, ca.UnidentifiedCookies, ca.ThirdPartyCookies)
	}

	if sa := rec.StorageAnalysis; sa != nil && sa.PotentialIdentifiers != nil {
		fmt.Fprintf(&b, "  storage_identifiers=%d",
			sa.PotentialIdentifiers.LocalStorageCount+sa.PotentialIdentifiers.SessionStorageCount)
	}

	fmt.Fprintf(&b, "  analyzed_at=%s", time.Now().UTC().Format(time.RFC3339))

	fmt.Println(b.String())
}
