package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/webprivacy/analysisengine/internal/cookiedb"
	"github.com/webprivacy/analysisengine/internal/errcoll"
	"github.com/webprivacy/analysisengine/internal/filterlist"
	"github.com/webprivacy/analysisengine/internal/pipeline"
	"github.com/webprivacy/analysisengine/internal/pslindex"
	"github.com/webprivacy/analysisengine/internal/resolve"
	"github.com/webprivacy/analysisengine/internal/svcutil"
	"github.com/webprivacy/analysisengine/internal/trackerdb"
)

// buildIndices constructs the single, immutable [pipeline.Indices] object
// shared by every worker (§9: "Construct one Indices object at startup;
// pass as immutable reference to every analyzer").  A failure to construct
// the public-suffix index or to load at least one filter list is fatal
// (§7: "Missing indices at startup ... fatal; the process refuses to
// start"), and so is a cookie knowledge base file that cannot be read or
// parsed; every other source degrades instead of aborting.
func buildIndices(
	ctx context.Context,
	envs *environments,
	logger *slog.Logger,
	errColl errcoll.Interface,
) (idx *pipeline.Indices, err error) {
	psl, err := pslindex.New(&pslindex.Config{
		Logger:    logger.With("component", "pslindex"),
		CachePath: envs.PSLCachePath,
		URL:       envs.PSLURL,
		Timeout:   envs.HTTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing public suffix index: %w", err)
	}

	pslRefr := svcutil.NewRefresherWithErrColl(
		svcutil.RefresherFunc(func(ctx context.Context) error {
			err := psl.Refresh(ctx, false)
			if err != nil {
				// Fall back to the cached copy regardless of its age; the
				// refresh error is still reported.
				_ = psl.Refresh(ctx, true)
			}

			return err
		}),
		logger,
		errColl,
		"public_suffix_index",
	)
	if rerr := pslRefr.Refresh(ctx); rerr != nil && psl.Len() == 0 {
		return nil, fmt.Errorf("no public suffix list reachable and none cached: %w", rerr)
	}

	sources, err := discoverFilterSources(envs.FilterDir, envs.FilterCacheDir)
	if err != nil {
		return nil, fmt.Errorf("discovering filter lists: %w", err)
	}

	matcher, loadErrs := filterlist.Load(ctx, &filterlist.Config{
		Logger:         logger.With("component", "filterlist"),
		Sources:        sources,
		Timeout:        envs.HTTPTimeout,
		MatchCachePath: filepath.Join(envs.FilterCacheDir, "match_results.gob"),
	})
	for _, lerr := range loadErrs {
		errcoll.Collect(ctx, errColl, logger, "loading filter list", lerr)
	}
	if len(matcher.Names()) == 0 {
		return nil, errors.Error("no filter list source could be loaded")
	}

	if lerr := matcher.LoadMatchCache(); lerr != nil {
		errcoll.Collect(ctx, errColl, logger, "loading filter match cache", lerr)
	}

	resolver := resolve.New(&resolve.Config{
		Logger:      logger.With("component", "resolve"),
		Nameservers: envs.Nameservers,
		CacheDir:    envs.ResolverCacheDir,
	})
	if lerr := resolver.Load(); lerr != nil {
		errcoll.Collect(ctx, errColl, logger, "loading resolver caches", lerr)
	}

	trackers, err := trackerdb.Load(&trackerdb.Config{
		Logger:       logger.With("component", "trackerdb"),
		OverridePath: envs.TrackerDBPath,
	})
	if err != nil && envs.TrackerDBPath != "" {
		errcoll.Collect(ctx, errColl, logger, "loading tracker database override", err)
		trackers, err = trackerdb.Load(&trackerdb.Config{Logger: logger.With("component", "trackerdb")})
	}
	if err != nil {
		return nil, fmt.Errorf("loading tracker database: %w", err)
	}

	kb, err := cookiedb.Open(&cookiedb.Config{
		Logger: logger.With("component", "cookiedb"),
		Path:   envs.CookieDBPath,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cookie knowledge base: %w", err)
	}

	return &pipeline.Indices{
		PSL:      psl,
		Resolver: resolver,
		Filters:  matcher,
		Trackers: trackers,
		CookieDB: kb,
	}, nil
}

// discoverFilterSources lists the `*_filter.txt` files directly under dir,
// per §6's "Plain-text files matching *_filter.txt under data/filters/",
// turning each into a file:// [filterlist.Source] in sorted (and therefore
// stable, precedence-determining) order, with its download cache path under
// cacheDir.
func discoverFilterSources(dir, cacheDir string) (sources []filterlist.Source, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_filter.txt") {
			continue
		}

		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		stem := strings.TrimSuffix(name, "_filter.txt")
		abs, aerr := filepath.Abs(filepath.Join(dir, name))
		if aerr != nil {
			return nil, aerr
		}

		sources = append(sources, filterlist.Source{
			Name:      stem,
			URL:       "file://" + abs,
			CachePath: filterlist.BaseCachePath(cacheDir, stem),
		})
	}

	return sources, nil
}
