// Package cmd is the analysis engine's entry point: environment-driven
// configuration, the cobra CLI surface, and the startup sequence that
// builds the shared indices and hands them to [pipeline.Driver].  Modeled
// on AdGuardDNS's own internal/cmd: a thin Main() that reads envs, builds
// an error collector, builds the domain indices, then runs.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/webprivacy/analysisengine/internal/errcoll"
	"github.com/webprivacy/analysisengine/internal/pipeline"
)

// runFlags holds the per-run behavior controlled by command-line flags, as
// opposed to the environment-controlled paths and URLs in [environments]
// (§6's CLI surface: --profile, --workers, --force,
// --lookup-unknown/--no-lookup-unknown, --verbose).
type runFlags struct {
	profile       string
	workers       int
	force         bool
	lookupUnknown bool
	verbose       bool
}

// Main is the entry point of the analysis engine CLI.
func Main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the cobra root command.
func newRootCmd() (root *cobra.Command) {
	flags := &runFlags{}
	noLookupUnknown := false

	root = &cobra.Command{
		Use:   "analyzer <data-dir>",
		Short: "Enriches post-crawl site capture files with privacy analysis.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if noLookupUnknown {
				flags.lookupUnknown = false
			}

			return run(args[0], flags)
		},
	}

	flgs := root.Flags()
	flgs.StringVar(&flags.profile, "profile", "", "restrict analysis to this profile subdirectory")
	flgs.IntVar(&flags.workers, "workers", 0, "worker pool size (default: num CPUs - 1)")
	flgs.BoolVar(&flags.force, "force", false, "re-run analysis even on already-enriched records")
	flgs.BoolVar(&flags.lookupUnknown, "lookup-unknown", true, "look up unknown cookie names against the cookie database")
	flgs.BoolVar(&noLookupUnknown, "no-lookup-unknown", false, "disable cookie database lookups of unknown names (overrides --lookup-unknown)")
	flgs.BoolVar(&flags.verbose, "verbose", false, "print a summary line per site after processing")

	return root
}

// run executes one batch pass over dataDir.
func run(dataDir string, flags *runFlags) (err error) {
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: verbosityLevel(flags.verbose),
	}))

	envs, err := readEnvs()
	if err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	errColl, err := envs.buildErrColl()
	if err != nil {
		return fmt.Errorf("building error collector: %w", err)
	}

	logger.Info("starting analysis engine", "data_dir", dataDir, "profile", flags.profile)

	idx, err := buildIndices(ctx, envs, logger, errColl)
	if err != nil {
		// Fatal per §7: missing indices at startup means the process
		// refuses to start.
		return fmt.Errorf("building indices: %w", err)
	}

	// §4.2/§4.3: caches are persisted to disk on process exit.  Save
	// failures are logged and don't affect the exit code (§7: "Cache save
	// failures: log and continue").
	defer func() {
		if serr := idx.Resolver.Save(); serr != nil {
			errcoll.Collect(ctx, errColl, logger, "saving resolver caches", serr)
		}
		if serr := idx.Filters.SaveMatchCache(); serr != nil {
			errcoll.Collect(ctx, errColl, logger, "saving filter match cache", serr)
		}
		if serr := idx.CookieDB.Save(); serr != nil {
			errcoll.Collect(ctx, errColl, logger, "saving cookie knowledge base", serr)
		}
	}()

	driver := pipeline.New(&pipeline.Config{
		Logger:        logger,
		ErrColl:       errColl,
		Indices:       idx,
		Workers:       flags.workers,
		Force:         flags.force,
		LookupUnknown: flags.lookupUnknown,
		Verbose:       flags.verbose,
	})

	start := time.Now()

	results, err := driver.Run(ctx, dataDir, flags.profile)
	if err != nil {
		return fmt.Errorf("running analysis: %w", err)
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}

	logger.Info("analysis complete",
		"files", len(results),
		"failed", failed,
		"elapsed", time.Since(start),
	)

	if sentryColl, ok := errColl.(interface{ Flush() }); ok {
		sentryColl.Flush()
	}

	return nil
}

// verbosityLevel returns slog.LevelDebug when verbose is set, else
// slog.LevelInfo.
func verbosityLevel(verbose bool) (level slog.Level) {
	if verbose {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}
