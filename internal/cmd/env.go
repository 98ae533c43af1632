package cmd

import (
	"os"
	"time"

	"github.com/caarlos0/env/v7"
	"github.com/getsentry/sentry-go"
	"github.com/webprivacy/analysisengine/internal/errcoll"
)

// environments represents the configuration that is kept in the
// environment, following the split AdGuardDNS makes between environment
// variables (paths, URLs, secrets) and command-line flags (per-run
// behavior).
type environments struct {
	PSLCachePath     string   `env:"PSL_CACHE_PATH" envDefault:"data/public_suffix_list.dat"`
	PSLURL           string   `env:"PSL_URL"`
	FilterDir        string   `env:"FILTER_DIR" envDefault:"data/filters"`
	FilterCacheDir   string   `env:"FILTER_CACHE_DIR" envDefault:"data/cache/filters"`
	TrackerDBPath    string   `env:"TRACKER_DB_PATH"`
	CookieDBPath     string   `env:"COOKIE_DB_PATH" envDefault:"data/db+ref/cookie_database.json"`
	ResolverCacheDir string   `env:"RESOLVER_CACHE_DIR" envDefault:"data/cache"`
	Nameservers      []string `env:"NAMESERVERS" envSeparator:","`

	SentryDSN string `env:"SENTRY_DSN" envDefault:"stderr"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
}

// readEnvs reads the environment into a new *environments.
func readEnvs() (envs *environments, err error) {
	envs = &environments{}
	if err = env.Parse(envs); err != nil {
		return nil, err
	}

	return envs, nil
}

// buildErrColl builds an error collector from envs, using Sentry when a
// DSN is configured and falling back to stderr otherwise.
func (envs *environments) buildErrColl() (errColl errcoll.Interface, err error) {
	dsn := envs.SentryDSN
	if dsn == "stderr" || dsn == "" {
		return errcoll.NewWriterErrorCollector(os.Stderr), nil
	}

	cli, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}

	return errcoll.NewSentryErrorCollector(cli), nil
}
