package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fogfish/opts"
	"github.com/prometheus/client_golang/prometheus"
)

// Defaults applied to zero Config fields.
const (
	DefaultCacheMaxEntries = 100
	DefaultCacheTTL        = 60 * time.Second
	DefaultQueryTimeout    = 3 * time.Second
	DefaultUpdateTimeout   = 10 * time.Second
	DefaultMetricsEvery    = 20
	DefaultMetricsWindow   = 200
	DefaultMaxInFlight     = 256
	DefaultMaxLineBytes    = 16 << 20
	DefaultStopGrace       = 2 * time.Second
)

// Config describes how to launch the worker and how the bridge behaves.
type Config struct {
	// Command is the executable. A relative path containing a separator is
	// resolved against the working directory; a bare name is looked up in PATH.
	Command string
	// Script is passed as the first argument when set, resolved to an
	// absolute path.
	Script string
	Args   []string
	Dir    string
	// Env is appended to the bridge's own environment.
	Env []string

	CacheMaxEntries int
	CacheTTL        time.Duration
	QueryTimeout    time.Duration
	UpdateTimeout   time.Duration
	MetricsEvery    int
	MetricsWindow   int
	MaxInFlight     int
	MaxLineBytes    int
	StopGrace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = DefaultCacheMaxEntries
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.UpdateTimeout == 0 {
		c.UpdateTimeout = DefaultUpdateTimeout
	}
	if c.MetricsEvery == 0 {
		c.MetricsEvery = DefaultMetricsEvery
	}
	if c.MetricsWindow == 0 {
		c.MetricsWindow = DefaultMetricsWindow
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxLineBytes == 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Command == "" {
		errs = append(errs, errors.New("worker command is required"))
	}
	for _, f := range []struct {
		name  string
		value int64
	}{
		{"cache max entries", int64(c.CacheMaxEntries)},
		{"cache ttl", int64(c.CacheTTL)},
		{"query timeout", int64(c.QueryTimeout)},
		{"update timeout", int64(c.UpdateTimeout)},
		{"metrics every", int64(c.MetricsEvery)},
		{"metrics window", int64(c.MetricsWindow)},
		{"max in-flight", int64(c.MaxInFlight)},
		{"max line bytes", int64(c.MaxLineBytes)},
		{"stop grace", int64(c.StopGrace)},
	} {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}
	return errors.Join(errs...)
}

func (c Config) resolvePaths() (Config, error) {
	if c.Command != "" && !filepath.IsAbs(c.Command) && strings.ContainsRune(c.Command, filepath.Separator) {
		abs, err := filepath.Abs(c.Command)
		if err != nil {
			return c, fmt.Errorf("failed to resolve worker command: %w", err)
		}
		c.Command = abs
	}
	if c.Script != "" && !filepath.IsAbs(c.Script) {
		abs, err := filepath.Abs(c.Script)
		if err != nil {
			return c, fmt.Errorf("failed to resolve worker script: %w", err)
		}
		c.Script = abs
	}
	return c, nil
}

// DiagnosticFunc receives protocol diagnostics.
type DiagnosticFunc func(context.Context, Diagnostic)

// MetricsFunc receives periodic metric summaries.
type MetricsFunc func(context.Context, MetricsSnapshot)

// Option configures a Bridge.
type Option = opts.Option[Bridge]

var (
	WithLogger          = opts.ForName[Bridge, *slog.Logger]("logger")
	WithDiagnostics     = opts.ForName[Bridge, DiagnosticFunc]("onDiagnostic")
	WithMetricsReporter = opts.ForName[Bridge, MetricsFunc]("onMetrics")
	WithRegisterer      = opts.ForName[Bridge, prometheus.Registerer]("registerer")
	// WithClock replaces time.Now for cache expiry.
	WithClock = opts.ForName[Bridge, func() time.Time]("clock")
)
