// Package config declares the settings of a roost process. Each field maps to
// a command-line flag and an environment variable, and carries a default.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/alecthomas/kong"
	"github.com/casualjim/roost/bridge"
	"github.com/casualjim/roost/bus"
	"github.com/casualjim/roost/internal/store"
	"github.com/robfig/cron/v3"
)

// Config is the full configuration surface. Embed it in a kong command to get
// the flags, or call Default for library use.
type Config struct {
	Store     Store     `embed:"" prefix:"store-" group:"Store"`
	Bus       Bus       `embed:"" prefix:"bus-" group:"Bus"`
	Graph     Graph     `embed:"" prefix:"graph-" group:"Knowledge worker"`
	Retention Retention `embed:"" prefix:"retention-" group:"Retention"`
	NATS      NATS      `embed:"" prefix:"nats-" group:"NATS"`
}

// Store selects the event database.
type Store struct {
	Driver string `help:"Database driver (sqlite, postgres, mysql)." default:"sqlite3" env:"ROOST_STORE_DRIVER"`
	DSN    string `name:"dsn" help:"Database DSN or SQLite file path." default:"roost.db" env:"ROOST_STORE_DSN"`
}

// Bus tunes event dispatch.
type Bus struct {
	DispatchLimit  int           `help:"Subscriptions notified concurrently per publish." default:"8" env:"ROOST_BUS_DISPATCH_LIMIT"`
	HandlerTimeout time.Duration `help:"Per-handler time bound (0 = none)." default:"0s" env:"ROOST_BUS_HANDLER_TIMEOUT"`
}

// Graph describes the knowledge worker process.
type Graph struct {
	Command         string        `help:"Worker executable." default:"python3" env:"ROOST_GRAPH_COMMAND"`
	Script          string        `help:"Script passed as the first worker argument." env:"ROOST_GRAPH_SCRIPT"`
	Args            []string      `help:"Extra worker arguments." env:"ROOST_GRAPH_ARGS"`
	Dir             string        `help:"Worker working directory." env:"ROOST_GRAPH_DIR"`
	CacheMaxEntries int           `help:"Query cache capacity." default:"100" env:"ROOST_GRAPH_CACHE_MAX_ENTRIES"`
	CacheTTL        time.Duration `name:"cache-ttl" help:"Query cache entry lifetime." default:"60s" env:"ROOST_GRAPH_CACHE_TTL"`
	QueryTimeout    time.Duration `help:"Graph query timeout." default:"3s" env:"ROOST_GRAPH_QUERY_TIMEOUT"`
	UpdateTimeout   time.Duration `help:"Graph update timeout." default:"10s" env:"ROOST_GRAPH_UPDATE_TIMEOUT"`
	MetricsEvery    int           `help:"Emit a metrics summary every N samples." default:"20" env:"ROOST_GRAPH_METRICS_EVERY"`
	MaxInFlight     int           `name:"max-in-flight" help:"Outstanding worker calls before new ones are refused." default:"256" env:"ROOST_GRAPH_MAX_IN_FLIGHT"`
	StopGrace       time.Duration `help:"Wait this long for the worker to exit before killing it." default:"2s" env:"ROOST_GRAPH_STOP_GRACE"`
}

// Retention schedules removal of old events.
type Retention struct {
	Schedule string        `help:"Cron schedule for cleanup." default:"@every 1h" env:"ROOST_RETENTION_SCHEDULE"`
	MaxAge   time.Duration `help:"Delete events older than this (0 disables cleanup)." default:"168h" env:"ROOST_RETENTION_MAX_AGE"`
}

// NATS enables the relay when URL is set.
type NATS struct {
	URL    string `name:"url" help:"NATS server URL (empty disables the relay)." env:"NATS_URL"`
	Prefix string `help:"Subject prefix for relayed events." default:"roost" env:"ROOST_NATS_PREFIX"`
}

// Default returns the configuration with every default applied and no
// environment overrides.
func Default() Config {
	return Config{
		Store: Store{Driver: store.DriverSQLite, DSN: "roost.db"},
		Bus:   Bus{DispatchLimit: bus.DefaultDispatchLimit},
		Graph: Graph{
			Command:         "python3",
			CacheMaxEntries: bridge.DefaultCacheMaxEntries,
			CacheTTL:        bridge.DefaultCacheTTL,
			QueryTimeout:    bridge.DefaultQueryTimeout,
			UpdateTimeout:   bridge.DefaultUpdateTimeout,
			MetricsEvery:    bridge.DefaultMetricsEvery,
			MaxInFlight:     bridge.DefaultMaxInFlight,
			StopGrace:       bridge.DefaultStopGrace,
		},
		Retention: Retention{Schedule: "@every 1h", MaxAge: 7 * 24 * time.Hour},
		NATS:      NATS{Prefix: "roost"},
	}
}

// Load resolves flags and environment variables into a Config.
func Load(args []string, options ...kong.Option) (Config, error) {
	var cfg Config
	options = append([]kong.Option{kong.Name("roost")}, options...)
	parser, err := kong.New(&cfg, options...)
	if err != nil {
		return Config{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if _, err := store.NormalizeDriver(c.Store.Driver); err != nil {
		errs = append(errs, err)
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store dsn is required"))
	}
	if c.Bus.DispatchLimit < 1 {
		errs = append(errs, fmt.Errorf("bus dispatch limit must be positive, got %d", c.Bus.DispatchLimit))
	}
	if c.Bus.HandlerTimeout < 0 {
		errs = append(errs, errors.New("bus handler timeout must not be negative"))
	}
	if err := c.BridgeConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("retention max age must not be negative"))
	}
	if c.Retention.MaxAge > 0 {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid retention schedule %q: %w", c.Retention.Schedule, err))
		}
	}
	return errors.Join(errs...)
}

// StoreOptions returns the settings for store.Open.
func (c Config) StoreOptions() store.Options {
	return store.Options{Driver: c.Store.Driver, DSN: c.Store.DSN}
}

// BusOptions returns the dispatch settings as bus options.
func (c Config) BusOptions() []bus.Option {
	return []bus.Option{
		bus.WithDispatchLimit(c.Bus.DispatchLimit),
		bus.WithHandlerTimeout(c.Bus.HandlerTimeout),
	}
}

// BridgeConfig returns the knowledge worker settings.
func (c Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		Command:         c.Graph.Command,
		Script:          c.Graph.Script,
		Args:            c.Graph.Args,
		Dir:             c.Graph.Dir,
		CacheMaxEntries: c.Graph.CacheMaxEntries,
		CacheTTL:        c.Graph.CacheTTL,
		QueryTimeout:    c.Graph.QueryTimeout,
		UpdateTimeout:   c.Graph.UpdateTimeout,
		MetricsEvery:    c.Graph.MetricsEvery,
		MaxInFlight:     c.Graph.MaxInFlight,
		StopGrace:       c.Graph.StopGrace,
	}
}

// RelayEnabled reports whether events should be mirrored to NATS.
func (c Config) RelayEnabled() bool {
	return c.NATS.URL != ""
}
