// Command roost operates a coordination substrate: it serves the event bus and
// the knowledge worker bridge, and inspects or feeds them from the shell.
//
// Usage:
//
//	roost serve --addr :9464
//	roost publish validation:completed '{"rows":120}' --source validator
//	roost events --topic 'pattern:*' --limit 20
//	roost query '{"text":"churn drivers"}'
//	roost schema event
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/casualjim/roost"
	"github.com/casualjim/roost/internal/config"
	"github.com/casualjim/roost/pkg/slogx"
	"github.com/fatih/color"
	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

// CLI defines the command-line interface.
type CLI struct {
	Config config.Config `embed:""`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"ROOST_LOG_LEVEL"`
	NoColor  bool   `help:"Disable colored output." env:"ROOST_NO_COLOR"`

	Serve   ServeCmd   `cmd:"" help:"Run the substrate and expose metrics, health and stats over HTTP."`
	Publish PublishCmd `cmd:"" help:"Publish an event."`
	Events  EventsCmd  `cmd:"" help:"List stored events, newest first."`
	Replay  ReplayCmd  `cmd:"" help:"Print stored events oldest first."`
	Stats   StatsCmd   `cmd:"" help:"Show event counts."`
	Cleanup CleanupCmd `cmd:"" help:"Delete events older than a given age."`
	Audit   AuditCmd   `cmd:"" help:"Show the subscription audit trail."`
	Query   QueryCmd   `cmd:"" help:"Run a knowledge graph query."`
	Update  UpdateCmd  `cmd:"" help:"Apply a knowledge graph update."`
	Schema  SchemaCmd  `cmd:"" help:"Print JSON schemas for events and the worker protocol."`
}

func (c *CLI) setupLogging() error {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	color.NoColor = color.NoColor || c.NoColor
	slog.SetDefault(newLogger(os.Stderr, level, color.NoColor))
	return nil
}

// open builds a substrate from the shared flags.
func (c *CLI) open(ctx context.Context, options ...roost.Option) (*roost.Substrate, error) {
	return roost.Open(ctx, c.Config, append([]roost.Option{roost.WithLogger(slog.Default())}, options...)...)
}

func closeSubstrate(s *roost.Substrate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		slog.Error("failed to close substrate", slogx.Error(err))
	}
}

func newLogger(w io.Writer, level slog.Level, noColor bool) *slog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp, NoColor: noColor}
	log := zerolog.New(output).With().Timestamp().Logger()
	return slog.New(zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("roost"),
		kong.Description("Coordination substrate for workflow agents: durable event bus and knowledge worker bridge."),
		kong.UsageOnError(),
		kong.BindTo(context.Background(), (*context.Context)(nil)),
	)
	ctx.FatalIfErrorf(cli.setupLogging())
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
