package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/casualjim/roost/bus"
	"github.com/casualjim/roost/events"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/k0kubun/pp/v3"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// PublishCmd publishes one event.
type PublishCmd struct {
	Topic         string `arg:"" help:"Event topic (namespace:action)."`
	Data          string `arg:"" optional:"" help:"JSON payload, '-' reads stdin." default:"null"`
	Source        string `short:"s" help:"Publishing agent." default:"cli"`
	Kind          string `help:"Payload kind (defaults to the topic namespace)."`
	CorrelationID string `name:"correlation-id" short:"c" help:"Correlation id grouping related events."`
	Priority      string `short:"p" help:"Priority (low, normal, high, critical)." default:"normal"`
}

func (c *PublishCmd) Run(ctx context.Context, cli *CLI) error {
	data, err := readJSONArg(c.Data, os.Stdin)
	if err != nil {
		return err
	}
	prio, err := events.ParsePriority(c.Priority)
	if err != nil {
		return err
	}

	s, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	options := []bus.PublishOption{bus.WithPriority(prio)}
	if c.CorrelationID != "" {
		options = append(options, bus.WithCorrelationID(c.CorrelationID))
	}
	ev, err := s.Bus().Publish(ctx, c.Topic, events.Payload{Kind: c.Kind, Data: data}, c.Source, options...)
	if err != nil {
		return err
	}
	fmt.Println(ev.ID)
	return nil
}

// filterFlags are shared by the commands that read stored events.
type filterFlags struct {
	Topic         string        `short:"t" help:"Topic or pattern (validation:*, *, pattern:?iscovered)."`
	Source        string        `short:"s" help:"Only events from this source."`
	CorrelationID string        `name:"correlation-id" short:"c" help:"Only events with this correlation id."`
	Since         time.Duration `help:"Only events newer than this age."`
	Limit         int           `short:"n" help:"Maximum number of events (0 = all)." default:"50"`
}

func (f filterFlags) filter(now time.Time) bus.Filter {
	filter := bus.Filter{
		Topic:         f.Topic,
		Source:        f.Source,
		CorrelationID: f.CorrelationID,
		Limit:         f.Limit,
	}
	if f.Since > 0 {
		filter.Since = now.Add(-f.Since)
	}
	return filter
}

// EventsCmd lists stored events.
type EventsCmd struct {
	Filter filterFlags `embed:""`

	JSON bool `help:"Print one JSON event per line."`
}

func (c *EventsCmd) Run(ctx context.Context, cli *CLI) error {
	s, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	list, err := s.Bus().GetEvents(ctx, c.Filter.filter(time.Now()))
	if err != nil {
		return err
	}
	for _, ev := range list {
		if err := writeEvent(os.Stdout, ev, c.JSON); err != nil {
			return err
		}
	}
	return nil
}

// ReplayCmd prints stored events oldest first.
type ReplayCmd struct {
	Filter filterFlags `embed:""`

	Pretty bool `help:"Pretty print whole events."`
}

func (c *ReplayCmd) Run(ctx context.Context, cli *CLI) error {
	s, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	printer := pp.New()
	printer.SetColoringEnabled(!color.NoColor)
	n, err := s.Bus().ReplayEvents(ctx, func(_ context.Context, ev events.Event) error {
		if c.Pretty {
			_, err := printer.Println(ev)
			return err
		}
		return writeEvent(os.Stdout, ev, false)
	}, c.Filter.filter(time.Now()))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "replayed %d events\n", n)
	return nil
}

// StatsCmd shows event counts.
type StatsCmd struct {
	JSON bool `help:"Print as JSON."`
}

func (c *StatsCmd) Run(ctx context.Context, cli *CLI) error {
	s, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	stats, err := s.Bus().Stats(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(statsJSON(stats))
	}
	return writeStats(os.Stdout, stats)
}

// CleanupCmd deletes old events.
type CleanupCmd struct {
	MaxAge time.Duration `name:"max-age" help:"Delete events older than this." default:"168h"`
}

func (c *CleanupCmd) Run(ctx context.Context, cli *CLI) error {
	s, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	n, err := s.Bus().Cleanup(ctx, c.MaxAge)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d events older than %s\n", n, c.MaxAge)
	return nil
}

// AuditCmd lists subscription audit entries.
type AuditCmd struct {
	Owner string `arg:"" optional:"" help:"Only this owner."`
}

func (c *AuditCmd) Run(ctx context.Context, cli *CLI) error {
	s, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	entries, err := s.Audit(ctx, c.Owner)
	if err != nil {
		return err
	}
	for _, e := range entries {
		action := color.GreenString(e.Action)
		if e.Action != "subscribe" {
			action = color.RedString(e.Action)
		}
		fmt.Printf("%s %-11s %s %s %s\n",
			color.HiBlackString(e.Timestamp.Format(time.RFC3339)), action,
			color.YellowString(e.OwnerID), color.CyanString(e.Pattern), e.SubscriptionID)
	}
	return nil
}

// readJSONArg returns the JSON in arg, or read from stdin when arg is "-".
func readJSONArg(arg string, stdin io.Reader) (json.RawMessage, error) {
	raw := []byte(arg)
	if arg == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = bytes.TrimSpace(b)
	}
	if len(raw) == 0 {
		return nil, errors.New("empty json input")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid json: %s", truncate(string(raw), 80))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEvent(w io.Writer, ev events.Event, asJSON bool) error {
	if asJSON {
		b, err := events.ToJSON(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	}

	var sb strings.Builder
	sb.WriteString(color.HiBlackString(ev.Time().Format(time.RFC3339Nano)))
	sb.WriteByte(' ')
	sb.WriteString(color.CyanString(ev.Topic))
	sb.WriteByte(' ')
	sb.WriteString(color.YellowString(ev.Source))
	if ev.Priority != events.PriorityNormal {
		sb.WriteString(" [" + color.MagentaString(ev.Priority.String()) + "]")
	}
	if ev.CorrelationID != "" {
		sb.WriteString(" corr=" + ev.CorrelationID)
	}
	if !ev.Payload.IsZero() {
		sb.WriteByte(' ')
		sb.WriteString(truncate(string(ev.Payload.Data), 200))
	}
	_, err := fmt.Fprintln(w, sb.String())
	return err
}

type statsView struct {
	TotalEvents         int64                                 `json:"total_events"`
	EventsLast24h       int64                                 `json:"events_last_24h"`
	ActiveSubscriptions int                                   `json:"active_subscriptions"`
	EventsByTopic       *orderedmap.OrderedMap[string, int64] `json:"events_by_topic"`
}

func statsJSON(s bus.Stats) statsView {
	byTopic := s.EventsByTopic
	if byTopic == nil {
		byTopic = orderedmap.New[string, int64]()
	}
	return statsView{
		TotalEvents:         s.TotalEvents,
		EventsLast24h:       s.EventsLast24h,
		ActiveSubscriptions: s.ActiveSubscriptions,
		EventsByTopic:       byTopic,
	}
}

func writeStats(w io.Writer, s bus.Stats) error {
	fmt.Fprintf(w, "%s %d\n", color.HiBlackString("total events:"), s.TotalEvents)
	fmt.Fprintf(w, "%s %d\n", color.HiBlackString("last 24h:    "), s.EventsLast24h)
	fmt.Fprintf(w, "%s %d\n", color.HiBlackString("subscribers: "), s.ActiveSubscriptions)
	if s.EventsByTopic == nil {
		return nil
	}
	for pair := s.EventsByTopic.Oldest(); pair != nil; pair = pair.Next() {
		if _, err := fmt.Fprintf(w, "  %-40s %d\n", color.CyanString(pair.Key), pair.Value); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
