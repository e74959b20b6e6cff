package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/casualjim/roost/events"
	"github.com/casualjim/roost/pkg/slogx"
	"github.com/nats-io/nats.go"
)

// HeaderOrigin identifies the relay that published a message.
const HeaderOrigin = "Roost-Origin"

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "roost"

// Connect opens a NATS connection. An empty url falls back to the NATS_URL
// environment variable, then to the NATS default URL.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	if url == "" {
		url = os.Getenv("NATS_URL")
	}
	if url == "" {
		url = nats.DefaultURL
	}
	if len(opts) == 0 {
		opts = append(opts, nats.Name("roost"), nats.Compression(true))
	}
	return nats.Connect(url, opts...)
}

// Relay mirrors bus events over a NATS connection.
type Relay struct {
	client *nats.Conn
	prefix string
	origin string
	logger *slog.Logger
}

// NATS creates a relay on client. Subjects are rooted at prefix.
func NATS(client *nats.Conn, prefix string) *Relay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Relay{
		client: client,
		prefix: strings.Trim(prefix, "."),
		origin: events.NewID().String(),
		logger: slog.Default().With(slogx.LoggerName("roost.relay")),
	}
}

// WithLogger replaces the relay logger.
func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	r.logger = logger.With(slogx.LoggerName("roost.relay"))
	return r
}

// Origin returns the id stamped on messages published by this relay.
func (r *Relay) Origin() string {
	return r.origin
}

// Subject returns the NATS subject an event topic is published on.
func (r *Relay) Subject(topic string) string {
	ns, action, ok := strings.Cut(topic, events.TopicSeparator)
	if !ok {
		action = "_"
	}
	return r.prefix + "." + subjectToken(ns) + "." + subjectToken(action)
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Forward publishes ev to its subject.
func (r *Relay) Forward(ctx context.Context, ev events.Event) error {
	eb, err := events.ToJSON(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(r.Subject(ev.Topic))
	msg.Header.Set(HeaderOrigin, r.origin)
	msg.Data = eb
	if err := r.client.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to relay event %s: %w", ev.ID, err)
	}
	return nil
}

// Listen delivers events published by other relays under the prefix until
// ctx is done.
func (r *Relay) Listen(ctx context.Context, deliver func(context.Context, events.Event)) error {
	if deliver == nil {
		return fmt.Errorf("deliver is required")
	}

	sub, err := r.client.Subscribe(r.prefix+".>", func(msg *nats.Msg) {
		if msg.Header.Get(HeaderOrigin) == r.origin {
			return
		}
		event, err := events.FromJSON(msg.Data)
		if err != nil {
			r.logger.Error("failed to unmarshal event", slog.String("subject", msg.Subject), slogx.Error(err))
			return
		}
		deliver(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.>: %w", r.prefix, err)
	}
	// a flush makes the subscription visible to the server before Listen is
	// considered started
	if err := r.client.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && r.client.IsConnected() {
		r.logger.Error("failed to unsubscribe", slogx.Error(err), slog.String("subject", sub.Subject))
	}
	return nil
}
