package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/casualjim/roost/events"
	"github.com/fogfish/opts"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultDispatchLimit bounds concurrent handler invocations per publish.
const DefaultDispatchLimit = 8

// Option configures a Bus.
type Option = opts.Option[Bus]

var (
	// WithLogger sets the logger used for handler failures and lifecycle messages.
	WithLogger = opts.ForName[Bus, *slog.Logger]("logger")
	// WithHandlerTimeout bounds each handler invocation. Zero means no bound.
	WithHandlerTimeout = opts.ForName[Bus, time.Duration]("handlerTimeout")
	// WithClock replaces time.Now for event timestamps and retention cutoffs.
	WithClock = opts.ForName[Bus, func() time.Time]("clock")
	// WithRegisterer registers the bus collectors with a prometheus registry.
	WithRegisterer = opts.ForName[Bus, prometheus.Registerer]("registerer")
)

// WithDispatchLimit sets how many subscriptions are notified concurrently.
func WithDispatchLimit(n int) Option {
	return opts.Type[Bus](func(b *Bus) error {
		if n < 1 {
			return fmt.Errorf("dispatch limit must be positive, got %d", n)
		}
		b.dispatchLimit = n
		return nil
	})
}

// WithRelay mirrors persisted events to another transport and delivers the
// events it receives from other processes to local subscribers.
func WithRelay(relay Relay) Option {
	return opts.Type[Bus](func(b *Bus) error {
		b.relay = relay
		return nil
	})
}

// PublishOption sets optional event fields on Publish.
type PublishOption = opts.Option[events.Event]

var (
	// WithCorrelationID groups the event with related events.
	WithCorrelationID = opts.ForName[events.Event, string]("CorrelationID")
	// WithPriority sets the event priority.
	WithPriority = opts.ForName[events.Event, events.Priority]("Priority")
)
