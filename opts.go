package roost

import (
	"log/slog"

	"github.com/casualjim/roost/bridge"
	"github.com/casualjim/roost/bus"
	"github.com/fogfish/opts"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Substrate.
type Option = opts.Option[Substrate]

var (
	// WithLogger sets the logger handed to every component.
	WithLogger = opts.ForName[Substrate, *slog.Logger]("logger")
	// WithRegisterer registers the bus and bridge collectors.
	WithRegisterer = opts.ForName[Substrate, prometheus.Registerer]("registerer")
)

// WithNATS relays events over an existing connection. The substrate does not
// close it.
func WithNATS(nc *nats.Conn) Option {
	return opts.Type[Substrate](func(s *Substrate) error {
		s.nc = nc
		s.ownsNATS = false
		return nil
	})
}

// WithBusOptions passes extra options to the event bus, applied after the
// ones derived from the configuration.
func WithBusOptions(options ...bus.Option) Option {
	return opts.Type[Substrate](func(s *Substrate) error {
		s.busOptions = append(s.busOptions, options...)
		return nil
	})
}

// WithBridgeOptions passes extra options to the knowledge worker bridge.
// A diagnostics or metrics callback set here replaces the republishing on
// system topics.
func WithBridgeOptions(options ...bridge.Option) Option {
	return opts.Type[Substrate](func(s *Substrate) error {
		s.bridgeOptions = append(s.bridgeOptions, options...)
		return nil
	})
}
