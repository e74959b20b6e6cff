package roost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/roost/bridge"
	"github.com/casualjim/roost/bus"
	"github.com/casualjim/roost/events"
	"github.com/casualjim/roost/internal/broker"
	"github.com/casualjim/roost/internal/config"
	"github.com/casualjim/roost/internal/store"
	"github.com/casualjim/roost/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/sjson"
)

// Topics the substrate publishes on behalf of the knowledge worker bridge.
var (
	TopicBridgeDiagnostic = events.Topic(events.NamespaceSystem, "bridge.diagnostic")
	TopicBridgeMetrics    = events.Topic(events.NamespaceSystem, "bridge.metrics")
)

// Source is the event source of everything the substrate publishes itself.
const Source = "roost"

const retentionTimeout = 5 * time.Minute

// Substrate owns the event store, the bus, the knowledge worker bridge and
// the retention schedule of one process. Agents get the bus and the bridge
// from it by reference.
type Substrate struct {
	cfg    config.Config
	logger *slog.Logger

	registerer    prometheus.Registerer
	nc            *nats.Conn
	ownsNATS      bool
	busOptions    []bus.Option
	bridgeOptions []bridge.Option

	store  *store.Store
	bus    *bus.Bus
	bridge *bridge.Bridge
	cron   *cron.Cron

	mu         sync.Mutex
	closed     bool
	publishing sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// Open builds and starts a substrate from cfg. The caller must Close it.
func Open(ctx context.Context, cfg config.Config, options ...Option) (*Substrate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s := &Substrate{cfg: cfg}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	log := s.logger.With(slogx.LoggerName("roost"))

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, err
	}
	s.store = st

	busOpts := append(cfg.BusOptions(), bus.WithLogger(s.logger))
	bridgeOpts := []bridge.Option{
		bridge.WithLogger(s.logger),
		bridge.WithDiagnostics(s.publishDiagnostic),
		bridge.WithMetricsReporter(s.publishMetrics),
	}
	if s.registerer != nil {
		busOpts = append(busOpts, bus.WithRegisterer(s.registerer))
		bridgeOpts = append(bridgeOpts, bridge.WithRegisterer(s.registerer))
	}

	if cfg.RelayEnabled() || s.nc != nil {
		if s.nc == nil {
			nc, err := broker.Connect(cfg.NATS.URL)
			if err != nil {
				return nil, errors.Join(fmt.Errorf("failed to connect to nats: %w", err), st.Close())
			}
			s.nc, s.ownsNATS = nc, true
		}
		relay := broker.NATS(s.nc, cfg.NATS.Prefix).WithLogger(s.logger)
		busOpts = append(busOpts, bus.WithRelay(relay))
		log.InfoContext(ctx, "relaying events over nats", slog.String("url", s.nc.ConnectedUrl()), slog.String("origin", relay.Origin()))
	}

	s.bus, err = bus.New(st, append(busOpts, s.busOptions...)...)
	if err != nil {
		return nil, errors.Join(err, s.closeTransport())
	}
	if err := s.bus.Start(ctx); err != nil {
		return nil, errors.Join(err, s.closeTransport())
	}

	s.bridge, err = bridge.New(cfg.BridgeConfig(), append(bridgeOpts, s.bridgeOptions...)...)
	if err != nil {
		return nil, errors.Join(err, s.bus.Stop(ctx), s.closeTransport())
	}

	if cfg.Retention.MaxAge > 0 {
		cronLog := cron.PrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelDebug))
		s.cron = cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog)))
		if _, err := s.cron.AddFunc(cfg.Retention.Schedule, s.retain); err != nil {
			return nil, errors.Join(fmt.Errorf("invalid retention schedule: %w", err), s.bus.Stop(ctx), s.closeTransport())
		}
		s.cron.Start()
		log.InfoContext(ctx, "retention scheduled",
			slog.String("schedule", cfg.Retention.Schedule), slog.String("max_age", cfg.Retention.MaxAge.String()))
	}

	log.InfoContext(ctx, "substrate open", slog.String("store", st.Dialect()))
	return s, nil
}

// Bus returns the event bus.
func (s *Substrate) Bus() *bus.Bus { return s.bus }

// Bridge returns the knowledge worker bridge.
func (s *Substrate) Bridge() *bridge.Bridge { return s.bridge }

// Config returns the configuration the substrate was opened with.
func (s *Substrate) Config() config.Config { return s.cfg }

// Cleanup deletes events older than the configured retention age now.
func (s *Substrate) Cleanup(ctx context.Context) (int64, error) {
	if s.cfg.Retention.MaxAge <= 0 {
		return 0, nil
	}
	return s.bus.Cleanup(ctx, s.cfg.Retention.MaxAge)
}

// Audit returns the subscription audit trail of one owner, or of every owner
// when ownerID is empty.
func (s *Substrate) Audit(ctx context.Context, ownerID string) ([]store.AuditEntry, error) {
	return s.store.Audit(ctx, ownerID)
}

func (s *Substrate) retain() {
	ctx, cancel := context.WithTimeout(context.Background(), retentionTimeout)
	defer cancel()
	if _, err := s.Cleanup(ctx); err != nil {
		s.logger.ErrorContext(ctx, "retention cleanup failed", slogx.LoggerName("roost"), slogx.Error(err))
	}
}

// Close stops the retention schedule, the bridge and the bus, then closes
// the store and the nats connection. It is safe to call more than once.
func (s *Substrate) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if err := s.bridge.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop knowledge worker: %w", err))
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.publishing.Wait()
		if err := s.bus.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop event bus: %w", err))
		}
		errs = append(errs, s.closeTransport())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Substrate) closeTransport() error {
	if s.nc != nil && s.ownsNATS {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	return s.store.Close()
}

// publish runs off the calling goroutine: bridge callbacks fire on the
// worker's reader, and a subscriber that queries the bridge would otherwise
// wait on itself.
func (s *Substrate) publish(topic string, payload events.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		ctx := context.Background()
		if _, err := s.bus.Publish(ctx, topic, payload, Source); err != nil {
			s.logger.DebugContext(ctx, "failed to publish bridge event", slogx.LoggerName("roost"), slogx.Topic(topic), slogx.Error(err))
		}
	}()
}

func (s *Substrate) publishDiagnostic(_ context.Context, d bridge.Diagnostic) {
	data, _ := sjson.SetBytes([]byte(`{}`), "kind", string(d.Kind))
	data, _ = sjson.SetBytes(data, "line", d.Line)
	if d.Err != nil {
		data, _ = sjson.SetBytes(data, "error", d.Err.Error())
	}
	data, _ = sjson.SetBytes(data, "at", d.At.UTC().Format(time.RFC3339Nano))
	s.publish(TopicBridgeDiagnostic, events.Payload{Kind: "bridge.diagnostic", Data: data})
}

func (s *Substrate) publishMetrics(_ context.Context, m bridge.MetricsSnapshot) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	s.publish(TopicBridgeMetrics, events.Payload{Kind: "bridge.metrics", Data: data})
}
