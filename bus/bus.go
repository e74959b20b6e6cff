package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/roost/events"
	"github.com/casualjim/roost/internal/store"
	"github.com/casualjim/roost/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/prometheus/client_golang/prometheus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Store is the persistence the bus needs. *store.Store implements it.
type Store interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, ev events.Event) error
	Query(ctx context.Context, f store.Filter) ([]events.Event, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, since time.Time) (store.Stats, error)
	RecordAudit(ctx context.Context, entry store.AuditEntry) error
}

// Relay carries events between processes. Forward is called for every event
// published locally. Listen delivers events published elsewhere until ctx is
// done.
type Relay interface {
	Forward(ctx context.Context, ev events.Event) error
	Listen(ctx context.Context, deliver func(context.Context, events.Event)) error
}

// Filter narrows event queries. Topic may be an exact topic or a glob.
type Filter = store.Filter

// Handler receives events for a subscription.
type Handler func(ctx context.Context, ev events.Event) error

// Subscription is a registered interest in a topic pattern.
type Subscription struct {
	ID        string
	Pattern   string
	OwnerID   string
	CreatedAt time.Time

	seq     uint64
	pattern events.TopicPattern
	handler Handler
}

// Stats summarizes the bus.
type Stats struct {
	TotalEvents int64
	// EventsByTopic is ordered by descending count.
	EventsByTopic       *orderedmap.OrderedMap[string, int64]
	ActiveSubscriptions int
	EventsLast24h       int64
}

type state int32

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Bus is the event bus service.
type Bus struct {
	store          Store
	relay          Relay
	logger         *slog.Logger
	dispatchLimit  int
	handlerTimeout time.Duration
	clock          func() time.Time
	registerer     prometheus.Registerer

	subs    *haxmap.Map[string, *Subscription]
	subSeq  atomic.Uint64
	metrics *metrics

	mu           sync.Mutex
	state        state
	inflight     sync.WaitGroup
	stopListener context.CancelFunc
	listenDone   chan struct{}
}

// New creates a bus over the given store. Call Start before publishing.
func New(st Store, options ...Option) (*Bus, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	b := &Bus{
		store:         st,
		dispatchLimit: DefaultDispatchLimit,
		clock:         time.Now,
		subs:          haxmap.New[string, *Subscription](),
	}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With(slogx.LoggerName("roost.bus"))
	if b.clock == nil {
		b.clock = time.Now
	}
	b.metrics = newMetrics(b.registerer, func() float64 { return float64(b.subs.Len()) })
	return b, nil
}

// Start initializes the store schema and begins accepting events. When a
// relay is configured, events from other processes are delivered locally
// from this point on.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateRunning {
		return nil
	}
	if err := b.store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}

	if b.relay != nil {
		lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.stopListener = cancel
		b.listenDone = make(chan struct{})
		go func() {
			defer close(b.listenDone)
			if err := b.relay.Listen(lctx, b.deliverRemote); err != nil && lctx.Err() == nil {
				b.logger.ErrorContext(lctx, "relay listener stopped", slogx.Error(err))
			}
		}()
	}

	b.state = stateRunning
	b.logger.InfoContext(ctx, "event bus started")
	return nil
}

// Stop rejects new work and waits for in-flight notification passes to
// complete, or for ctx to be done.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state != stateRunning {
		b.mu.Unlock()
		return nil
	}
	b.state = stateStopped
	cancel, listenDone := b.stopListener, b.listenDone
	b.stopListener, b.listenDone = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-listenDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.logger.InfoContext(ctx, "event bus stopped")
	return nil
}

// acquire registers an in-flight operation; the returned func releases it.
func (b *Bus) acquire() (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.readyLocked(); err != nil {
		return nil, err
	}
	b.inflight.Add(1)
	return b.inflight.Done, nil
}

func (b *Bus) readyLocked() error {
	switch b.state {
	case stateNew:
		return ErrNotInitialized
	case stateStopped:
		return ErrStopped
	default:
		return nil
	}
}

// Publish persists an event and notifies every matching subscription. The
// returned event carries the generated id and timestamp. If persistence
// fails the error is returned and no subscriber is notified. Handler
// failures are never returned.
func (b *Bus) Publish(ctx context.Context, topic string, payload events.Payload, source string, options ...PublishOption) (events.Event, error) {
	release, err := b.acquire()
	if err != nil {
		return events.Event{}, err
	}
	defer release()

	if topic == "" {
		return events.Event{}, fmt.Errorf("topic is required")
	}
	if err := payload.Validate(); err != nil {
		return events.Event{}, err
	}
	if payload.Kind == "" {
		payload.Kind = events.Namespace(topic)
	}

	// timestamps keep the store's millisecond precision so reads match
	ev := events.Event{
		ID:        events.NewID(),
		Topic:     topic,
		Source:    source,
		Payload:   payload.Clone(),
		Timestamp: strfmt.DateTime(b.clock().UTC().Truncate(time.Millisecond)),
	}
	if err := opts.Apply(&ev, options); err != nil {
		return events.Event{}, err
	}

	if err := b.store.Append(ctx, ev); err != nil {
		b.metrics.publishFailures.Inc()
		return events.Event{}, err
	}
	b.metrics.published.WithLabelValues(ev.Namespace()).Inc()

	b.dispatch(ctx, ev)

	if b.relay != nil {
		if err := b.relay.Forward(ctx, ev); err != nil {
			b.logger.WarnContext(ctx, "failed to relay event", slogx.Topic(ev.Topic), slog.String("event", ev.ID.String()), slogx.Error(err))
		}
	}
	return ev, nil
}

// deliverRemote notifies local subscribers of an event that was persisted by
// another process.
func (b *Bus) deliverRemote(ctx context.Context, ev events.Event) {
	release, err := b.acquire()
	if err != nil {
		return
	}
	defer release()
	b.metrics.remote.Inc()
	b.dispatch(ctx, ev)
}

// Subscribe registers handler for topics matching pattern and returns the
// subscription id. Only events published after Subscribe returns are
// delivered.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler Handler, ownerID string) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler is required")
	}
	p, err := events.ParsePattern(pattern)
	if err != nil {
		return "", err
	}

	sub := &Subscription{
		ID:        events.NewID().String(),
		Pattern:   pattern,
		OwnerID:   ownerID,
		CreatedAt: b.clock().UTC(),
		seq:       b.subSeq.Add(1),
		pattern:   p,
		handler:   handler,
	}
	b.subs.Set(sub.ID, sub)
	b.audit(ctx, store.ActionSubscribe, sub)

	b.logger.DebugContext(ctx, "subscribed", slogx.SubscriptionID(sub.ID), slog.String("pattern", pattern), slog.String("owner", ownerID))
	return sub.ID, nil
}

// Unsubscribe removes a subscription. It reports whether the subscription
// existed; removing an unknown id is a no-op.
func (b *Bus) Unsubscribe(ctx context.Context, id string) bool {
	sub, ok := b.subs.Get(id)
	if !ok {
		return false
	}
	b.subs.Del(id)
	b.audit(ctx, store.ActionUnsubscribe, sub)
	return true
}

// UnsubscribeAll removes every subscription held by ownerID and returns how
// many were removed.
func (b *Bus) UnsubscribeAll(ctx context.Context, ownerID string) int {
	var owned []*Subscription
	b.subs.ForEach(func(_ string, sub *Subscription) bool {
		if sub.OwnerID == ownerID {
			owned = append(owned, sub)
		}
		return true
	})

	removed := 0
	for _, sub := range owned {
		if b.Unsubscribe(ctx, sub.ID) {
			removed++
		}
	}
	return removed
}

// Subscriptions returns the active subscriptions in creation order.
func (b *Bus) Subscriptions() []Subscription {
	subs := b.snapshot()
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, *s)
	}
	return out
}

func (b *Bus) audit(ctx context.Context, action string, sub *Subscription) {
	err := b.store.RecordAudit(ctx, store.AuditEntry{
		Action:         action,
		SubscriptionID: sub.ID,
		Pattern:        sub.Pattern,
		OwnerID:        sub.OwnerID,
		Timestamp:      b.clock(),
	})
	if err != nil {
		b.logger.WarnContext(ctx, "failed to record subscription audit",
			slog.String("action", action), slogx.SubscriptionID(sub.ID), slogx.Error(err))
	}
}

// GetEvents returns persisted events matching f, newest first.
func (b *Bus) GetEvents(ctx context.Context, f Filter) ([]events.Event, error) {
	release, err := b.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return b.store.Query(ctx, f)
}

// GetCorrelatedEvents returns every event sharing correlationID, newest first.
func (b *Bus) GetCorrelatedEvents(ctx context.Context, correlationID string) ([]events.Event, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation id is required")
	}
	return b.GetEvents(ctx, Filter{CorrelationID: correlationID})
}

// ReplayEvents feeds the events matching f to handler, oldest first, and
// returns how many events matched. Handler failures are logged and replay
// continues with the next event.
func (b *Bus) ReplayEvents(ctx context.Context, handler Handler, f Filter) (int, error) {
	if handler == nil {
		return 0, fmt.Errorf("handler is required")
	}
	evs, err := b.GetEvents(ctx, f)
	if err != nil {
		return 0, err
	}

	for i := len(evs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return len(evs), err
		}
		ev := evs[i]
		if err := b.invoke(ctx, handler, ev); err != nil {
			b.logger.WarnContext(ctx, "replay handler failed",
				slogx.Topic(ev.Topic), slog.String("event", ev.ID.String()), slogx.Error(err))
		}
	}
	return len(evs), nil
}

// Cleanup deletes events older than maxAge and returns how many were removed.
// Subscriptions are not affected.
func (b *Bus) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("max age must not be negative")
	}
	release, err := b.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	cutoff := b.clock().Add(-maxAge)
	n, err := b.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	b.metrics.cleaned.Add(float64(n))
	if n > 0 {
		b.logger.InfoContext(ctx, "cleaned up events", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}

// Stats reports event counts and the number of active subscriptions.
func (b *Bus) Stats(ctx context.Context) (Stats, error) {
	release, err := b.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer release()

	st, err := b.store.Stats(ctx, b.clock().Add(-24*time.Hour))
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalEvents:         st.TotalEvents,
		EventsByTopic:       st.EventsByTopic,
		ActiveSubscriptions: int(b.subs.Len()),
		EventsLast24h:       st.EventsSince,
	}, nil
}
