package bus

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/roost/events"
	"github.com/casualjim/roost/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "bus.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func startBus(t *testing.T, st Store, options ...Option) *Bus {
	t.Helper()
	b, err := New(st, options...)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		topics = append(topics, ev.Topic)
	}
	return topics
}

func payload(v any) events.Payload {
	return events.MustEncode("", v)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("publish before start is rejected and nothing is recorded", func(t *testing.T) {
		st := newStore(t)
		b, err := New(st)
		require.NoError(t, err)

		_, err = b.Publish(ctx, "validation:completed", payload(map[string]int{"score": 1}), "validator")
		require.ErrorIs(t, err, ErrNotInitialized)

		_, err = b.GetEvents(ctx, Filter{})
		require.ErrorIs(t, err, ErrNotInitialized)

		require.NoError(t, b.Start(ctx))
		defer b.Stop(ctx)
		evs, err := b.GetEvents(ctx, Filter{})
		require.NoError(t, err)
		assert.Empty(t, evs)
	})

	t.Run("publish after stop is rejected", func(t *testing.T) {
		b := startBus(t, newStore(t))
		require.NoError(t, b.Stop(ctx))
		_, err := b.Publish(ctx, "a:b", payload(nil), "src")
		assert.ErrorIs(t, err, ErrStopped)
	})

	t.Run("start is idempotent", func(t *testing.T) {
		b := startBus(t, newStore(t))
		assert.NoError(t, b.Start(ctx))
	})

	t.Run("requires a store", func(t *testing.T) {
		_, err := New(nil)
		assert.Error(t, err)
	})

	t.Run("rejects invalid dispatch limit", func(t *testing.T) {
		_, err := New(newStore(t), WithDispatchLimit(0))
		assert.Error(t, err)
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the persisted event", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		b := startBus(t, newStore(t), WithClock(clock.Now))

		ev, err := b.Publish(ctx, "workflow:created", payload(map[string]string{"name": "etl"}), "generator",
			WithCorrelationID("wf-42"), WithPriority(events.PriorityHigh))
		require.NoError(t, err)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, "workflow", ev.Payload.Kind)
		assert.Equal(t, "wf-42", ev.CorrelationID)
		assert.Equal(t, events.PriorityHigh, ev.Priority)
		assert.True(t, clock.Now().Equal(ev.Time()))

		stored, err := b.GetEvents(ctx, Filter{Topic: "workflow:created"})
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, ev.ID, stored[0].ID)
		assert.Equal(t, "etl", stored[0].Payload.Get("name").String())
	})

	t.Run("stored events keep the returned timestamp", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 849922792, time.UTC)}
		b := startBus(t, newStore(t), WithClock(clock.Now))

		ev, err := b.Publish(ctx, "pipeline:started", payload(nil), "runner")
		require.NoError(t, err)
		assert.True(t, time.Date(2026, 3, 1, 12, 0, 0, 849000000, time.UTC).Equal(ev.Time()), "got %s", ev.Time())

		stored, err := b.GetEvents(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.True(t, ev.Time().Equal(stored[0].Time()), "published %s, stored %s", ev.Time(), stored[0].Time())

		var replayed events.Event
		_, err = b.ReplayEvents(ctx, func(_ context.Context, e events.Event) error {
			replayed = e
			return nil
		}, Filter{})
		require.NoError(t, err)
		assert.True(t, ev.Time().Equal(replayed.Time()))
	})

	t.Run("rejects empty topic", func(t *testing.T) {
		b := startBus(t, newStore(t))
		_, err := b.Publish(ctx, "", payload(nil), "src")
		assert.Error(t, err)
	})

	t.Run("subscribers observe the event before publish returns", func(t *testing.T) {
		b := startBus(t, newStore(t))
		var seen atomic.Bool
		_, err := b.Subscribe(ctx, "*", func(context.Context, events.Event) error {
			time.Sleep(10 * time.Millisecond)
			seen.Store(true)
			return nil
		}, "observer")
		require.NoError(t, err)

		_, err = b.Publish(ctx, "pipeline:started", payload(nil), "runner")
		require.NoError(t, err)
		assert.True(t, seen.Load())
	})

	t.Run("no retroactive delivery", func(t *testing.T) {
		b := startBus(t, newStore(t))
		_, err := b.Publish(ctx, "insight:found", payload(nil), "miner")
		require.NoError(t, err)

		rec := &recorder{}
		_, err = b.Subscribe(ctx, "*", rec.Handle, "late")
		require.NoError(t, err)
		assert.Empty(t, rec.Topics())
	})
}

func TestPatternRouting(t *testing.T) {
	ctx := context.Background()
	b := startBus(t, newStore(t))

	validation, foo, all, exact, glob := &recorder{}, &recorder{}, &recorder{}, &recorder{}, &recorder{}
	for pattern, rec := range map[string]*recorder{
		"validation:*":         validation,
		"foo:*":                foo,
		"*":                    all,
		"workflow:created":     exact,
		"pattern:?iscovered.*": glob,
	} {
		_, err := b.Subscribe(ctx, pattern, rec.Handle, "agent")
		require.NoError(t, err)
	}

	for _, topic := range []string{"validation:completed", "workflow:created", "pattern:discovered.v2", "validationx:completed"} {
		_, err := b.Publish(ctx, topic, payload(nil), "src")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"validation:completed"}, validation.Topics())
	assert.Empty(t, foo.Topics())
	assert.Len(t, all.Topics(), 4)
	assert.Equal(t, []string{"workflow:created"}, exact.Topics())
	assert.Equal(t, []string{"pattern:discovered.v2"}, glob.Topics())
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()

	t.Run("validates input", func(t *testing.T) {
		b := startBus(t, newStore(t))
		_, err := b.Subscribe(ctx, "", (&recorder{}).Handle, "agent")
		assert.Error(t, err)
		_, err = b.Subscribe(ctx, "a:*", nil, "agent")
		assert.Error(t, err)
	})

	t.Run("unsubscribe stops delivery and is idempotent", func(t *testing.T) {
		b := startBus(t, newStore(t))
		rec := &recorder{}
		id, err := b.Subscribe(ctx, "a:*", rec.Handle, "agent")
		require.NoError(t, err)

		_, err = b.Publish(ctx, "a:one", payload(nil), "src")
		require.NoError(t, err)
		assert.True(t, b.Unsubscribe(ctx, id))
		assert.False(t, b.Unsubscribe(ctx, id))
		assert.False(t, b.Unsubscribe(ctx, "unknown"))

		_, err = b.Publish(ctx, "a:two", payload(nil), "src")
		require.NoError(t, err)
		assert.Equal(t, []string{"a:one"}, rec.Topics())
	})

	t.Run("unsubscribe all removes only the owner's subscriptions", func(t *testing.T) {
		st := newStore(t)
		b := startBus(t, st)
		mine, theirs := &recorder{}, &recorder{}
		for _, p := range []string{"a:*", "b:*", "*"} {
			_, err := b.Subscribe(ctx, p, mine.Handle, "agent-1")
			require.NoError(t, err)
		}
		_, err := b.Subscribe(ctx, "*", theirs.Handle, "agent-2")
		require.NoError(t, err)

		assert.Equal(t, 3, b.UnsubscribeAll(ctx, "agent-1"))
		assert.Equal(t, 0, b.UnsubscribeAll(ctx, "agent-1"))

		_, err = b.Publish(ctx, "a:x", payload(nil), "src")
		require.NoError(t, err)
		assert.Empty(t, mine.Topics())
		assert.Equal(t, []string{"a:x"}, theirs.Topics())

		subs := b.Subscriptions()
		require.Len(t, subs, 1)
		assert.Equal(t, "agent-2", subs[0].OwnerID)

		audit, err := st.Audit(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, audit, 6)
		assert.Equal(t, store.ActionSubscribe, audit[0].Action)
		assert.Equal(t, store.ActionUnsubscribe, audit[5].Action)
	})

	t.Run("subscriptions are listed in creation order", func(t *testing.T) {
		b := startBus(t, newStore(t))
		patterns := []string{"c:*", "a:*", "b:*"}
		for _, p := range patterns {
			_, err := b.Subscribe(ctx, p, (&recorder{}).Handle, "agent")
			require.NoError(t, err)
		}
		subs := b.Subscriptions()
		require.Len(t, subs, 3)
		for i, p := range patterns {
			assert.Equal(t, p, subs[i].Pattern)
		}
	})
}

type failingStore struct {
	Store
	appendErr error
	auditErr  error
}

func (f *failingStore) Append(ctx context.Context, ev events.Event) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.Store.Append(ctx, ev)
}

func (f *failingStore) RecordAudit(ctx context.Context, entry store.AuditEntry) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	return f.Store.RecordAudit(ctx, entry)
}

func TestFailureIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("persistence failure notifies nobody", func(t *testing.T) {
		boom := errors.New("disk full")
		b := startBus(t, &failingStore{Store: newStore(t), appendErr: boom})
		rec := &recorder{}
		_, err := b.Subscribe(ctx, "*", rec.Handle, "agent")
		require.NoError(t, err)

		_, err = b.Publish(ctx, "a:b", payload(nil), "src")
		require.ErrorIs(t, err, boom)
		assert.Empty(t, rec.Topics())
	})

	t.Run("audit failure does not fail subscribe", func(t *testing.T) {
		b := startBus(t, &failingStore{Store: newStore(t), auditErr: errors.New("audit down")})
		id, err := b.Subscribe(ctx, "*", (&recorder{}).Handle, "agent")
		require.NoError(t, err)
		assert.True(t, b.Unsubscribe(ctx, id))
	})

	t.Run("failing and panicking handlers do not affect others", func(t *testing.T) {
		b := startBus(t, newStore(t))
		before, after := &recorder{}, &recorder{}

		_, err := b.Subscribe(ctx, "*", before.Handle, "good")
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "*", func(context.Context, events.Event) error {
			return errors.New("handler failed")
		}, "bad")
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "*", func(context.Context, events.Event) error {
			panic("handler exploded")
		}, "worse")
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "*", after.Handle, "good")
		require.NoError(t, err)

		ev, err := b.Publish(ctx, "a:b", payload(nil), "src")
		require.NoError(t, err)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, []string{"a:b"}, before.Topics())
		assert.Equal(t, []string{"a:b"}, after.Topics())
	})

	t.Run("subscribers receive independent copies", func(t *testing.T) {
		b := startBus(t, newStore(t), WithDispatchLimit(1))
		rec := &recorder{}
		_, err := b.Subscribe(ctx, "*", func(_ context.Context, ev events.Event) error {
			ev.Payload.Data[0] = 'X'
			return nil
		}, "vandal")
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "*", rec.Handle, "reader")
		require.NoError(t, err)

		_, err = b.Publish(ctx, "a:b", payload(map[string]int{"n": 1}), "src")
		require.NoError(t, err)
		require.Len(t, rec.events, 1)
		assert.Equal(t, int64(1), rec.events[0].Payload.Get("n").Int())
	})

	t.Run("handler timeout cancels the handler context", func(t *testing.T) {
		b := startBus(t, newStore(t), WithHandlerTimeout(20*time.Millisecond))
		var cancelled atomic.Bool
		_, err := b.Subscribe(ctx, "*", func(ctx context.Context, _ events.Event) error {
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		}, "slow")
		require.NoError(t, err)

		_, err = b.Publish(ctx, "a:b", payload(nil), "src")
		require.NoError(t, err)
		assert.True(t, cancelled.Load())
	})
}

func TestDispatchLimit(t *testing.T) {
	ctx := context.Background()
	b := startBus(t, newStore(t), WithDispatchLimit(2))

	var running, peak atomic.Int32
	var calls atomic.Int32
	for i := 0; i < 6; i++ {
		_, err := b.Subscribe(ctx, "*", func(context.Context, events.Event) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			running.Add(-1)
			calls.Add(1)
			return nil
		}, "agent")
		require.NoError(t, err)
	}

	_, err := b.Publish(ctx, "a:b", payload(nil), "src")
	require.NoError(t, err)
	assert.EqualValues(t, 6, calls.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)}
	b := startBus(t, newStore(t), WithClock(clock.Now))

	var published []events.Event
	for _, topic := range []string{"pipeline:started", "validation:completed", "validation:failed", "pipeline:finished"} {
		clock.Advance(time.Second)
		ev, err := b.Publish(ctx, topic, payload(map[string]string{"t": topic}), "runner", WithCorrelationID("run-1"))
		require.NoError(t, err)
		published = append(published, ev)
	}
	clock.Advance(time.Second)
	_, err := b.Publish(ctx, "pipeline:started", payload(nil), "runner", WithCorrelationID("run-2"))
	require.NoError(t, err)

	t.Run("get events newest first", func(t *testing.T) {
		evs, err := b.GetEvents(ctx, Filter{Topic: "validation:*"})
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, "validation:failed", evs[0].Topic)
		assert.Equal(t, "validation:completed", evs[1].Topic)
	})

	t.Run("correlated events", func(t *testing.T) {
		evs, err := b.GetCorrelatedEvents(ctx, "run-1")
		require.NoError(t, err)
		assert.Len(t, evs, 4)

		_, err = b.GetCorrelatedEvents(ctx, "")
		assert.Error(t, err)
	})

	t.Run("replay is oldest first and continues past handler errors", func(t *testing.T) {
		var order []string
		n, err := b.ReplayEvents(ctx, func(_ context.Context, ev events.Event) error {
			order = append(order, ev.Topic)
			if ev.Topic == "validation:failed" {
				return errors.New("replay handler failed")
			}
			return nil
		}, Filter{CorrelationID: "run-1"})
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		want := make([]string, 0, len(published))
		for _, ev := range published {
			want = append(want, ev.Topic)
		}
		assert.Equal(t, want, order)
	})

	t.Run("replay stops on cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		_, err := b.ReplayEvents(cctx, func(context.Context, events.Event) error {
			calls++
			cancel()
			return nil
		}, Filter{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("stats", func(t *testing.T) {
		rec := &recorder{}
		_, err := b.Subscribe(ctx, "*", rec.Handle, "stats")
		require.NoError(t, err)
		defer b.UnsubscribeAll(ctx, "stats")

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 5, stats.TotalEvents)
		assert.EqualValues(t, 5, stats.EventsLast24h)
		assert.Equal(t, 1, stats.ActiveSubscriptions)
		first := stats.EventsByTopic.Oldest()
		require.NotNil(t, first)
		assert.Equal(t, "pipeline:started", first.Key)
		assert.EqualValues(t, 2, first.Value)
	})
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := startBus(t, newStore(t), WithClock(clock.Now))

	_, err := b.Publish(ctx, "a:old", payload(nil), "src")
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = b.Publish(ctx, "a:new", payload(nil), "src")
	require.NoError(t, err)

	rec := &recorder{}
	_, err = b.Subscribe(ctx, "*", rec.Handle, "agent")
	require.NoError(t, err)

	n, err := b.Cleanup(ctx, 48*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "an event exactly at the cutoff is kept")

	n, err = b.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	evs, err := b.GetEvents(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "a:new", evs[0].Topic)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveSubscriptions)

	_, err = b.Cleanup(ctx, -time.Second)
	assert.Error(t, err)
}

type fakeRelay struct {
	mu         sync.Mutex
	forwarded  []events.Event
	deliver    func(context.Context, events.Event)
	ready      chan struct{}
	forwardErr error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{ready: make(chan struct{})}
}

func (r *fakeRelay) Forward(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, ev)
	return r.forwardErr
}

func (r *fakeRelay) Listen(ctx context.Context, deliver func(context.Context, events.Event)) error {
	r.mu.Lock()
	r.deliver = deliver
	r.mu.Unlock()
	close(r.ready)
	<-ctx.Done()
	return nil
}

func TestRelay(t *testing.T) {
	ctx := context.Background()

	t.Run("local events are forwarded after persistence", func(t *testing.T) {
		relay := newFakeRelay()
		relay.forwardErr = errors.New("relay down")
		b := startBus(t, newStore(t), WithRelay(relay))

		ev, err := b.Publish(ctx, "knowledge:updated", payload(nil), "curator")
		require.NoError(t, err)

		relay.mu.Lock()
		defer relay.mu.Unlock()
		require.Len(t, relay.forwarded, 1)
		assert.Equal(t, ev.ID, relay.forwarded[0].ID)
	})

	t.Run("remote events are delivered without being persisted", func(t *testing.T) {
		relay := newFakeRelay()
		b := startBus(t, newStore(t), WithRelay(relay))
		rec := &recorder{}
		_, err := b.Subscribe(ctx, "llm:*", rec.Handle, "agent")
		require.NoError(t, err)

		select {
		case <-relay.ready:
		case <-time.After(time.Second):
			t.Fatal("relay listener did not start")
		}

		remote := events.Event{ID: events.NewID(), Topic: "llm:completed", Source: "elsewhere"}
		relay.mu.Lock()
		deliver := relay.deliver
		relay.mu.Unlock()
		deliver(ctx, remote)

		assert.Equal(t, []string{"llm:completed"}, rec.Topics())
		evs, err := b.GetEvents(ctx, Filter{})
		require.NoError(t, err)
		assert.Empty(t, evs)
	})
}
