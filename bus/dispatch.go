package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"github.com/casualjim/roost/events"
	"github.com/casualjim/roost/pkg/slogx"
	"golang.org/x/sync/errgroup"
)

// snapshot returns the current subscriptions ordered by creation.
func (b *Bus) snapshot() []*Subscription {
	subs := make([]*Subscription, 0, b.subs.Len())
	b.subs.ForEach(func(_ string, sub *Subscription) bool {
		subs = append(subs, sub)
		return true
	})
	slices.SortFunc(subs, func(a, b *Subscription) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return subs
}

func (b *Bus) matching(topic string) []*Subscription {
	subs := b.snapshot()
	return slices.DeleteFunc(subs, func(s *Subscription) bool {
		return !s.pattern.Matches(topic)
	})
}

// dispatch notifies every matching subscription and waits for all of them.
// Tasks are started in subscription order; completion order is unspecified.
func (b *Bus) dispatch(ctx context.Context, ev events.Event) {
	subs := b.matching(ev.Topic)
	if len(subs) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(b.dispatchLimit)
	for _, sub := range subs {
		g.Go(func() error {
			b.notify(ctx, sub, ev.Clone())
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bus) notify(ctx context.Context, sub *Subscription, ev events.Event) {
	err := b.invoke(ctx, sub.handler, ev)
	if err == nil {
		b.metrics.deliveries.WithLabelValues("ok").Inc()
		return
	}

	result := "error"
	attrs := []any{
		slogx.SubscriptionID(sub.ID),
		slog.String("owner", sub.OwnerID),
		slogx.Topic(ev.Topic),
		slog.String("event", ev.ID.String()),
		slogx.Error(err),
	}
	var pe *panicError
	if errors.As(err, &pe) {
		result = "panic"
		attrs = append(attrs, slog.String("stack", string(pe.stack)))
	}
	b.metrics.deliveries.WithLabelValues(result).Inc()
	b.logger.ErrorContext(ctx, "subscriber failed", attrs...)
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}

// invoke runs handler with the configured timeout, turning a panic into an
// error.
func (b *Bus) invoke(ctx context.Context, handler Handler, ev events.Event) (err error) {
	if b.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.handlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return handler(ctx, ev)
}
