// Package bus implements the durable publish/subscribe event bus agents use
// to coordinate.
//
// Every published event is written to the store before any subscriber sees
// it. Once persisted, the event is handed to every subscription whose pattern
// matches the topic. Each delivery runs as its own task, with at most
// DispatchLimit tasks running concurrently. Publish returns when the whole
// notification pass has finished. Handler errors and panics are logged and
// counted. They never reach the publisher or the other subscribers.
//
// Patterns are evaluated in this order: exact topic, the global wildcard "*",
// a namespace wildcard such as "validation:*" (literal prefix match including
// the colon), then a glob where "*" matches any run of characters and "?"
// matches exactly one.
//
// A Bus is an explicit service object:
//
//	b := bus.New(st, bus.WithLogger(logger))
//	if err := b.Start(ctx); err != nil {
//		return err
//	}
//	defer b.Stop(ctx)
//
//	id, _ := b.Subscribe(ctx, "validation:*", func(ctx context.Context, ev events.Event) error {
//		return nil
//	}, "validator")
//	_, err := b.Publish(ctx, "validation:completed", events.MustEncode("validation", result), "validator")
package bus
