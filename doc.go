/*
Package roost is the coordination substrate for a group of cooperating
workflow agents: a durable publish/subscribe event bus and a bridge to an
out-of-process knowledge graph worker.

Agents never talk to each other directly. A pattern miner publishes
pattern:discovered, an analyst subscribed to pattern:* turns it into
insight:found, a reporter subscribed to insight:* writes it up. Every event
is persisted before any subscriber sees it, so history can be queried,
followed by correlation id, and replayed.

# Basic Usage

	cfg := config.Default()
	cfg.Graph.Script = "workers/knowledge.py"

	s, err := roost.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	_, err = s.Bus().Subscribe(ctx, "pattern:*", func(ctx context.Context, ev events.Event) error {
		related, err := s.Bridge().QueryGraph(ctx, map[string]any{"pattern": ev.Payload.Get("name").String()})
		if err != nil {
			return err
		}
		_, err = s.Bus().Publish(ctx, "insight:found", events.MustEncode("insight", related.Raw()), "analyst",
			bus.WithCorrelationID(ev.CorrelationID))
		return err
	}, "analyst")

# Architecture

The substrate is an explicit service object rather than a set of process-wide
singletons. Open creates, in order:

 1. the event store (SQLite by default, Postgres or MySQL by driver name)
 2. the event bus over that store, optionally relayed over NATS
 3. the knowledge worker bridge, spawned on first use
 4. the retention schedule that deletes old events

Close stops them in reverse. Bridge diagnostics are published on
system:bridge.diagnostic and periodic bridge metric summaries on
system:bridge.metrics, so monitoring agents subscribe to them like any
other topic.

# Topics

Topics are namespace:action. The namespaces pipeline, validation, workflow,
pattern, insight, knowledge, llm and system are shared by convention.
Subscriptions match exactly, by namespace (validation:*), everything (*), or
by glob (pattern:?iscovered.*).
*/
package roost
