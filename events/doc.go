// Package events defines the records that agents exchange over the event bus:
// the immutable Event, its Payload blob, delivery Priority, and the topic
// Patterns subscriptions use to select events.
//
// Topics are hierarchical strings of the form "namespace:action", for example
// "validation:completed" or "pattern:discovered". The bus is agnostic to the
// namespaces in use, but collaborating agents agree on the reserved set
// exported here (NamespacePipeline, NamespaceValidation, ...).
//
// Payloads are carried as a JSON blob plus a kind tag instead of untyped
// values. Publishers encode with Encode, consumers decode into their own
// schema with Payload.Decode or read single fields with Payload.Get:
//
//	p := events.MustEncode("validation.result", ValidationResult{Valid: true})
//	ev, err := bus.Publish(ctx, "validation:completed", p, "validator-1")
//
//	var res ValidationResult
//	if err := ev.Payload.Decode(&res); err != nil {
//	    return err
//	}
//
// Patterns come in four tiers that are checked in order on every publish:
//
//   - exact topic: "workflow:created"
//   - global wildcard: "*"
//   - namespace wildcard: "validation:*"
//   - general glob: "work*:?reated" where * is any run and ? is one character
package events
