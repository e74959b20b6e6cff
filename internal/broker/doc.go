// Package broker relays bus events between processes over NATS.
//
// A relay mirrors every locally persisted event onto a subject derived from
// its topic and delivers events published by other processes to the local
// bus. Each relay stamps outgoing messages with an origin header and ignores
// messages carrying its own origin, so a process never sees its own events
// twice.
//
// Subjects have the form <prefix>.<namespace>.<action>. Characters NATS
// reserves for subject syntax are replaced with underscores; the
// authoritative topic travels in the message body.
//
//	conn, err := broker.Connect("", nats.Name("roost"))
//	if err != nil {
//		return err
//	}
//	relay := broker.NATS(conn, "roost")
//	b, err := bus.New(st, bus.WithRelay(relay))
//
// Only events that reached the store of the publishing process are relayed;
// receiving processes dispatch them locally without persisting them again.
package broker
