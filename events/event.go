package events

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// NewID returns a version 7 UUID. Ids sort by creation time to the millisecond,
// which keeps them informative in logs without being a reliable ordering key.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Event is a persisted announcement on the bus. Once the bus has stored an
// event it is never modified; subscribers receive copies.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Topic         string          `json:"topic"`
	Source        string          `json:"source"`
	Payload       Payload         `json:"payload"`
	Timestamp     strfmt.DateTime `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Priority      Priority        `json:"priority"`
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.Time(e.Timestamp)
}

// Namespace returns the namespace part of the event topic.
func (e Event) Namespace() string {
	return Namespace(e.Topic)
}

// Clone returns a deep copy so the payload bytes can be handed out without
// sharing the backing array.
func (e Event) Clone() Event {
	e.Payload = e.Payload.Clone()
	return e
}

// Priority orders events for consumers that care; the bus itself delivers
// every priority the same way. The zero value is PriorityNormal.
type Priority int8

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int8(p))
}

// ParsePriority parses the textual form of a priority. The empty string is
// the normal priority.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if _, ok := priorityNames[p]; !ok {
		return nil, fmt.Errorf("unknown priority %d", int8(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Payload is the publisher-defined body of an event: a JSON document plus a
// kind tag naming its schema.
type Payload struct {
	Kind string          `json:"kind,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Encode marshals v into a payload of the given kind.
func Encode(kind string, v any) (Payload, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return Payload{}, fmt.Errorf("payload %q: invalid json", kind)
		}
		return Payload{Kind: kind, Data: bytes.Clone(raw)}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("payload %q: %w", kind, err)
	}
	return Payload{Kind: kind, Data: b}, nil
}

// MustEncode is Encode for values that are known to marshal.
func MustEncode(kind string, v any) Payload {
	p, err := Encode(kind, v)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether the payload carries no data.
func (p Payload) IsZero() bool {
	return len(p.Data) == 0 || bytes.Equal(p.Data, []byte("null"))
}

// Decode unmarshals the payload data into v.
func (p Payload) Decode(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("payload %q is empty", p.Kind)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("decode payload %q: %w", p.Kind, err)
	}
	return nil
}

// Get reads a single value out of the payload using a gjson path.
func (p Payload) Get(path string) gjson.Result {
	return gjson.GetBytes(p.Data, path)
}

// Clone copies the payload data.
func (p Payload) Clone() Payload {
	p.Data = bytes.Clone(p.Data)
	return p
}

// Validate checks that the data is present and well formed.
func (p Payload) Validate() error {
	if len(p.Data) == 0 {
		return nil
	}
	if !gjson.ValidBytes(p.Data) {
		return fmt.Errorf("payload %q: invalid json", p.Kind)
	}
	return nil
}
