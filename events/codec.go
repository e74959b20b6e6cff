package events

import (
	"bytes"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	emptyObject = []byte(`{}`)
	nullJSON    = []byte(`null`)
)

// MarshalJSON implements custom JSON marshaling for Payload
func (p Payload) MarshalJSON() ([]byte, error) {
	result := bytes.Clone(emptyObject)

	var err error
	if p.Kind != "" {
		result, err = sjson.SetBytes(result, "kind", p.Kind)
		if err != nil {
			return nil, err
		}
	}

	data := p.Data
	if len(data) == 0 {
		data = nullJSON
	}
	return sjson.SetRawBytes(result, "data", data)
}

// UnmarshalJSON implements custom JSON unmarshaling for Payload
func (p *Payload) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("payload must be an object")
	}

	p.Kind = root.Get("kind").String()
	raw := root.Get("data")
	if !raw.Exists() {
		p.Data = nil
		return nil
	}
	p.Data = []byte(raw.Raw)
	return nil
}

// MarshalJSON implements custom JSON marshaling for Event
func (e Event) MarshalJSON() ([]byte, error) {
	result := bytes.Clone(emptyObject)

	var err error
	result, err = sjson.SetBytes(result, "id", e.ID.String())
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "topic", e.Topic)
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "source", e.Source)
	if err != nil {
		return nil, err
	}

	payload, err := e.Payload.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	result, err = sjson.SetRawBytes(result, "payload", payload)
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "timestamp", e.Timestamp.String())
	if err != nil {
		return nil, err
	}

	if e.CorrelationID != "" {
		result, err = sjson.SetBytes(result, "correlation_id", e.CorrelationID)
		if err != nil {
			return nil, err
		}
	}

	return sjson.SetBytes(result, "priority", e.Priority.String())
}

// UnmarshalJSON implements custom JSON unmarshaling for Event
func (e *Event) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}

	id := gjson.GetBytes(data, "id")
	if !id.Exists() {
		return fmt.Errorf("missing required field 'id'")
	}
	if err := e.ID.UnmarshalText([]byte(id.String())); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}

	topic := gjson.GetBytes(data, "topic")
	if !topic.Exists() || topic.String() == "" {
		return fmt.Errorf("missing required field 'topic'")
	}
	e.Topic = topic.String()
	e.Source = gjson.GetBytes(data, "source").String()

	if payload := gjson.GetBytes(data, "payload"); payload.Exists() {
		if err := e.Payload.UnmarshalJSON([]byte(payload.Raw)); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ts := gjson.GetBytes(data, "timestamp")
	if !ts.Exists() {
		return fmt.Errorf("missing required field 'timestamp'")
	}
	parsed, err := strfmt.ParseDateTime(ts.String())
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	e.Timestamp = parsed

	e.CorrelationID = gjson.GetBytes(data, "correlation_id").String()

	priority, err := ParsePriority(gjson.GetBytes(data, "priority").String())
	if err != nil {
		return err
	}
	e.Priority = priority
	return nil
}

// ToJSON serializes an event for transports.
func ToJSON(e Event) ([]byte, error) {
	return e.MarshalJSON()
}

// FromJSON parses an event produced by ToJSON.
func FromJSON(data []byte) (Event, error) {
	var e Event
	if err := e.UnmarshalJSON(data); err != nil {
		return Event{}, err
	}
	return e, nil
}
