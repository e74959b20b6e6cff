package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/casualjim/roost/bridge"
	"github.com/casualjim/roost/events"
	"github.com/go-openapi/strfmt"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

// SchemaCmd prints JSON schemas.
type SchemaCmd struct {
	Type string `arg:"" optional:"" help:"Schema to print (event, request, response)." enum:"event,request,response" default:"event"`
}

func (c *SchemaCmd) Run(_ context.Context) error {
	return writeSchema(os.Stdout, c.Type)
}

var schemaReflector = jsonschema.Reflector{
	DoNotReference: true,
	Mapper:         mapSchemaType,
}

func mapSchemaType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeFor[uuid.UUID]():
		return &jsonschema.Schema{Type: "string", Format: "uuid"}
	case reflect.TypeFor[strfmt.DateTime]():
		return &jsonschema.Schema{Type: "string", Format: "date-time"}
	case reflect.TypeFor[json.RawMessage]():
		return &jsonschema.Schema{Description: "Any JSON value."}
	case reflect.TypeFor[events.Priority]():
		return &jsonschema.Schema{
			Type: "string",
			Enum: []any{"low", "normal", "high", "critical"},
		}
	}
	return nil
}

func schemaFor(name string) (*jsonschema.Schema, error) {
	var s *jsonschema.Schema
	switch name {
	case "event":
		s = schemaReflector.Reflect(&events.Event{})
		s.Title = "roost event"
	case "request":
		s = schemaReflector.Reflect(&bridge.Request{})
		s.Title = "knowledge worker request"
	case "response":
		s = schemaReflector.Reflect(&bridge.Response{})
		s.Title = "knowledge worker response"
	default:
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}

func writeSchema(w io.Writer, name string) error {
	s, err := schemaFor(name)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
