package bridge

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/casualjim/roost/pkg/jsonx"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Worker operations.
const (
	MethodQueryGraph  = "query_graph"
	MethodApplyUpdate = "apply_update"
)

var errMissingID = errors.New("response has no numeric id")

// Request is the line written to the worker for each call.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

// Response is a worker reply. Exactly one of Result and Error is set.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error member of a failed response.
type ResponseError struct {
	Message string `json:"message"`
}

// encodeParams turns call parameters into compact JSON. Nil becomes an empty
// object.
func encodeParams(v any) (json.RawMessage, error) {
	var raw []byte
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params are not valid json")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("failed to compact params: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeRequest renders a request as a single newline-terminated line.
func encodeRequest(id int64, method string, params json.RawMessage) ([]byte, error) {
	line, err := sjson.SetBytes([]byte(`{}`), "method", method)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	line, err = sjson.SetRawBytes(line, "params", params)
	if err != nil {
		return nil, err
	}
	line, err = sjson.SetBytes(line, "id", id)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

type response struct {
	id     int64
	result json.RawMessage
	err    string
	failed bool
}

// parseResponse decodes one line of worker output.
func parseResponse(line []byte) (response, error) {
	if !gjson.ValidBytes(line) {
		return response{}, fmt.Errorf("invalid json")
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return response{}, fmt.Errorf("response must be an object")
	}

	id := root.Get("id")
	if id.Type != gjson.Number {
		return response{}, errMissingID
	}
	resp := response{id: id.Int()}

	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		resp.failed = true
		switch {
		case e.Type == gjson.String:
			resp.err = e.String()
		case e.Get("message").Exists():
			resp.err = e.Get("message").String()
		default:
			resp.err = e.Raw
		}
		return resp, nil
	}

	if r := root.Get("result"); r.Exists() {
		resp.result = json.RawMessage(r.Raw)
	} else {
		resp.result = json.RawMessage(`null`)
	}
	return resp, nil
}

// cacheKey identifies a call by operation and canonical parameters.
func cacheKey(method string, params json.RawMessage) (string, error) {
	return jsonx.CanonicalString(map[string]any{
		"operation": method,
		"params":    params,
	})
}

// Result is a read-only view of a worker result.
type Result struct {
	raw json.RawMessage
}

func newResult(raw json.RawMessage) Result {
	return Result{raw: bytes.Clone(raw)}
}

// Raw returns a copy of the result JSON.
func (r Result) Raw() json.RawMessage {
	return bytes.Clone(r.raw)
}

// Get reads a value from the result with a gjson path.
func (r Result) Get(path string) gjson.Result {
	return gjson.GetBytes(r.raw, path)
}

// Decode unmarshals the result into v.
func (r Result) Decode(v any) error {
	if len(r.raw) == 0 {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(r.raw, v)
}

func (r Result) String() string {
	return string(r.raw)
}

// IsZero reports whether the result is empty or null.
func (r Result) IsZero() bool {
	return len(r.raw) == 0 || bytes.Equal(r.raw, []byte(`null`))
}
