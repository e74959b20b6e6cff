package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/casualjim/roost/bridge"
	"github.com/casualjim/roost/bus"
	"github.com/casualjim/roost/events"
	"github.com/fatih/color"
	"github.com/go-openapi/strfmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

func init() {
	color.NoColor = true
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelInfo, true)
	logger.Debug("hidden")
	logger.Info("event published", slog.String("topic", "validation:completed"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "event published")
	assert.Contains(t, out, "topic=validation:completed")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestReadJSONArg(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "object", arg: `{"a": 1}`, want: `{"a":1}`},
		{name: "null", arg: `null`, want: `null`},
		{name: "stdin", arg: "-", stdin: "  {\n\"b\": [1, 2]\n}\n", want: `{"b":[1,2]}`},
		{name: "empty stdin", arg: "-", stdin: "\n", wantErr: true},
		{name: "invalid", arg: `{"a":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readJSONArg(tt.arg, strings.NewReader(tt.stdin))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestWriteEvent(t *testing.T) {
	ev := events.Event{
		ID:            events.NewID(),
		Topic:         "insight:found",
		Source:        "analyst",
		Payload:       events.MustEncode("insight", map[string]string{"title": "churn"}),
		Timestamp:     strfmt.DateTime(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)),
		CorrelationID: "wf-7",
		Priority:      events.PriorityHigh,
	}

	var buf bytes.Buffer
	require.NoError(t, writeEvent(&buf, ev, false))
	assert.Equal(t, `2026-06-01T10:00:00Z insight:found analyst [high] corr=wf-7 {"title":"churn"}`+"\n", buf.String())

	buf.Reset()
	require.NoError(t, writeEvent(&buf, ev, true))
	line := strings.TrimSpace(buf.String())
	assert.Equal(t, ev.ID.String(), gjson.Get(line, "id").String())
	assert.Equal(t, "churn", gjson.Get(line, "payload.data.title").String())
}

func TestStatsJSON(t *testing.T) {
	byTopic := orderedmap.New[string, int64]()
	byTopic.Set("validation:completed", 3)
	byTopic.Set("insight:found", 1)

	var buf bytes.Buffer
	require.NoError(t, writeStats(&buf, bus.Stats{TotalEvents: 4, EventsByTopic: byTopic, ActiveSubscriptions: 2, EventsLast24h: 4}))
	out := buf.String()
	assert.Contains(t, out, "total events: 4")
	assert.Less(t, strings.Index(out, "validation:completed"), strings.Index(out, "insight:found"))

	v := statsJSON(bus.Stats{})
	assert.NotNil(t, v.EventsByTopic)
}

func TestSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSchema(&buf, "event"))
	schema := buf.String()
	assert.Equal(t, "uuid", gjson.Get(schema, "properties.id.format").String())
	assert.Equal(t, "date-time", gjson.Get(schema, "properties.timestamp.format").String())
	assert.Equal(t, "string", gjson.Get(schema, "properties.priority.type").String())
	assert.True(t, gjson.Get(schema, "properties.payload.properties.kind").Exists())

	buf.Reset()
	require.NoError(t, writeSchema(&buf, "request"))
	assert.Equal(t, "integer", gjson.Get(buf.String(), "properties.id.type").String())
	assert.Equal(t, "string", gjson.Get(buf.String(), "properties.method.type").String())

	buf.Reset()
	require.NoError(t, writeSchema(&buf, "response"))
	assert.True(t, gjson.Get(buf.String(), "properties.error.properties.message").Exists())

	assert.Error(t, writeSchema(&buf, "nope"))
}

type fakeStats struct {
	stats bus.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (bus.Stats, error) { return f.stats, f.err }

type fakeBridge struct{}

func (fakeBridge) State() bridge.State { return bridge.StateRunning }

func (fakeBridge) MetricsSnapshot() bridge.MetricsSnapshot {
	return bridge.MetricsSnapshot{Samples: 3, CacheHits: 1}
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "roost_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	get := func(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	h := newRouter(fakeStats{stats: bus.Stats{TotalEvents: 9}}, fakeBridge{}, reg)

	t.Run("healthz", func(t *testing.T) {
		rec := get(t, h, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "running", gjson.Get(rec.Body.String(), "bridge").String())
	})

	t.Run("stats", func(t *testing.T) {
		rec := get(t, h, "/stats")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 9, gjson.Get(rec.Body.String(), "events.total_events").Int())
		assert.EqualValues(t, 3, gjson.Get(rec.Body.String(), "bridge.samples").Int())
	})

	t.Run("stats failure", func(t *testing.T) {
		failing := newRouter(fakeStats{err: errors.New("db gone")}, fakeBridge{}, reg)
		rec := get(t, failing, "/stats")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "db gone", gjson.Get(rec.Body.String(), "error").String())
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "roost_test_total 1")
	})
}

func TestCLIParse(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("roost"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)

	_, err = parser.Parse([]string{
		"--store-dsn=:memory:", "publish", "validation:completed", `{"rows":1}`,
		"--source", "validator", "-c", "wf-1", "-p", "high",
	})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cli.Config.Store.DSN)
	assert.Equal(t, "validation:completed", cli.Publish.Topic)
	assert.Equal(t, `{"rows":1}`, cli.Publish.Data)
	assert.Equal(t, "validator", cli.Publish.Source)
	assert.Equal(t, "wf-1", cli.Publish.CorrelationID)
	assert.Equal(t, "high", cli.Publish.Priority)

	kctx, err := parser.Parse([]string{"events", "-t", "pattern:*", "-n", "5"})
	require.NoError(t, err)
	assert.Equal(t, "events", kctx.Command())
	assert.Equal(t, "pattern:*", cli.Events.Filter.Topic)
	assert.Equal(t, 5, cli.Events.Filter.Limit)
}
