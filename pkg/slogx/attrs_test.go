package slogx

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("with error", func(t *testing.T) {
		attr := Error(errors.New("boom"))
		assert.Equal(t, "error", attr.Key)
		assert.Equal(t, "boom", attr.Value.String())
	})

	t.Run("nil error", func(t *testing.T) {
		assert.NotPanics(t, func() {
			attr := Error(nil)
			assert.Equal(t, "", attr.Value.String())
		})
	})
}

func TestDomainAttrs(t *testing.T) {
	assert.Equal(t, slog.String(KeyLoggerName, "roost.bus"), LoggerName("roost.bus"))
	assert.Equal(t, slog.String("topic", "validation:completed"), Topic("validation:completed"))
	assert.Equal(t, slog.Int64("call_id", 42), CallID(42))
	assert.Equal(t, "sub-1", SubscriptionID("sub-1").Value.String())
	assert.Equal(t, "payload", ByteString("body", []byte("payload")).Value.String())
}

func TestDuration(t *testing.T) {
	attr := Duration("latency_ms", 1500*time.Microsecond)
	assert.Equal(t, "latency_ms", attr.Key)
	assert.InDelta(t, 1.5, attr.Value.Float64(), 0.0001)
}
