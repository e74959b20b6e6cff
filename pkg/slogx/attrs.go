package slogx

import (
	"log/slog"
	"time"
)

// KeyLoggerName is the attribute key that names the component emitting a record.
const KeyLoggerName = "logger"

// Error returns a slog.Attr with the key "error" holding the error message.
// A nil error yields an empty string rather than a panic.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// LoggerName returns the attribute used to scope a logger to a component,
// for example "roost.bus" or "roost.bridge".
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Topic returns the attribute for an event topic.
func Topic(topic string) slog.Attr {
	return slog.String("topic", topic)
}

// SubscriptionID returns the attribute for a bus subscription id.
func SubscriptionID(id string) slog.Attr {
	return slog.String("subscription", id)
}

// CallID returns the attribute for a bridge call id.
func CallID(id int64) slog.Attr {
	return slog.Int64("call_id", id)
}

// Duration renders a duration in milliseconds with sub-millisecond precision,
// which reads better than nanoseconds in console output.
func Duration(key string, d time.Duration) slog.Attr {
	return slog.Float64(key, float64(d)/float64(time.Millisecond))
}

// ByteString creates a slog.Attr from a byte slice, converted to a string.
func ByteString(key string, value []byte) slog.Attr {
	return slog.String(key, string(value))
}
