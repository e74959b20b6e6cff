package bridge

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/casualjim/roost/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSnapshot summarizes recent bridge activity.
type MetricsSnapshot struct {
	Samples      int           `json:"samples"`
	TotalSamples int64         `json:"total_samples"`
	P50          time.Duration `json:"p50_ns"`
	P95          time.Duration `json:"p95_ns"`
	CacheHits    int64         `json:"cache_hits"`
	CacheMisses  int64         `json:"cache_misses"`
	CacheHitRate float64       `json:"cache_hit_rate"`
	CacheSize    int           `json:"cache_size"`
	InFlight     int64         `json:"in_flight"`
	Restarts     int64         `json:"restarts"`
}

// LogValue renders the snapshot for structured logs.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("samples", s.Samples),
		slogx.Duration("p50_ms", s.P50),
		slogx.Duration("p95_ms", s.P95),
		slog.Int64("cache_hits", s.CacheHits),
		slog.Int64("cache_misses", s.CacheMisses),
		slog.Float64("cache_hit_rate", s.CacheHitRate),
		slog.Int("cache_size", s.CacheSize),
		slog.Int64("in_flight", s.InFlight),
		slog.Int64("restarts", s.Restarts),
	)
}

type sampleKind uint8

const (
	sampleHit sampleKind = iota
	sampleMiss
	sampleUpdate
)

func (k sampleKind) String() string {
	switch k {
	case sampleHit:
		return "hit"
	case sampleMiss:
		return "miss"
	default:
		return "update"
	}
}

// latencyWindow keeps the most recent latencies in a ring.
type latencyWindow struct {
	mu     sync.Mutex
	ring   []time.Duration
	next   int
	filled bool
	total  int64
	hits   int64
	misses int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{ring: make([]time.Duration, size)}
}

// record adds a sample and returns the total number recorded so far.
func (w *latencyWindow) record(d time.Duration, kind sampleKind) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ring[w.next] = d
	w.next++
	if w.next == len(w.ring) {
		w.next = 0
		w.filled = true
	}
	w.total++
	switch kind {
	case sampleHit:
		w.hits++
	case sampleMiss:
		w.misses++
	}
	return w.total
}

func (w *latencyWindow) snapshot() MetricsSnapshot {
	w.mu.Lock()
	n := w.next
	if w.filled {
		n = len(w.ring)
	}
	samples := slices.Clone(w.ring[:n])
	s := MetricsSnapshot{
		Samples:      n,
		TotalSamples: w.total,
		CacheHits:    w.hits,
		CacheMisses:  w.misses,
	}
	w.mu.Unlock()

	slices.Sort(samples)
	s.P50 = percentile(samples, 0.50)
	s.P95 = percentile(samples, 0.95)
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}
	return s
}

// percentile uses the nearest-rank method over sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

type collectors struct {
	latency     *prometheus.HistogramVec
	lookups     *prometheus.CounterVec
	restarts    prometheus.Counter
	diagnostics *prometheus.CounterVec
}

func newCollectors(reg prometheus.Registerer, inFlight func() float64) *collectors {
	f := promauto.With(reg)
	c := &collectors{
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "roost",
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Latency of graph queries and updates, by source (hit, miss, update).",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "bridge",
			Name:      "cache_lookups_total",
			Help:      "Graph query cache lookups by result.",
		}, []string{"result"}),
		restarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "bridge",
			Name:      "worker_restarts_total",
			Help:      "Worker processes spawned after the first.",
		}),
		diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "bridge",
			Name:      "diagnostics_total",
			Help:      "Discarded worker output by kind.",
		}, []string{"kind"}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "roost",
		Subsystem: "bridge",
		Name:      "in_flight_calls",
		Help:      "Calls waiting for a worker response.",
	}, inFlight)
	return c
}
