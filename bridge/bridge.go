package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/roost/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// State is the worker lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Bridge multiplexes calls to a knowledge worker process over its stdio.
type Bridge struct {
	cfg          Config
	logger       *slog.Logger
	onDiagnostic DiagnosticFunc
	onMetrics    MetricsFunc
	registerer   prometheus.Registerer
	clock        func() time.Time

	mu   sync.Mutex
	proc *worker

	nextID   atomic.Int64
	spawns   atomic.Int64
	inFlight atomic.Int64
	sem      *semaphore.Weighted

	cache   *resultCache
	queries singleflight.Group
	window  *latencyWindow
	prom    *collectors
}

// New validates cfg and creates a stopped bridge.
func New(cfg Config, options ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	cfg, err := cfg.resolvePaths()
	if err != nil {
		return nil, err
	}

	b := &Bridge{cfg: cfg, clock: time.Now}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With(slogx.LoggerName("roost.bridge"))
	if b.clock == nil {
		b.clock = time.Now
	}

	b.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	b.cache = newResultCache(cfg.CacheMaxEntries, cfg.CacheTTL, b.clock)
	b.window = newLatencyWindow(cfg.MetricsWindow)
	b.prom = newCollectors(b.registerer, func() float64 { return float64(b.inFlight.Load()) })
	return b, nil
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config {
	return b.cfg
}

// State reports whether a worker process is running.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != nil && b.proc.alive() {
		return StateRunning
	}
	return StateStopped
}

// Start spawns the worker unless it is already running.
func (b *Bridge) Start(ctx context.Context) error {
	_, err := b.running(ctx)
	return err
}

func (b *Bridge) running(ctx context.Context) (*worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != nil && b.proc.alive() {
		return b.proc, nil
	}
	w, err := b.spawn(ctx)
	if err != nil {
		return nil, err
	}
	b.proc = w
	return w, nil
}

// Stop closes the worker's stdin and waits for it to exit, killing it after
// the configured grace period. Outstanding calls fail with ErrStopped. A later
// call starts a new worker.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	w := b.proc
	b.proc = nil
	b.mu.Unlock()
	if w == nil {
		return nil
	}

	w.stopping.Store(true)
	_ = w.stdin.Close()

	grace := time.NewTimer(b.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-w.done:
		return nil
	case <-grace.C:
		b.logger.WarnContext(ctx, "knowledge worker did not exit, killing it", slog.Int("pid", w.pid()))
	case <-ctx.Done():
	}
	_ = w.cmd.Process.Kill()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends one request and waits for its response, the timeout, worker
// exit or ctx, whichever comes first. A timeout of zero waits indefinitely.
func (b *Bridge) Call(ctx context.Context, method string, params any, timeout time.Duration) (Result, error) {
	raw, err := b.call(ctx, method, params, timeout)
	if err != nil {
		return Result{}, err
	}
	return Result{raw: raw}, nil
}

func (b *Bridge) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if method == "" {
		return nil, fmt.Errorf("method is required")
	}
	encoded, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	if !b.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyInFlight, b.cfg.MaxInFlight)
	}
	defer b.sem.Release(1)
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	wait := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		w, err := b.running(ctx)
		if err != nil {
			return nil, err
		}

		id := b.nextID.Add(1)
		line, err := encodeRequest(id, method, encoded)
		if err != nil {
			return nil, err
		}

		call := newPendingCall(id, method)
		if err := w.pending.add(call); err != nil {
			// the worker exited after it was handed out
			if attempt == 0 && !w.stopping.Load() {
				continue
			}
			return nil, err
		}

		sendErr := w.send(wait, line)
		if sendErr == nil {
			return b.await(ctx, wait, w, call, timeout)
		}

		var swept *outcome
		if _, ok := w.pending.take(id); !ok {
			out := <-call.done
			swept = &out
		}
		switch {
		case errors.Is(sendErr, errWorkerGone) && attempt == 0 && !w.stopping.Load():
			// the request never reached the worker, so a fresh one can take it
			continue
		case swept != nil:
			return swept.result, swept.err
		case wait.Err() != nil:
			return nil, b.expired(ctx, method, id, timeout)
		default:
			return nil, fmt.Errorf("failed to send %s (id %d) to knowledge worker: %w", method, id, sendErr)
		}
	}
}

func (b *Bridge) await(ctx, wait context.Context, w *worker, call *pendingCall, timeout time.Duration) (json.RawMessage, error) {
	select {
	case out := <-call.done:
		return out.result, out.err
	case <-wait.Done():
		if _, ok := w.pending.take(call.id); !ok {
			out := <-call.done
			return out.result, out.err
		}
		return nil, b.expired(ctx, call.method, call.id, timeout)
	}
}

// expired builds the error for a call abandoned because ctx ended or its
// timeout elapsed.
func (b *Bridge) expired(ctx context.Context, method string, id int64, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s (id %d): %w", method, id, err)
	}
	b.logger.WarnContext(ctx, "knowledge worker call timed out",
		slog.String("method", method), slogx.CallID(id), slogx.Duration("timeout_ms", timeout))
	return fmt.Errorf("%w: %s (id %d) after %s", ErrTimeout, method, id, timeout)
}

// QueryGraph runs a graph query through the result cache. Concurrent
// identical queries share one worker call.
func (b *Bridge) QueryGraph(ctx context.Context, params any) (Result, error) {
	start := time.Now()
	encoded, err := encodeParams(params)
	if err != nil {
		return Result{}, err
	}
	key, err := cacheKey(MethodQueryGraph, encoded)
	if err != nil {
		return Result{}, err
	}

	gen := b.cache.generation()
	if cached, ok := b.cache.get(key); ok {
		b.observe(ctx, sampleHit, time.Since(start))
		return Result{raw: cached}, nil
	}

	// queries started before an update never answer queries issued after it
	leader := false
	v, err, _ := b.queries.Do(strconv.FormatUint(gen, 10)+"|"+key, func() (any, error) {
		leader = true
		raw, err := b.call(ctx, MethodQueryGraph, encoded, b.cfg.QueryTimeout)
		if err != nil {
			return nil, err
		}
		b.cache.put(gen, key, raw)
		return raw, nil
	})

	kind := sampleMiss
	if !leader && err == nil {
		kind = sampleHit
	}
	b.observe(ctx, kind, time.Since(start))
	if err != nil {
		return Result{}, err
	}
	return newResult(v.(json.RawMessage)), nil
}

// ApplyUpdate sends a graph update and then clears the result cache, whether
// or not the update succeeded.
func (b *Bridge) ApplyUpdate(ctx context.Context, diff any) (Result, error) {
	start := time.Now()
	raw, err := b.call(ctx, MethodApplyUpdate, diff, b.cfg.UpdateTimeout)
	b.cache.clear()
	b.observe(ctx, sampleUpdate, time.Since(start))
	if err != nil {
		return Result{}, err
	}
	return Result{raw: raw}, nil
}

// MetricsSnapshot returns the current metrics.
func (b *Bridge) MetricsSnapshot() MetricsSnapshot {
	s := b.window.snapshot()
	s.CacheSize = b.cache.len()
	s.InFlight = b.inFlight.Load()
	if spawns := b.spawns.Load(); spawns > 1 {
		s.Restarts = spawns - 1
	}
	return s
}

func (b *Bridge) observe(ctx context.Context, kind sampleKind, d time.Duration) {
	total := b.window.record(d, kind)
	b.prom.latency.WithLabelValues(kind.String()).Observe(d.Seconds())
	if kind != sampleUpdate {
		b.prom.lookups.WithLabelValues(kind.String()).Inc()
	}

	if total%int64(b.cfg.MetricsEvery) != 0 {
		return
	}
	snap := b.MetricsSnapshot()
	b.logger.InfoContext(ctx, "knowledge worker metrics", slog.Any("metrics", snap))
	if b.onMetrics != nil {
		b.onMetrics(ctx, snap)
	}
}

func (b *Bridge) diagnose(ctx context.Context, d Diagnostic) {
	b.prom.diagnostics.WithLabelValues(string(d.Kind)).Inc()
	b.logger.WarnContext(ctx, "discarded knowledge worker output",
		slog.String("kind", string(d.Kind)), slog.String("line", d.Line), slogx.Error(d.Err))
	if b.onDiagnostic != nil {
		b.onDiagnostic(ctx, d)
	}
}
