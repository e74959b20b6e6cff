package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casualjim/roost"
	"github.com/casualjim/roost/bridge"
	"github.com/casualjim/roost/bus"
	"github.com/casualjim/roost/events"
	"github.com/casualjim/roost/pkg/slogx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeCmd runs the substrate until interrupted.
type ServeCmd struct {
	Addr  string `help:"HTTP listen address for /metrics, /healthz and /stats." default:":9464" env:"ROOST_HTTP_ADDR"`
	Spawn bool   `help:"Start the knowledge worker immediately instead of on first use."`
	Tail  string `help:"Print events matching this pattern to stdout." placeholder:"PATTERN"`
}

func (c *ServeCmd) Run(ctx context.Context, cli *CLI) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := cli.open(ctx, roost.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	if c.Spawn {
		if err := s.Bridge().Start(ctx); err != nil {
			return err
		}
	}
	if c.Tail != "" {
		id, err := s.Bus().Subscribe(ctx, c.Tail, func(_ context.Context, ev events.Event) error {
			return writeEvent(os.Stdout, ev, false)
		}, "roost-serve")
		if err != nil {
			return err
		}
		defer s.Bus().Unsubscribe(context.Background(), id)
	}

	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           newRouter(s.Bus(), s.Bridge(), reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", slog.String("addr", c.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", slogx.Error(err))
	}
	return nil
}

type statsSource interface {
	Stats(context.Context) (bus.Stats, error)
}

type bridgeStatus interface {
	State() bridge.State
	MetricsSnapshot() bridge.MetricsSnapshot
}

func newRouter(st statsSource, br bridgeStatus, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}).ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"bridge": br.State().String(),
		})
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := st.Stats(req.Context())
		if err != nil {
			slog.ErrorContext(req.Context(), "failed to compute stats", slogx.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Events statsView              `json:"events"`
			Bridge bridge.MetricsSnapshot `json:"bridge"`
		}{statsJSON(stats), br.MetricsSnapshot()})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
