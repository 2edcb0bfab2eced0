package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/history"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run as a long-lived process with scheduler and metrics",
	Long: `Run kazi as a daemon: fires scheduled capability jobs, serves
Prometheus metrics, and exposes liveness/readiness endpoints. Stops
cleanly on SIGINT/SIGTERM, releasing sandbox sessions on the way out.`,
	RunE: runDaemon,
}

func runDaemon(_ *cobra.Command, _ []string) error {
	logger := newLogger(true, verbose)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := initEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Readiness: the history store must answer queries.
	if engine.Obs != nil && engine.Obs.Health != nil {
		engine.Obs.Health.AddCheck("history", func(ctx context.Context) error {
			_, err := engine.History.List(ctx, history.Query{Limit: 1})
			return err
		})
	}

	// Scheduler.
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled && len(cfg.Scheduler.Jobs) > 0 {
		var schedMetrics *scheduler.Metrics
		if m := engine.Obs.MetricsOrNil(); m != nil {
			schedMetrics = scheduler.NewMetrics(m.Registry)
		}
		sched := scheduler.New(engine.Runtime.Dispatch, schedMetrics, logger)
		if err := sched.AddJobs(ctx, cfg.Scheduler.Jobs); err != nil {
			return err
		}
		for _, job := range cfg.Scheduler.Jobs {
			if next, err := scheduler.NextRun(job.Schedule, time.Now()); err == nil {
				logger.Info("next scheduled run",
					slog.String("job", job.Name),
					slog.Time("at", next),
				)
			}
		}
		stopSched := sched.Start()
		defer stopSched()
	}

	// Metrics and health HTTP server.
	var srv *http.Server
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		srv = newMetricsServer(cfg.Observability.Metrics.MetricsListenAddr(), cfg.Observability.Metrics.MetricsPath(), engine)
		go func() {
			logger.Info("metrics server listening",
				slog.String("addr", srv.Addr),
				slog.String("path", cfg.Observability.Metrics.MetricsPath()),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("daemon started",
		slog.Int("capabilities", engine.Registry.Count()),
		slog.String("sandbox_backend", cfg.Sandbox.Backend),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", slog.String("error", err.Error()))
		}
	}
	return nil
}

// newMetricsServer builds the daemon's HTTP surface: metrics exposition
// plus liveness and readiness endpoints.
func newMetricsServer(addr, metricsPath string, engine *Engine) *http.Server {
	mux := http.NewServeMux()

	if m := engine.Obs.MetricsOrNil(); m != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, engine.Obs.Health.CheckHealth())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := engine.Obs.Health.CheckReady(r.Context())
		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})

	tracer := engine.Obs.TracerOrNil().Tracer()
	handler := observability.MetricsMiddleware(engine.Obs.MetricsOrNil(), tracer, mux)

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "encoding response:", err)
	}
}
