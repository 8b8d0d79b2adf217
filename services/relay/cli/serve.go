package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-relay/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-relay/services/relay"
	"github.com/ramiqadoumi/go-task-relay/services/relay/config"
	"github.com/ramiqadoumi/go-task-relay/services/relay/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler, file watchers, and REST API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("redis-addr", "", "Redis address (host:port) for leader election and rate limiting; empty disables both")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Int("max-concurrent", 3, "maximum tasks running at once")
	f.Duration("task-timeout", 5*time.Minute, "how long a task may run before it fails with a timeout")
	f.String("watch-mode", config.WatchFSNotify, "change detection: fsnotify | poll")
	f.String("allowed-roots", "", "comma-separated directories projects must live under; empty allows any")
	f.String("watch-projects", "", "comma-separated projects to watch at startup")
	f.Int("submit-rate-limit", 0, "submissions per project per minute via the REST API; 0 disables")

	bindFlag("http_port", f, "http-port")
	bindFlag("metrics_addr", f, "metrics-addr")
	bindFlag("redis_addr", f, "redis-addr")
	bindFlag("otel_endpoint", f, "otel-endpoint")
	bindFlag("max_concurrent", f, "max-concurrent")
	bindFlag("task_timeout", f, "task-timeout")
	bindFlag("watch_mode", f, "watch-mode")
	bindFlag("allowed_roots", f, "allowed-roots")
	bindFlag("watch_projects", f, "watch-projects")
	bindFlag("submit_rate_limit", f, "submit-rate-limit")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "relay")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "relay", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── signal handling ───────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rl, err := relay.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rl.Close(); err != nil {
			logger.Error("close", slog.String("error", err.Error()))
		}
	}()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, rl.Ready, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	rest := handler.NewREST(handler.Deps{
		Tasks:        rl.Scheduler,
		Watches:      rl.Watcher,
		Activity:     rl.Recorder,
		Templates:    rl.Templates,
		Supervisions: rl.Supervisor,
		Validator:    rl.Validator,
		Limiter:      rl.Limiter,
		Ready:        rl.Ready,
		Background:   ctx,
	}, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           rest.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: GET /tasks/{id}?wait= holds the response open.
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("relay HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := rl.Run(ctx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("relay failed", slog.String("error", runErr.Error()))
	}
	logger.Info("shutting down...")
	stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	<-runDone
	logger.Info("stopped")
	return runErr
}
