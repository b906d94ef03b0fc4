package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/observability"
	"github.com/oriys/vega/internal/watchdog"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the assistant runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			metrics.InitPrometheus("vega", nil)

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Telemetry.Enabled,
				Exporter:    cfg.Telemetry.Exporter,
				Endpoint:    cfg.Telemetry.Endpoint,
				ServiceName: "vega",
				SampleRate:  cfg.Telemetry.SampleRate,
			}); err != nil {
				logging.Op().Warn("telemetry init failed", "error", err)
			}

			k, err := buildKernel(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer k.Close()

			// Pull any missing local model in the background so a cold
			// install converges without blocking startup.
			go func() {
				if err := k.local.EnsureModels(context.Background()); err != nil {
					logging.Op().Warn("local model check failed", "error", err)
				}
			}()

			wd := watchdog.New(k.journal)
			wd.Start()
			defer wd.Stop()

			// Mirror lockdown broadcasts into the ops log so an operator
			// tailing the daemon sees state flips from any process.
			watchCtx, watchCancel := context.WithCancel(ctx)
			defer watchCancel()
			go func() {
				for ev := range k.security.Watch(watchCtx) {
					evCtx := observability.InjectTraceContext(watchCtx, ev.Trace)
					_, span := observability.StartSpan(evCtx, "vega.lockdown.event")
					logging.Op().Warn("lockdown state changed", "active", ev.Active, "reason", ev.Reason)
					span.End()
				}
			}()

			if err := k.dream.Schedule(cfg.Dream.Schedule); err != nil {
				return err
			}

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.HandleFunc("/healthz", observability.TracingHandler("vega.healthz", func(w http.ResponseWriter, r *http.Request) {
					st := k.health.Collect(r.Context())
					w.Header().Set("Content-Type", "application/json")
					if !st.Healthy {
						w.WriteHeader(http.StatusServiceUnavailable)
					}
					writeJSON(w, st)
				}))
				httpServer = &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http server failed", "error", err)
					}
				}()
				logging.Op().Info("serving metrics", "addr", cfg.Daemon.HTTPAddr)
			}

			logging.Op().Info("daemon ready",
				"skills_root", cfg.Skills.Root,
				"dream_schedule", cfg.Dream.Schedule,
				"cloud_enabled", k.cloud.Enabled())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				httpServer.Shutdown(shutdownCtx)
				cancel()
			}
			observability.Shutdown(context.Background())
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "Metrics/health HTTP address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")

	return cmd
}
