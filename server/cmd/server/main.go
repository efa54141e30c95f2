package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/history"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/alerts"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/api"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/auth"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/config"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	uiDir := flag.String("ui-dir", "", "serve dashboard static files from this directory; leave empty to disable")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("extwatch-server starting", "config", *configPath)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"history_path", cfg.Server.HistoryPath,
		"poll_interval", cfg.Server.PollInterval,
		"auth_mode", cfg.Server.Auth.Mode,
		"alert_rules", len(cfg.Server.Alerts.Rules),
	)

	st, err := history.OpenSQLite(cfg.Server.HistoryPath)
	if err != nil {
		slog.Error("failed to open history", "path", cfg.Server.HistoryPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := newServer(cfg, st, logger, prometheus.DefaultRegisterer)
	go srv.hub.Run(ctx)

	httpMux := srv.mux
	httpMux.Handle("/metrics", promhttp.Handler())

	// Optional dashboard. The "/" catch-all serves index.html for unknown
	// paths so client-side routing works.
	if *uiDir != "" {
		fs := http.FileServer(http.Dir(*uiDir))
		httpMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := filepath.Join(*uiDir, filepath.Clean("/"+r.URL.Path))
			if _, err := os.Stat(path); os.IsNotExist(err) {
				http.ServeFile(w, r, filepath.Join(*uiDir, "index.html"))
				return
			}
			fs.ServeHTTP(w, r)
		})
		slog.Info("serving UI static files", "dir", *uiDir)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("extwatch-server shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	srv.alerts.Wait()
}

// server bundles the wired components behind the HTTP mux.
type server struct {
	mux    *http.ServeMux
	hub    *ws.Hub
	alerts *alerts.Engine
}

// newServer wires the REST API, WebSocket hub and alert engine over st. The
// caller runs the hub and serves the mux.
func newServer(cfg *config.Config, st history.Store, logger *slog.Logger, reg prometheus.Registerer) *server {
	alertEngine := alerts.New(cfg.Server.Alerts, logger)
	hub := ws.New(st, cfg.Server.PollInterval, func(ev api.RunEvent) {
		alertEngine.Evaluate(alerts.Observation{Run: ev.Run, Trend: ev.Trend})
	})

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "extwatch_server_ws_clients",
		Help: "Connected WebSocket clients.",
	}, func() float64 { return float64(hub.Count()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "extwatch_server_alerts_active",
		Help: "Alerts currently firing or recently resolved.",
	}, func() float64 { return float64(len(alertEngine.Active())) }))

	authn := func(h http.Handler) http.Handler {
		return auth.APIKeyMiddleware(
			cfg.Server.Auth.Mode,
			cfg.Server.Auth.EffectiveHeader(),
			cfg.Server.Auth.Key(),
			h,
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", authn(api.New(st, alertEngine)))
	mux.Handle("/ws/stream", authn(hub))
	return &server{mux: mux, hub: hub, alerts: alertEngine}
}
