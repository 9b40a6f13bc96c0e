package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/warmlink/rendezvous/internal/config"
	"github.com/warmlink/rendezvous/internal/httpserver"
	"github.com/warmlink/rendezvous/internal/hub"
	"github.com/warmlink/rendezvous/internal/metrics"
	"github.com/warmlink/rendezvous/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting rendezvousd",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"max_clients", cfg.MaxClients,
		"sweep_interval", cfg.SweepInterval,
		"client_idle_timeout", cfg.ClientIdleTimeout,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"send_queue_size", cfg.SendQueueSize,
		"ice_servers", len(cfg.ICEServers),
	)

	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	h := hub.New(hub.Config{
		MaxClients:        cfg.MaxClients,
		SweepInterval:     cfg.SweepInterval,
		ClientIdleTimeout: cfg.ClientIdleTimeout,
	}, logger, m)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	srv.SetStats(func() (clients, waiting int) {
		snap := h.Snapshot()
		return snap.Clients, snap.Waiting
	})

	sig := signaling.NewServer(signaling.Config{
		Hub:                  h,
		Log:                  logger,
		Metrics:              m,
		AllowedOrigins:       cfg.AllowedOrigins,
		ClientIdleTimeout:    cfg.ClientIdleTimeout,
		SweepInterval:        cfg.SweepInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendQueueSize:        cfg.SendQueueSize,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go h.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		stopSweep()
		h.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	stopSweep()
	h.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
