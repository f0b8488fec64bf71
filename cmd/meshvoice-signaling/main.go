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

	"github.com/redis/go-redis/v9"

	"github.com/meshvoice/meshvoice/internal/auth"
	"github.com/meshvoice/meshvoice/internal/config"
	"github.com/meshvoice/meshvoice/internal/httpapi"
	"github.com/meshvoice/meshvoice/internal/httpserver"
	"github.com/meshvoice/meshvoice/internal/metrics"
	"github.com/meshvoice/meshvoice/internal/monitor"
	"github.com/meshvoice/meshvoice/internal/ratelimit"
	"github.com/meshvoice/meshvoice/internal/registry"
	"github.com/meshvoice/meshvoice/internal/signaling"
	"github.com/meshvoice/meshvoice/internal/turnrest"
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

	logger.Info("starting meshvoice-signaling",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("signaling_path", cfg.SignalingPath),
		slog.String("mode", string(cfg.Mode)),
		slog.String("auth_mode", string(cfg.AuthMode)),
		slog.Int("stun_servers", len(cfg.STUNServers)),
		slog.Int("turn_servers", len(cfg.TURNServers)),
		slog.Bool("presence_mirror", cfg.RedisAddr != ""),
	)
	logStartupSecurityWarnings(logger, cfg)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", slog.Any("err", err))
		os.Exit(2)
	}

	var mirror *registry.PresenceMirror
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		mirror = registry.NewPresenceMirror(rdb, logger, cfg.PresenceTTL)
	}

	clock := ratelimit.RealClock{}

	var turnCreds *turnrest.Generator
	if cfg.TURNRESTSecret != "" {
		turnCreds, err = turnrest.New(cfg.TURNRESTSecret, cfg.TURNRESTTTL, "meshvoice", clock)
		if err != nil {
			logger.Error("failed to configure TURN credentials", slog.Any("err", err))
			os.Exit(2)
		}
	}

	reg := registry.New(clock, mirror)
	m := metrics.New()
	mon := monitor.New(clock, cfg.LatencyWindow, cfg.LatencyMaxSamples)

	sig := signaling.NewServer(signaling.Config{
		Logger:               logger,
		Registry:             reg,
		Metrics:              m,
		Monitor:              mon,
		Verifier:             verifier,
		Clock:                clock,
		AuthMode:             cfg.AuthMode,
		CheckOrigin:          httpserver.CheckOrigin(cfg.AllowedOrigins),
		STUNServers:          cfg.STUNServers,
		TURNServers:          cfg.TURNServers,
		TURNCredentials:      turnCreds,
		WSIdleTimeout:        cfg.WSIdleTimeout,
		WSPingInterval:       cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		ICEBatchDelay:        cfg.ICEBatchDelay,
		CandidateDedupTTL:    cfg.CandidateDedupTTL,
	})

	api := httpapi.New(logger, reg, m, mon)

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Handlers{
		Signaling: sig,
		API:       api.Handler(cfg.AuthMode, verifier),
		Metrics:   metrics.PrometheusHandler(m),
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", slog.Any("err", err))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", slog.Any("err", err))
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", slog.Any("err", err))
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", slog.Any("err", err))
		os.Exit(1)
	}
}

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("auth disabled; any client may join rooms and signal peers")
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			logger.Warn("allowed origins contains a wildcard; browser origin checks are disabled")
		}
	}
	if len(cfg.TURNServers) == 0 {
		logger.Info("no TURN servers configured; clients behind symmetric NATs may fail to connect")
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
