package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/dccwallet/service/bridge"
	"github.com/brojonat/dccwallet/service/config"
	"github.com/brojonat/dccwallet/service/connector"
	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/nats"
	"github.com/brojonat/dccwallet/service/node"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/orchestrator"
	"github.com/brojonat/dccwallet/service/server"
	"github.com/brojonat/dccwallet/service/txpipeline"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting wallet daemon",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"tx_mode", string(cfg.TxMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	nodeClient := node.NewClient(node.Config{
		Timeout:           cfg.NodeTimeout,
		RequestsPerSecond: cfg.NodeRequestsPerSecond,
	}, m, logger)

	broker := notify.NewBroker(cfg.NotificationHistorySize, logger)
	sinks := notify.Fanout{broker, notify.NewLogSink(logger)}

	var publisher nats.Publisher
	if cfg.NATSURL != "" {
		pub, err := nats.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err, "url", cfg.NATSURL)
			os.Exit(1)
		}
		defer pub.Close()
		publisher = pub
		sinks = append(sinks, nats.NewSink(pub))
		logger.Info("publishing to NATS", "url", cfg.NATSURL, "stream", nats.StreamName)
	} else {
		logger.Warn("NATS_URL not set, events are not published")
	}
	sink := notify.Instrumented(sinks, m)

	hub := bridge.NewHub(bridge.Config{AllowedOrigins: cfg.AllowedOrigins}, nil, m, logger)

	orch := orchestrator.New(hub, nodeClient, sink, nil, orchestrator.Config{
		ProbeAttempts:     cfg.ProbeMaxAttempts,
		ProbeInterval:     cfg.ProbeInterval,
		SupportedBrowsers: cfg.SupportedBrowsers,
		InstallURL:        cfg.InstallURL,
		Pipeline: txpipeline.Config{
			Mode:         cfg.TxMode,
			PollInterval: cfg.ConfirmPollInterval,
			Timeout:      cfg.ConfirmTimeout,
		},
	}, m, logger)
	defer orch.Stop()

	if publisher != nil {
		orch.Pipeline().OnOutcome(nats.OutcomeHandler(publisher, logger))
	}

	// every page that says hello starts a fresh connection attempt
	hub.SetHelloFunc(func(pageCtx context.Context, env connector.Environment) {
		if err := orch.Start(pageCtx, env); err != nil {
			logger.Warn("connection attempt ended", "browser", env.Browser(), "error", err)
		}
	})

	httpServer := server.New(cfg.ServerAddr, cfg, orch, broker, hub, m, logger)
	if err := httpServer.WithTemplates(); err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
