package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/dccwallet/service/config"
	"github.com/brojonat/dccwallet/service/connector"
	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/orchestrator"
	"github.com/brojonat/dccwallet/service/txpipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Wallet is the slice of the orchestrator the HTTP API drives.
type Wallet interface {
	State() orchestrator.State
	Login(ctx context.Context) (orchestrator.State, error)
	Logout(ctx context.Context) orchestrator.State
	SendTx(ctx context.Context, payload json.RawMessage) (<-chan txpipeline.Outcome, error)
	BuildTx(ctx context.Context, payload json.RawMessage) (connector.SignedTx, error)
}

// Server is the HTTP surface of the wallet daemon.
type Server struct {
	addr     string
	cfg      *config.Config
	wallet   Wallet
	broker   *notify.Broker
	bridge   http.Handler
	renderer *TemplateRenderer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates the HTTP server. broker and bridge are optional; without them
// the notification stream and the bridge socket are not served. Without
// metrics there is no /metrics endpoint.
func New(addr string, cfg *config.Config, wallet Wallet, broker *notify.Broker, bridge http.Handler, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		cfg:     cfg,
		wallet:  wallet,
		broker:  broker,
		bridge:  bridge,
		metrics: m,
		logger:  logger.With("component", "server"),
	}
}

// WithTemplates enables the bridge page at "/" using the embedded templates.
func (s *Server) WithTemplates() error {
	renderer, err := NewTemplateRenderer(s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}
	s.renderer = renderer
	s.logger.Info("HTML templates loaded from embedded files")
	return nil
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
	}

	route("GET /api/v1/state", handleGetState(s.wallet))
	route("GET /api/v1/networks", handleListNetworks())
	route("GET /api/v1/networks/{network}", handleGetNetwork(s.logger))
	route("POST /api/v1/login", handleLogin(s.wallet, s.logger))
	route("POST /api/v1/logout", handleLogout(s.wallet, s.logger))
	route("POST /api/v1/transactions", handleSendTransaction(s.wallet, s.logger))
	route("POST /api/v1/transactions/sign", handleSignTransaction(s.wallet, s.logger))

	if s.broker != nil {
		route("GET /api/v1/stream/notifications", handleStreamNotifications(s.broker, s.metrics, s.logger))
		route("GET /api/v1/notifications", handleRecentNotifications(s.broker))
	} else {
		s.logger.Warn("notification broker not configured, streaming endpoints disabled")
	}

	if s.bridge != nil {
		route("GET /bridge", s.bridge)
		if s.renderer != nil {
			installURL := ""
			if s.cfg != nil {
				installURL = s.cfg.InstallURL
			}
			mux.HandleFunc("GET /{$}", handleBridgePage(s.renderer, installURL))
			mux.HandleFunc("GET /favicon.ico", handleFavicon())
			mux.HandleFunc("GET /favicon.svg", handleFavicon())
		}
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	var origins []string
	if s.cfg != nil {
		origins = s.cfg.AllowedOrigins
	}
	return corsMiddleware(origins, mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: the SSE stream, the bridge socket and waited
		// transactions are long-lived
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown disconnects stream subscribers, then shuts the HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if s.broker != nil {
		s.broker.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers and answers preflight requests. An empty
// origin list or "*" allows any origin.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
