/*
File: presenceservice/presenceservice.go
Description: Assembles the HTTP API surface (leadership arbitration, the
presence event stream, health and metrics) into a runnable service.
*/
package presenceservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/internal/api"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

// Wrapper owns the API HTTP server and its router.
type Wrapper struct {
	server        *http.Server
	apiHandler    *api.API
	logger        zerolog.Logger
	httpReadyChan chan struct{}
	listenerAddr  net.Addr
}

// New creates and wires up the API service.
func New(
	cfg *config.AppConfig,
	apiHandler *api.API,
	authMiddleware func(http.Handler) http.Handler,
	registry *prometheus.Registry,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if apiHandler == nil {
		return nil, fmt.Errorf("api handler cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry cannot be nil")
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	router.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/presence/stream", apiHandler.PresenceStreamHandler)
		r.Route("/leadership/{channel}", func(r chi.Router) {
			r.Get("/", apiHandler.LeadershipStatusHandler)
			r.Post("/claim", apiHandler.LeadershipClaimHandler)
			r.Post("/heartbeat", apiHandler.LeadershipHeartbeatHandler)
			r.Post("/release", apiHandler.LeadershipReleaseHandler)
		})
	})

	return &Wrapper{
		server: &http.Server{
			Addr:    ":" + cfg.APIPort,
			Handler: router,
		},
		apiHandler:    apiHandler,
		logger:        logger.With().Str("component", "APIService").Logger(),
		httpReadyChan: make(chan struct{}),
	}, nil
}

// Start listens and serves until Shutdown. The ready channel closes once the
// listener is bound, so callers can wait for a usable port.
func (w *Wrapper) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind API listener: %w", err)
	}
	w.listenerAddr = listener.Addr()
	close(w.httpReadyChan)
	w.logger.Info().Str("addr", w.listenerAddr.String()).Msg("API server starting...")

	if err := w.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// GetHTTPPort returns the bound port (":0" resolves after Start), or "" when
// the listener is not up yet.
func (w *Wrapper) GetHTTPPort() string {
	select {
	case <-w.httpReadyChan:
	default:
		return ""
	}
	if addr, ok := w.listenerAddr.(*net.TCPAddr); ok {
		return fmt.Sprintf(":%d", addr.Port)
	}
	return ""
}

// Shutdown gracefully stops the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down API service...")
	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("API server shutdown failed.")
		return err
	}
	w.logger.Info().Msg("API service shut down.")
	return nil
}
