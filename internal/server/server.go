// Package server exposes the control-plane REST API, the live event
// stream and the Prometheus endpoint. All tenant-scoped routes read the
// tenant from the X-Uho-Tenant header.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/metrics"
)

// Server is the HTTP server carrying the REST API, the WebSocket
// endpoints and the metrics handler.
type Server struct {
	handlers *handlers
	prom     *metrics.Prom
	logger   zerolog.Logger
	hub      *Hub
	srv      *http.Server
}

func New(h *handlers, collector *metrics.Collector, prom *metrics.Prom, logger zerolog.Logger) *Server {
	return &Server{
		handlers: h,
		prom:     prom,
		logger:   logger.With().Str("component", "http-server").Logger(),
		hub:      newHub(collector, logger),
	}
}

// routes builds the full route table.
func (s *Server) routes() *http.ServeMux {
	h := s.handlers

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/logs", h.logs)

	mux.HandleFunc("POST /api/v1/programs", h.registerProgram)
	mux.HandleFunc("GET /api/v1/subscriptions", h.listSubscriptions)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}", h.getSubscription)
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/pause", h.pauseSubscription)
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/resume", h.resumeSubscription)
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/archive", h.archiveSubscription)
	mux.HandleFunc("PUT /api/v1/subscriptions/{id}/enablement", h.setEnablement)

	mux.HandleFunc("POST /api/v1/subscriptions/{id}/views", h.createView)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}/views", h.listViews)
	mux.HandleFunc("DELETE /api/v1/subscriptions/{id}/views/{name}", h.deleteView)

	mux.HandleFunc("GET /api/v1/subscriptions/{id}/events", h.listEvents)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}/events/count", h.countEvents)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}/events/tx/{signature}", h.eventsByTx)

	mux.HandleFunc("POST /api/v1/subscriptions/{id}/backfills", h.createBackfill)
	mux.HandleFunc("GET /api/v1/backfills", h.listBackfills)
	mux.HandleFunc("GET /api/v1/backfills/{id}", h.getBackfill)
	mux.HandleFunc("POST /api/v1/backfills/{id}/cancel", h.cancelBackfill)
	mux.HandleFunc("POST /api/v1/backfills/{id}/retry", h.retryBackfill)

	mux.HandleFunc("POST /api/v1/subscriptions/{id}/webhooks", h.createWebhook)
	mux.HandleFunc("GET /api/v1/webhooks", h.listWebhooks)
	mux.HandleFunc("DELETE /api/v1/webhooks/{id}", h.deleteWebhook)

	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)
	mux.HandleFunc("/api/v1/subscriptions/{id}/stream", h.streamEvents)

	if s.prom != nil {
		mux.Handle("GET /metrics", s.prom.Handler())
	}
	return mux
}

// Start begins serving on the given port. It blocks until the context
// is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.routes(),
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)

	s.logger.Info().Int("port", port).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context, port int) {
	go func() {
		if err := s.Start(ctx, port); err != nil && ctx.Err() == nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}
