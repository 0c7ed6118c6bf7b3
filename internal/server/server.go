// Package server exposes the terminal bridge and its pane inspection API
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/choonkeat/termbridge/internal/bridge"
	"github.com/choonkeat/termbridge/internal/idle"
	"github.com/choonkeat/termbridge/internal/liveness"
	"github.com/choonkeat/termbridge/internal/observability"
	"github.com/choonkeat/termbridge/internal/pane"
)

const (
	DefaultListen          = "127.0.0.1:9898"
	DefaultShutdownTimeout = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Listen          string
	ShutdownTimeout time.Duration
	Version         string
	Logger          *slog.Logger
}

// Server owns the HTTP listener, the pane registry and the liveness hub.
type Server struct {
	registry *pane.Registry
	bridge   *bridge.Handler
	hub      *liveness.Hub
	logger   *slog.Logger
	opts     Options
	router   chi.Router
}

// New wires bridge, registry and hub together and builds the router.
// Release of a pane publishes its closed state; idle transitions are
// published as they happen.
func New(registry *pane.Registry, b *bridge.Handler, hub *liveness.Hub, opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	registry.OnRelease = hub.Remove
	b.OnState = func(paneID string, state idle.State) { hub.Publish(paneID, string(state)) }

	s := &Server{
		registry: registry,
		bridge:   b,
		hub:      hub,
		logger:   opts.Logger,
		opts:     opts,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(localOriginMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.bridge.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", s.handleAgents)
		r.Get("/liveness", s.hub.ServeHTTP)
		r.Get("/panes", s.handlePanes)
		r.Get("/panes/{id}/screen", s.handleScreen)
		r.Delete("/panes/{id}", s.handleTerminate)
	})
	return r
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "termbridge",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then terminates every pane and
// shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		// No write timeout: sockets and event streams are long-lived.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return observability.WithLogger(context.Background(), s.logger)
		},
	}

	s.logger.Info("termbridge listening",
		slog.String("event.type", "server.start"),
		slog.String("server.addr", ln.Addr().String()),
		slog.String("service.version", s.opts.Version),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown(srv)
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	n := s.registry.CloseAll(s.bridge.TerminateGrace())
	s.logger.Info("shutting down",
		slog.String("event.type", "server.shutdown"),
		slog.Int("server.panes", n),
	)

	// Event streams hold their requests open; end them first.
	if err := s.hub.Shutdown(ctx); err != nil {
		s.logger.Warn("liveness shutdown", slog.Any("error", err))
	}
	err := srv.Shutdown(ctx)

	// Hijacked sockets are not tracked by http.Server; wait for their
	// panes to be released.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %d panes still running: %w", s.registry.Len(), ctx.Err())
		case <-ticker.C:
		}
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.opts.Version,
		"panes":   s.registry.Len(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Agents().Agents())
}

func (s *Server) handlePanes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Acquire(chi.URLParam(r, "id"))
	if !ok || sess.Screen == nil {
		writeError(w, http.StatusNotFound, "pane not found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Add("Vary", "Accept-Encoding")
	if !acceptsGzip(r) {
		_, _ = w.Write([]byte(sess.Screen.Text()))
		return
	}

	body, err := sess.Screen.Compressed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	_, _ = w.Write(body)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.registry.Acquire(id)
	if !ok {
		writeError(w, http.StatusNotFound, "pane not found")
		return
	}
	p := sess.Process()
	if p == nil {
		writeError(w, http.StatusConflict, "pane is still starting")
		return
	}

	observability.FromContext(r.Context()).Info("pane terminate requested",
		slog.String("event.type", "server.terminate"),
		slog.String("pane.id", id),
	)
	p.Terminate(s.bridge.TerminateGrace())
	writeJSON(w, http.StatusAccepted, map[string]any{"paneId": id, "status": "terminating"})
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "gzip") {
			return true
		}
	}
	return false
}

// localOriginMiddleware rejects browser requests from non-loopback origins.
func localOriginMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !bridge.IsLocalOrigin(r) {
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := observability.FromContext(r.Context()).With(
			slog.String("http.method", r.Method),
			slog.String("http.path", r.URL.Path),
		)
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(observability.WithLogger(r.Context(), logger)))
		logger.Debug("request",
			slog.String("event.type", "http.request"),
			slog.Int("http.status", ww.Status()),
			slog.Duration("http.duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Warn("encode response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
