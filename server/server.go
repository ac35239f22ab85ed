// Package server exposes document coordinators to the host over HTTP and
// streams job notifications over a websocket.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/richinsley/comfyjobs/coordinator"
	"github.com/richinsley/comfyjobs/job"
)

// ImageFetcher is implemented by backends that can return result images.
type ImageFetcher interface {
	FetchImage(ctx context.Context, ref job.ResultRef) ([]byte, error)
}

type Config struct {
	Addr            string
	Token           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg      Config
	registry *coordinator.Registry
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config, registry *coordinator.Registry, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		log:      log.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger(s.log),
	)

	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.Token))
		r.Route("/documents/{doc}", func(r chi.Router) {
			r.Delete("/", s.closeDocument)
			r.Post("/jobs", s.submit)
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{id}", s.getJob)
			r.Delete("/jobs/{id}", s.cancelJob)
			r.Get("/jobs/{id}/results/{n}", s.result)
			r.Get("/history", s.history)
			r.Get("/events", s.events)
		})
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("control server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info().Msg("control server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) error(w http.ResponseWriter, code int, kind, msg string) {
	s.json(w, code, errorResponse{Error: kind, Message: msg})
}

// fail maps core errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, job.ErrInvalidDescriptor):
		code, kind = http.StatusBadRequest, "invalid_descriptor"
	case errors.Is(err, job.ErrUnknownJob):
		code, kind = http.StatusNotFound, "unknown_job"
	case errors.Is(err, job.ErrMissingResource):
		code, kind = http.StatusNotFound, "missing_resource"
	case errors.Is(err, job.ErrCapacityExceeded):
		code, kind = http.StatusTooManyRequests, "capacity_exceeded"
	case errors.Is(err, job.ErrBackendRejected):
		code, kind = http.StatusUnprocessableEntity, "backend_rejected"
	case errors.Is(err, job.ErrConnectivity):
		code, kind = http.StatusBadGateway, "backend_unreachable"
	case errors.Is(err, coordinator.ErrClosed):
		code, kind = http.StatusServiceUnavailable, "document_closed"
	case errors.Is(err, context.Canceled):
		code, kind = 499, "cancelled"
	}
	if code >= 500 {
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	}
	s.error(w, code, kind, err.Error())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"documents": s.registry.Documents(),
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(errorResponse{Error: "unauthorized", Message: "missing or invalid token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the events websocket upgrade through the logger.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func requestLogger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			l.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
