package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/quiche/internal/metrics"
	"github.com/michaelbrown/quiche/internal/scheduler"
	"github.com/michaelbrown/quiche/internal/storage"
)

// Scheduler is the part of *scheduler.Scheduler the transport drives.
type Scheduler interface {
	Submit(ctx context.Context, req scheduler.Request) (int, error)
	Status() scheduler.Snapshot
	Position(requesterID string) (int, bool)
	Terminate(requesterID string) error
	QueuedText(position int) string
}

// Manifests stores per-requester dependency manifests.
type Manifests interface {
	Save(requesterID, filename string, r io.Reader) error
}

// Server is the HTTP server for the quiche API.
type Server struct {
	sched     Scheduler
	store     storage.Store
	manifests Manifests
	metrics   *metrics.Metrics
	log       *zap.Logger
	channels  *ChannelManager
	router    chi.Router
	http      *http.Server
}

// New creates a new Server. store and m may be nil, which disables run
// history and the metrics endpoint respectively.
func New(sched Scheduler, store storage.Store, manifests Manifests, m *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{
		sched:     sched,
		store:     store,
		manifests: manifests,
		metrics:   m,
		log:       log,
		channels:  NewChannelManager(),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/channels/{channel}/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Get("/queue", s.handleQueue)
			r.Delete("/sessions/{requester}", s.handleTerminate)
			r.Put("/requirements/{requester}", s.handleSaveRequirements)

			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Delete("/runs/{id}", s.handleDeleteRun)
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("server starting", zap.String("addr", "http://localhost"+addr))
	return s.http.ListenAndServe()
}

// Shutdown closes every websocket and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.channels.CloseAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
