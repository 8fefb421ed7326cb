// Package api assembles the relay's HTTP surface (spec.md §6.5): a
// liveness probe, the graph-query and tool-protocol adapter mounts, the
// metrics endpoint, and the two WebSocket upgrade points.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/auth"
	"github.com/homecast/relay/internal/connection"
	"github.com/homecast/relay/internal/metrics"
	"github.com/homecast/relay/internal/router"
	"github.com/homecast/relay/internal/scope"
	"github.com/homecast/relay/internal/webhub"
)

// routeDeadline bounds every adapter-initiated Route call (spec.md §5's
// deadline table: client-facing requests get a generous but finite bound).
const routeDeadline = 30 * time.Second

// Server holds every dependency the HTTP surface dispatches into.
type Server struct {
	router      *router.Router
	scopeRouter *scope.Router
	connections *connection.Manager
	hub         *webhub.Hub
	jwt         *auth.JWTManager
	metrics     *metrics.Metrics
	instance    string
	logger      *zap.Logger
}

// New constructs a Server. m may be nil to disable /metrics.
func New(
	rt *router.Router,
	scopeRouter *scope.Router,
	connections *connection.Manager,
	hub *webhub.Hub,
	jwtMgr *auth.JWTManager,
	m *metrics.Metrics,
	instanceID string,
	logger *zap.Logger,
) *Server {
	return &Server{
		router:      rt,
		scopeRouter: scopeRouter,
		connections: connections,
		hub:         hub,
		jwt:         jwtMgr,
		metrics:     m,
		instance:    instanceID,
		logger:      logger,
	}
}

func (s *Server) instanceID() string { return s.instance }

// Handler builds the chi router exposing every endpoint named in spec.md §6.5.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Post("/graph-query", s.handleGraphQuery)

	r.Route("/{homePrefix}", func(hr chi.Router) {
		hr.Use(s.scopeRouter.Middleware(scope.KindHome, "homePrefix"))
		hr.Post("/tool", s.handleToolProtocol)
	})

	r.Route("/u/{userPrefix}", func(ur chi.Router) {
		ur.Use(s.scopeRouter.Middleware(scope.KindUser, "userPrefix"))
		ur.Post("/tool", s.handleToolProtocol)
	})

	r.Get("/ws", s.handleAgentSocket)
	r.Get("/ws/web", s.handleListenerSocket)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// requestLogger logs every request with method, path, status, latency, and
// request ID, adapted from the teacher's internal/api/middleware.go
// RequestLogger.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

func routeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, routeDeadline)
}
