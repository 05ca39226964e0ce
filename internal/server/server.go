// Package server exposes the client socket and the administrative HTTP routes.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/mock"
	"github.com/john/multichat/internal/orchestrator"
	"github.com/john/multichat/internal/telemetry"
)

// Gateway is the client socket endpoint.
type Gateway interface {
	http.Handler
	Disconnect(clientID string) bool
	Count() int
}

// Registry is the per-client connection state.
type Registry interface {
	Disconnect(clientID string)
	Stats() orchestrator.Stats
}

// Mock is the synthetic event generator.
type Mock interface {
	Start(mock.Settings) (mock.Status, error)
	Stop() mock.Status
	Status() mock.Status
	Generate(kind string, p message.Platform, o mock.Options) (any, error)
}

// Options configures the HTTP server.
type Options struct {
	Addr        string
	AdminToken  string
	CORSOrigins []string
	Version     string
	// Services lists the upstream platforms enabled on this server.
	Services map[message.Platform]bool
}

// Server provides the HTTP endpoints
type Server struct {
	opts     Options
	gateway  Gateway
	registry Registry
	mock     Mock
	started  time.Time
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new server. m may be nil to disable the /test routes.
func New(opts Options, gw Gateway, reg Registry, m Mock, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		gateway:  gw,
		registry: reg,
		mock:     m,
		started:  time.Now(),
		logger:   logger.With(slog.String("component", "http")),
	}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", s.gateway)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /disconnect-self", s.handleDisconnectSelf)
	admin.HandleFunc("POST /test/start-mock", s.handleStartMock)
	admin.HandleFunc("POST /test/stop-mock", s.handleStopMock)
	admin.HandleFunc("GET /test/status", s.handleMockStatus)
	admin.HandleFunc("POST /test/generate/{type}/{platform}", s.handleGenerate)
	guarded := adminAuth(admin, s.opts.AdminToken, s.logger)
	mux.Handle("/disconnect-self", guarded)
	mux.Handle("/test/", guarded)

	return withCORS(s.observe(mux), s.opts.CORSOrigins)
}

// observe attaches a correlation id and a span to every request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path))
		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		var err error
		if rec.statusCode >= 400 {
			err = fmt.Errorf("HTTP %d", rec.statusCode)
		}
		telemetry.EndSpan(span, err)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked sockets are not
// tracked by http.Server and must be closed by the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}
