// Package httpapi exposes the simulation control surface as JSON over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/observability"
	"github.com/signalsfoundry/railsim/internal/sim"
)

const (
	tracerName      = "github.com/signalsfoundry/railsim/internal/httpapi"
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 4 << 10
	defaultEvents   = 50
)

// Controller is the engine surface the handlers drive.
type Controller interface {
	Start(ctx context.Context) bool
	Pause(ctx context.Context) bool
	Reset(ctx context.Context)
	SetMode(ctx context.Context, mode string) error
	Running() bool
	Snapshot() *sim.Snapshot
	Events(limit int) []sim.Event
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records per-route request metrics on c.
func WithMetrics(c *observability.ControlCollector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server routes HTTP requests to a Controller.
type Server struct {
	ctrl           Controller
	log            logging.Logger
	metrics        *observability.ControlCollector
	metricsHandler http.Handler
	tracer         trace.Tracer
	mux            *http.ServeMux
}

// NewServer builds the route table.
func NewServer(ctrl Controller, log logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		ctrl:   ctrl,
		log:    log,
		tracer: otel.Tracer(tracerName),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerHandlers()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.mux == nil {
		http.NotFound(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerHandlers() {
	s.handle(http.MethodPost, "/start", s.handleStart)
	s.handle(http.MethodPost, "/pause", s.handlePause)
	s.handle(http.MethodPost, "/reset", s.handleReset)
	s.handle(http.MethodPost, "/mode", s.handleMode)
	s.handle(http.MethodGet, "/state", s.handleState)
	s.handle(http.MethodGet, "/events", s.handleEvents)
	s.handle(http.MethodGet, "/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}
}

type controlResponse struct {
	OK      bool `json:"ok"`
	Running bool `json:"running"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type modeResponse struct {
	OK   bool   `json:"ok"`
	Mode string `json:"mode"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type eventsResponse struct {
	Events []sim.Event `json:"events"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Start(r.Context())
	writeJSON(w, http.StatusOK, controlResponse{OK: true, Running: s.ctrl.Running()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause(r.Context())
	writeJSON(w, http.StatusOK, controlResponse{OK: true, Running: s.ctrl.Running()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Reset(r.Context())
	writeJSON(w, http.StatusOK, controlResponse{OK: true, Running: s.ctrl.Running()})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "error reading request body")
		return
	}
	var req modeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.ctrl.SetMode(r.Context(), req.Mode); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sim.ErrRunning):
			status = http.StatusConflict
		case errors.Is(err, sim.ErrInvalidMode):
			status = http.StatusBadRequest
		}
		logging.LoggerFromContext(r.Context(), s.log).Debug(r.Context(), "mode change rejected",
			logging.String("mode", req.Mode), logging.Err(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, modeResponse{OK: true, Mode: s.ctrl.Snapshot().Mode})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEvents
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events := s.ctrl.Events(limit)
	if events == nil {
		events = []sim.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handle registers h under method and path, wrapped with request id,
// tracing and metrics middleware labeled by path.
func (s *Server) handle(method, path string, h http.HandlerFunc) {
	s.mux.Handle(method+" "+path, s.instrument(path, h))
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if incoming := r.Header.Get(requestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, s.log.With(logging.String("route", route)))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		ctx, span := s.tracer.Start(ctx, "HTTP "+r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("request_id", logging.RequestIDFromContext(ctx)),
			),
		)
		defer span.End()

		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		s.metrics.ObserveHTTP(route, rec.status, time.Since(start))
		reqLog.Debug(ctx, "http request served",
			logging.String("method", r.Method),
			logging.Int("status", rec.status),
			logging.String("duration", time.Since(start).String()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{OK: false, Error: msg})
}
