// Package rest provides the HTTP/JSON surface of the submission service.
//
// Endpoints:
//   POST /v1/runs            - submit a run (Bearer auth)
//   GET  /v1/runs/{run_id}   - poll a run (Bearer auth)
//   GET  /health             - liveness check
//   GET  /ready              - readiness check
//   GET  /metrics            - Prometheus metrics
//
// Errors render as RFC 9457 problem+json with a machine-readable
// reason_code; success responses carry the cost headers X-Cost-Reserved,
// X-Cost-Used and X-Balance-Remaining.
package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/fault"
	"github.com/kelpejol/fermata/internal/metrics"
	"github.com/kelpejol/fermata/internal/submit"
)

// maxBodyBytes caps submission bodies.
const maxBodyBytes = 1 << 20

// Submitter is the slice of the submission service the handlers call.
type Submitter interface {
	Submit(ctx context.Context, tenantID string, body []byte, headerIdemKey string) (*submit.SubmitResult, error)
	Poll(ctx context.Context, tenantID, runID string) (*submit.PollResult, error)
}

// Authenticator resolves an Authorization header to a tenant id.
type Authenticator interface {
	Authenticate(ctx context.Context, authorizationHeader string) (string, error)
}

type ctxKey int

const (
	tenantKey ctxKey = iota
	traceKey
)

// Handler carries the REST endpoints and their middleware.
type Handler struct {
	svc   Submitter
	auth  Authenticator
	ready func(context.Context) error
	log   zerolog.Logger
}

// NewHandler creates the REST handler. ready may be nil; it backs GET /ready
// and normally pings the backing stores.
func NewHandler(svc Submitter, auth Authenticator, ready func(context.Context) error, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:   svc,
		auth:  auth,
		ready: ready,
		log:   logger.With().Str("component", "rest").Logger(),
	}
}

// Router assembles the chi router with all routes and middleware.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(traceMiddleware)
	r.Use(h.loggingMiddleware)
	r.Use(h.recoverMiddleware)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Post("/runs", h.handleSubmit)
		r.Get("/runs/{run_id}", h.handlePoll)
	})
	return r
}

// handleSubmit handles POST /v1/runs.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeProblem(w, r, fault.New(fault.ReasonValidationFailed, "request body unreadable or too large"))
		return
	}

	res, err := h.svc.Submit(r.Context(), tenantFrom(r.Context()), body, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeProblem(w, r, err)
		return
	}

	setCostHeaders(w, res.Cost)
	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	h.writeJSON(w, http.StatusAccepted, res.Receipt)
}

// handlePoll handles GET /v1/runs/{run_id}.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Poll(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "run_id"))
	if err != nil {
		h.writeProblem(w, r, err)
		return
	}

	setCostHeaders(w, res.Cost)
	h.writeJSON(w, http.StatusOK, res.Body)
}

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// authMiddleware resolves the Bearer credential and stores the tenant id in
// the request context.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := h.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			h.writeProblem(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceMiddleware assigns each request a trace id, honoring one supplied by
// the client, and echoes it back in the response.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", traceID)
		ctx := context.WithValue(r.Context(), traceKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs all HTTP requests and feeds the latency histogram.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture the status code.
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPDuration.
			WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).
			Observe(time.Since(start).Seconds())

		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration_ms", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Str("trace_id", traceFrom(r.Context())).
			Msg("HTTP request")
	})
}

// recoverMiddleware turns handler panics into problem 500 responses.
func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				h.writeProblem(w, r, fault.New(fault.ReasonInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS is the development-mode CORS middleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func tenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}

func traceFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey).(string); ok {
		return v
	}
	return ""
}

func setCostHeaders(w http.ResponseWriter, c submit.Cost) {
	w.Header().Set("X-Cost-Reserved", c.Reserved)
	w.Header().Set("X-Cost-Used", c.Used)
	w.Header().Set("X-Balance-Remaining", c.BalanceRemaining)
}

// problem is the RFC 9457 error body.
type problem struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
	ReasonCode string `json:"reason_code"`
	TraceID    string `json:"trace_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

// writeProblem renders any error as problem+json. Untyped errors never leak
// their text; they become a plain 500.
func (h *Handler) writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	fe, ok := fault.As(err)
	if !ok {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("unclassified handler error")
		fe = fault.New(fault.ReasonInternal, "internal error")
	}

	status := fe.Status()
	if status >= 500 {
		h.log.Error().Err(err).
			Str("reason", string(fe.Reason)).
			Str("trace_id", traceFrom(r.Context())).
			Msg("request failed")
	}

	if fe.RetryAfter > 0 {
		secs := int((fe.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	body := problem{
		Type:       "about:blank",
		Title:      http.StatusText(status),
		Status:     status,
		Detail:     fe.Message,
		ReasonCode: string(fe.Reason),
		TraceID:    traceFrom(r.Context()),
		RunID:      fe.RunID,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("failed to encode problem response")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
