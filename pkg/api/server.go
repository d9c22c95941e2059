// Package api exposes the Decisio kernel over HTTP: goal submission, run
// queries and cancellation, ledger chain reads, and administrative chain
// verification and override endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/decisio/decisio/pkg/kernel"
	"github.com/decisio/decisio/pkg/ledger"
	"github.com/decisio/decisio/pkg/telemetry"
)

// TenantHeader carries the caller's tenant identity. When enforcement is
// enabled, run-scoped requests must present the tenant owning the run.
const TenantHeader = "X-Decisio-Tenant"

// Options configures the API server.
type Options struct {
	// Listen is the bind address.
	Listen string

	// AdminToken guards verification and override endpoints. Empty disables
	// those endpoints.
	AdminToken string

	// EnforceTenantHeader requires X-Decisio-Tenant to match the tenant
	// owning the addressed run or chain.
	EnforceTenantHeader bool

	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler http.Handler

	// Metrics records API-level error and throttle counters when non-nil.
	Metrics *telemetry.Metrics

	// Tracer opens a server span per request when non-nil.
	Tracer *telemetry.Tracer

	// HealthCheck is consulted by GET /healthz when non-nil.
	HealthCheck func(ctx context.Context) error
}

// Server is the Decisio HTTP API.
type Server struct {
	opts      Options
	scheduler *kernel.TenantScheduler
	ledger    *ledger.Ledger
	store     kernel.RunStore
	logger    zerolog.Logger
	httpSrv   *http.Server
}

// NewServer creates the API server.
func NewServer(
	opts Options,
	scheduler *kernel.TenantScheduler,
	ldg *ledger.Ledger,
	store kernel.RunStore,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		opts:      opts,
		scheduler: scheduler,
		ledger:    ldg,
		store:     store,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", s.handleSubmit)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /ledger/{tenant}/chain", s.handleChain)
	mux.HandleFunc("GET /ledger/{tenant}/integrity", s.handleIntegrity)
	mux.HandleFunc("GET /ledger/{tenant}/verify", s.requireAdmin(s.handleVerify))
	mux.HandleFunc("POST /ledger/{tenant}/override", s.requireAdmin(s.handleOverride))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}

	return s.logRequests(mux)
}

// Start begins serving. It blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.opts.Listen).Msg("api server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// logRequests is the outermost middleware. It opens the request span and logs
// one line per request with the trace id when tracing is on.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := telemetry.NewTimer()
		if s.opts.Tracer != nil {
			ctx, span := s.opts.Tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration())
		if traceID := telemetry.TraceID(r.Context()); traceID != "" {
			event = event.Str("trace_id", traceID)
		}
		event.Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requireAdmin guards administrative endpoints with the configured token.
// With no token configured the endpoints do not exist.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
			return
		}
		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) <= len(prefix) ||
			subtle.ConstantTimeCompare([]byte(token[:len(prefix)]), []byte(prefix)) != 1 ||
			subtle.ConstantTimeCompare([]byte(token[len(prefix):]), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing admin token")
			return
		}
		next(w, r)
	}
}

// checkTenant enforces the tenant header against the owning tenant when
// enforcement is enabled. It reports whether the request may proceed.
func (s *Server) checkTenant(w http.ResponseWriter, r *http.Request, owner string) bool {
	if !s.opts.EnforceTenantHeader {
		return true
	}
	if r.Header.Get(TenantHeader) != owner {
		// Indistinguishable from a missing run, so tenants cannot probe for
		// other tenants' run ids.
		writeError(w, http.StatusNotFound, kernel.ErrCodeNotFound, "run not found")
		return false
	}
	return true
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeKernelError maps a classified kernel error onto an HTTP status and
// counts it toward the error metrics.
func (s *Server) writeKernelError(w http.ResponseWriter, err error) {
	var kerr *kernel.Error
	if !errors.As(err, &kerr) || kerr == nil {
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordError(string(kernel.ErrorClassTerminal), kernel.ErrCodeInternal)
		}
		writeError(w, http.StatusInternalServerError, kernel.ErrCodeInternal, err.Error())
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordError(string(kerr.Class), kerr.Code)
	}

	status := http.StatusInternalServerError
	switch {
	case kerr.Code == kernel.ErrCodeNotFound:
		status = http.StatusNotFound
	case kerr.Class == kernel.ErrorClassThrottled:
		status = http.StatusTooManyRequests
	case kerr.Class == kernel.ErrorClassInvalid:
		status = http.StatusBadRequest
	case kerr.Class == kernel.ErrorClassLedger:
		status = http.StatusServiceUnavailable
	case kerr.Class == kernel.ErrorClassTerminal:
		status = http.StatusUnprocessableEntity
	}

	code := kerr.Code
	if code == "" {
		code = kernel.ErrCodeInternal
	}
	writeError(w, status, code, kerr.Message)
}
