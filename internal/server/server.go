// Package server exposes the storage gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/filehaven/filehaven/internal/auth"
	"github.com/filehaven/filehaven/internal/logging/audit"
	"github.com/filehaven/filehaven/internal/storage"
	"github.com/filehaven/filehaven/internal/tenant"
	"github.com/filehaven/filehaven/pkg/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader carries the per-request id in both directions.
const RequestIDHeader = "X-Request-ID"

// multipartOverhead is allowed on top of the upload cap for form framing.
const multipartOverhead = 1 << 20

// Options configures a Server.
type Options struct {
	Version   string
	MaxUpload int64        // 0 = no body cap
	Metrics   http.Handler // nil disables /metrics
	Audit     *audit.Logger
}

// Server routes API requests to the gateway.
type Server struct {
	gateway   *storage.Gateway
	tenants   tenant.Store
	tokens    *auth.Issuer
	audit     *audit.Logger
	version   string
	maxUpload int64
	mux       *http.ServeMux

	mu      sync.Mutex
	httpSrv *http.Server
}

// New creates a server and registers its routes.
func New(gw *storage.Gateway, tenants tenant.Store, tokens *auth.Issuer, opts Options) *Server {
	if opts.Audit == nil {
		opts.Audit = audit.NewLogger(log.Logger)
	}
	s := &Server{
		gateway:   gw,
		tenants:   tenants,
		tokens:    tokens,
		audit:     opts.Audit,
		version:   opts.Version,
		maxUpload: opts.MaxUpload,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes(opts.Metrics)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}

	s.mux.HandleFunc("POST /api/v1/files", s.withTenant(s.handleUpload))
	s.mux.HandleFunc("GET /api/v1/files/download", s.withTenant(s.handleDownload))
	s.mux.HandleFunc("PATCH /api/v1/files/rename", s.withTenant(s.handleRename(storage.KindFile)))
	s.mux.HandleFunc("DELETE /api/v1/files", s.withTenant(s.handleDelete(storage.KindFile)))

	s.mux.HandleFunc("POST /api/v1/folders", s.withTenant(s.handleCreateFolder))
	s.mux.HandleFunc("GET /api/v1/folders", s.withTenant(s.handleListFolder))
	s.mux.HandleFunc("PATCH /api/v1/folders/rename", s.withTenant(s.handleRename(storage.KindFolder)))
	s.mux.HandleFunc("DELETE /api/v1/folders", s.withTenant(s.handleDelete(storage.KindFolder)))

	s.mux.HandleFunc("GET /api/v1/me/stats", s.withTenant(s.handleStats))
	s.mux.HandleFunc("GET /api/v1/plans", s.withTenant(s.handlePlans))
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// ServeHTTP assigns a request id, dispatches, and logs the outcome.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.Header.Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)

	rec := &statusRecorder{ResponseWriter: w}
	s.mux.ServeHTTP(rec, r.WithContext(withRequestID(r.Context(), id)))

	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	log.Debug().
		Str("request_id", id).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("http request")
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	tenantKey
)

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// tenantFrom returns the tenant loaded by withTenant.
func tenantFrom(ctx context.Context) tenant.Tenant {
	t, _ := ctx.Value(tenantKey).(tenant.Tenant)
	return t
}

// withTenant verifies the bearer token and loads the tenant it names.
func (s *Server) withTenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.denied(w, r, 0, "missing authorization header")
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			s.denied(w, r, 0, "invalid authorization header")
			return
		}

		id, err := s.tokens.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			s.denied(w, r, 0, err.Error())
			return
		}

		t, err := s.tenants.Tenant(r.Context(), id)
		if errors.Is(err, tenant.ErrTenantNotFound) {
			s.denied(w, r, id, "tenant not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Int64("tenant", id).Msg("load tenant")
			s.jsonError(w, r, "failed to load tenant", http.StatusInternalServerError)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), tenantKey, *t)))
	}
}

func (s *Server) denied(w http.ResponseWriter, r *http.Request, tenantID int64, reason string) {
	s.audit.LogAuth(tenantID, "bearer", audit.ResultDenied, reason, clientIP(r))
	s.jsonError(w, r, reason, http.StatusUnauthorized)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) jsonError(w http.ResponseWriter, r *http.Request, message string, code int) {
	s.writeErrorResponse(w, proto.ErrorResponse{
		Error:     http.StatusText(code),
		Code:      code,
		Message:   message,
		RequestID: requestID(r.Context()),
	})
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, resp proto.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps storage errors to HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, storage.ErrPathEscape), errors.Is(err, storage.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// storageError writes err as a JSON error. Internal failures are logged
// and reported without detail.
func (s *Server) storageError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := proto.ErrorResponse{
		Error:     http.StatusText(code),
		Code:      code,
		Message:   err.Error(),
		RequestID: requestID(r.Context()),
	}

	var quota *storage.QuotaExceededError
	var escape *storage.PathEscapeError
	switch {
	case errors.As(err, &quota):
		attempted, available := quota.Attempted, quota.Available()
		resp.Attempted, resp.Available = &attempted, &available
	case errors.As(err, &escape):
		resp.Message = "path is outside your storage"
	case code == http.StatusInternalServerError:
		log.Error().Err(err).
			Str("request_id", resp.RequestID).
			Int64("tenant", tenantFrom(r.Context()).ID).
			Str("path", r.URL.Path).
			Msg("storage operation failed")
		resp.Message = "internal storage error"
		var partial *storage.PartialDeleteError
		if errors.As(err, &partial) {
			resp.Message = "delete partially completed"
		}
	}
	s.writeErrorResponse(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{Status: "ok", Version: s.version})
}

// ListenAndServe serves the API on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	log.Info().Str("listen", addr).Msg("starting filehaven server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
