package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/credential"
	"trendwatch/internal/login"
	"trendwatch/internal/registry"
	"trendwatch/internal/runlog"
	"trendwatch/internal/scheduler"
	"trendwatch/internal/snapshot"
	"trendwatch/internal/upstream"
	"trendwatch/lib/util/serviceutil"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("trendwatch/api")

const (
	report_request = "api.request"
	report_encode  = "api.encode"
)

type LoginSessions interface {
	Start(ctx context.Context) (login.Status, error)
	Status(id string) login.Status
	Wait(ctx context.Context, id string) (login.Status, error)
	Cancel(id string) (login.Status, error)
}

type Scheduler interface {
	RunNow(ctx context.Context, id int64) error
	Subscribe(targetID int64) (<-chan runlog.Run, func())
}

type Trending interface {
	FetchTrending(ctx context.Context) ([]upstream.TrendingWord, error)
}

type Options struct {
	Credentials *credential.Store
	Logins      LoginSessions
	Registry    registry.Registry
	Scheduler   Scheduler
	Runs        runlog.Log
	Snapshots   *snapshot.Store
	Trending    Trending
	Clock       chrono.API
	Tel         telemetry.API
	// Metrics is served on /metrics when set.
	Metrics     http.Handler
	AccessToken string
	// SearchSimilarity is the minimum Jaro-Winkler similarity of search hits.
	SearchSimilarity float64
}

type Server struct {
	opts     Options
	tel      telemetry.API
	validate *validator.Validate
}

func NewHandler(opts Options) http.Handler {
	assert.NotNil(opts.Credentials)
	assert.NotNil(opts.Logins)
	assert.NotNil(opts.Scheduler)
	assert.NotNil(opts.Snapshots)
	assert.NotNil(opts.Trending)
	assert.NotNil(opts.Clock)
	assert.NotNil(opts.Tel)
	if opts.SearchSimilarity <= 0 {
		opts.SearchSimilarity = 0.7
	}

	s := Server{
		opts:     opts,
		tel:      telemetry.NewScopedAPI("api", opts.Tel),
		validate: validator.New(),
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/auth/session/start", s.startSession)
	api.HandleFunc("GET /api/auth/session/status/{id}", s.sessionStatus)
	api.HandleFunc("POST /api/auth/session/cancel/{id}", s.cancelSession)
	api.HandleFunc("POST /api/auth/credential", s.setCredential)
	api.HandleFunc("GET /api/auth/credential/status", s.credentialStatus)

	api.HandleFunc("GET /api/targets", s.listTargets)
	api.HandleFunc("POST /api/targets", s.createTarget)
	api.HandleFunc("GET /api/targets/{id}", s.getTarget)
	api.HandleFunc("PUT /api/targets/{id}", s.updateTarget)
	api.HandleFunc("DELETE /api/targets/{id}", s.deleteTarget)
	api.HandleFunc("POST /api/targets/{id}/run", s.runTarget)
	api.HandleFunc("GET /api/targets/{id}/runs", s.listRuns)
	api.HandleFunc("GET /api/targets/{id}/history", s.history)
	api.HandleFunc("GET /api/targets/{id}/trend", s.trend)
	api.HandleFunc("GET /api/ws/targets/{id}", s.streamRuns)

	api.HandleFunc("GET /api/trending", s.trending)

	mux := http.NewServeMux()
	mux.Handle("/api/", serviceutil.VerifyAccessToken(opts.AccessToken, api))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return s.instrument(mux)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		s.tel.ReportDebug(report_request, r.Method, r.URL.Path, sw.status, time.Since(start).String())
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.tel.ReportWarning(report_encode, err)
	}
}

func (s Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// fail maps domain errors to a status and an actionable message.
func (s Server) fail(w http.ResponseWriter, err error) {
	var limited *upstream.RateLimitedError
	var upstreamErr *upstream.UpstreamError
	var network *upstream.NetworkError
	switch {
	case errors.Is(err, registry.ErrTargetNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, registry.ErrInvalidTarget), errors.Is(err, registry.ErrIntervalTooShort):
		s.writeError(w, http.StatusBadRequest, "invalid_target", err.Error())
	case errors.Is(err, registry.ErrDuplicateTarget):
		s.writeError(w, http.StatusConflict, "duplicate_target", err.Error())
	case errors.Is(err, scheduler.ErrScheduleConflict):
		s.writeError(w, http.StatusConflict, "schedule_conflict", err.Error())
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrNotRunning):
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, upstream.ErrAuthExpired):
		s.writeError(w, http.StatusUnauthorized, upstream.OutcomeAuthError, "cookie expired, please re-login")
	case errors.As(err, &limited):
		w.Header().Set("retry-after", strconv.Itoa(int(limited.RetryAfter.Seconds())))
		s.writeError(w, http.StatusTooManyRequests, upstream.OutcomeRateLimited, err.Error())
	case errors.As(err, &upstreamErr):
		s.writeError(w, http.StatusBadGateway, upstream.OutcomeUpstreamError, err.Error())
	case errors.As(err, &network):
		s.writeError(w, http.StatusBadGateway, upstream.OutcomeNetworkError, err.Error())
	default:
		s.tel.ReportBroken(report_request, err)
		s.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid json body: %s", err.Error()))
		return false
	}
	err = s.validate.Struct(v)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

func (s Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid target id '%s'", r.PathValue("id")))
		return 0, false
	}
	return id, true
}
