package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/deploygate/internal/service/admission"
	"github.com/splax/deploygate/internal/service/application"
	"github.com/splax/deploygate/internal/service/approval"
	"github.com/splax/deploygate/internal/service/deploy"
	"github.com/splax/deploygate/internal/service/events"
	"github.com/splax/deploygate/internal/service/rollback"
)

// Services bundles the domain services exposed over HTTP.
type Services struct {
	Applications application.Service
	Admission    admission.Service
	Approval     approval.Service
	Deploy       deploy.Service
	Rollback     rollback.Service
	Events       events.Service
}

// Options configures authentication, rate limiting and observability.
type Options struct {
	JWTSecret          string
	ExecutorToken      string
	RateLimitPerMinute int
	Limiter            RateLimiter
	DBHealth           func(context.Context) error
	Registerer         prometheus.Registerer
	Gatherer           prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	apps          application.Service
	admission     admission.Service
	approval      approval.Service
	deploy        deploy.Service
	rollback      rollback.Service
	events        events.Service
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	jwtSecret     string
	executorToken string
	writeLimit    int
	readLimit     int
	dbHealth      func(context.Context) error
	gatherer      prometheus.Gatherer

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault     = time.Minute
	rateWindowRealtime    = 30 * time.Second
	rateLimitWebsocket    = 30
	rateLimitExecutor     = 600
	defaultOperatorLimit  = 120
	healthCheckTimeout    = 2 * time.Second
	streamPingInterval    = 25 * time.Second
	defaultListLimit      = 50
	maxListLimit          = 500
	maxRequestBodyBytes   = 1 << 20
	defaultEventListLimit = 100
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svcs Services, opts Options) *Router {
	writeLimit := opts.RateLimitPerMinute
	if writeLimit <= 0 {
		writeLimit = defaultOperatorLimit
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		apps:      svcs.Applications,
		admission: svcs.Admission,
		approval:  svcs.Approval,
		deploy:    svcs.Deploy,
		rollback:  svcs.Rollback,
		events:    svcs.Events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       opts.Limiter,
		jwtSecret:     opts.JWTSecret,
		executorToken: strings.TrimSpace(opts.ExecutorToken),
		writeLimit:    writeLimit,
		readLimit:     writeLimit * 2,
		dbHealth:      opts.DBHealth,
		gatherer:      opts.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics(reg)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	write := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.operatorRoute(route, r.writeLimit, rateWindowDefault, h))
	}
	read := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.operatorRoute(route, r.readLimit, rateWindowDefault, h))
	}
	approver := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return write(route, r.requireRole(h, RoleApprover))
	}

	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.mux.HandleFunc("POST /applications", write("applications.create", r.handleCreateApplication))
	r.mux.HandleFunc("GET /applications/{id}", read("applications.get", r.handleGetApplication))
	r.mux.HandleFunc("POST /applications/{id}/deployments", write("deployments.submit", r.handleSubmitDeployment))
	r.mux.HandleFunc("GET /applications/{id}/deployments", read("deployments.list", r.handleListDeployments))
	r.mux.HandleFunc("POST /applications/{id}/rollbacks", write("rollbacks.create", r.handleCreateRollback))
	r.mux.HandleFunc("GET /applications/{id}/rollbacks", read("rollbacks.list", r.handleListRollbacks))
	r.mux.HandleFunc("GET /applications/{id}/events", read("events.list", r.handleListEvents))

	r.mux.HandleFunc("GET /deployments/{id}", read("deployments.get", r.handleGetDeployment))
	r.mux.HandleFunc("POST /deployments/{id}/approve", approver("deployments.approve", r.handleApprove))
	r.mux.HandleFunc("POST /deployments/{id}/reject", approver("deployments.reject", r.handleReject))
	r.mux.HandleFunc("POST /deployments/{id}/cancel", write("deployments.cancel", r.handleCancel))

	r.mux.HandleFunc("GET /rollbacks/{id}", read("rollbacks.get", r.handleGetRollback))
	r.mux.HandleFunc("POST /rollbacks/{id}/resume", write("rollbacks.resume", r.handleResumeRollback))

	r.mux.HandleFunc("POST /executor/claim", r.audit(r.executorRoute("executor.claim", rateLimitExecutor, rateWindowDefault, r.handleExecutorClaim)))
	r.mux.HandleFunc("POST /executor/status", r.audit(r.executorRoute("executor.status", rateLimitExecutor, rateWindowDefault, r.handleExecutorStatus)))

	r.mux.HandleFunc("GET /ws/events", r.audit(r.operatorRoute("events.ws", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
	r.mux.HandleFunc("GET /sse/events", r.audit(r.operatorRoute("events.sse", rateLimitWebsocket, rateWindowRealtime, r.handleEventsSSE)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = req.URL.Path
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator", info.Operator)
		} else if strings.HasPrefix(req.URL.Path, "/executor/") {
			actor = "executor"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
