package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/auth"
	"github.com/felipepmaragno/kb-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/graph"
	"github.com/felipepmaragno/kb-gateway/internal/graphcache"
	"github.com/felipepmaragno/kb-gateway/internal/metrics"
	"github.com/felipepmaragno/kb-gateway/internal/notifications"
	"github.com/felipepmaragno/kb-gateway/internal/ratelimit"
	"github.com/felipepmaragno/kb-gateway/internal/router"
	"github.com/felipepmaragno/kb-gateway/internal/stream"
	"github.com/felipepmaragno/kb-gateway/internal/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 10 << 20

type HandlerConfig struct {
	Router    *router.Router
	Graphs    *graphcache.Cache
	Store     *graph.DirStore
	Publisher notifications.Publisher
	// Login enables POST /v1/auth/token. Auth is nil when authentication is
	// disabled.
	Login *auth.Login
	Auth  *auth.Authenticator

	// RateLimiter caps completions per user at RateLimitRPM. Either left
	// zero disables the limit.
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	Breakers     *circuitbreaker.Manager

	Checkers      []HealthChecker
	HealthTimeout time.Duration

	Instance     string
	Version      string
	SystemPrompt string
	TopK         int
	WordBudget   int
}

type Handler struct {
	router       *router.Router
	graphs       *graphcache.Cache
	store        *graph.DirStore
	publisher    notifications.Publisher
	login        *auth.Login
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
	breakers     *circuitbreaker.Manager
	instance     string
	version      string
	systemPrompt string
	topK         int
	wordBudget   int
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.TopK <= 0 {
		cfg.TopK = graph.DefaultTopK
	}
	if cfg.WordBudget <= 0 {
		cfg.WordBudget = graph.DefaultWordBudget
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notifications.NewInMemoryPublisher()
	}

	h := &Handler{
		router:       cfg.Router,
		graphs:       cfg.Graphs,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		login:        cfg.Login,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		breakers:     cfg.Breakers,
		instance:     cfg.Instance,
		version:      cfg.Version,
		systemPrompt: cfg.SystemPrompt,
		topK:         cfg.TopK,
		wordBudget:   cfg.WordBudget,
		mux:          http.NewServeMux(),
	}

	mw := auth.NewMiddleware(cfg.Auth)
	protect := func(p auth.Permission, fn http.HandlerFunc) http.Handler {
		return mw.RequireAuth(mw.RequirePermission(p)(fn))
	}

	h.mux.Handle("POST /v1/chat/completions", protect(auth.PermissionChat, h.handleChatCompletions))
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.Handle("POST /v1/graphs/{key}/documents", protect(auth.PermissionGraphWrite, h.handleInsertDocuments))
	h.mux.Handle("GET /v1/graphs/{key}", mw.RequireAuth(http.HandlerFunc(h.handleGetGraph)))
	h.mux.Handle("DELETE /v1/graphs/{key}", protect(auth.PermissionGraphWrite, h.handleDeleteGraph))
	if h.login != nil {
		h.mux.HandleFunc("POST /v1/auth/token", h.handleIssueToken)
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, cfg.HealthTimeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	principal, _ := auth.PrincipalFromContext(ctx)
	if !h.allowRate(ctx, w, principal, requestID) {
		writeDomainError(w, domain.ErrRateLimited)
		return
	}

	var req domain.ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "model and prompt are required")
		return
	}

	req.System = h.systemPrompt
	if req.SessionKey != "" {
		system, err := h.ground(ctx, req.SessionKey, req.Prompt)
		if err != nil {
			slog.Error("graph grounding failed",
				"error", err,
				"request_id", requestID,
				"graph_key", req.SessionKey,
			)
			writeDomainError(w, err)
			return
		}
		if system != "" {
			req.System = system
		}
	}

	bridge, err := h.router.Dispatch(ctx, principal, req)
	if err != nil {
		slog.Warn("dispatch rejected",
			"error", err,
			"request_id", requestID,
			"model", req.Model,
			"user_id", principal.UserID,
		)
		writeDomainError(w, err)
		return
	}
	meta := bridge.Meta()

	if !req.Streaming() {
		resp, err := bridge.Collect(ctx)
		if err != nil {
			h.logStreamEnd(ctx, requestID, meta, start, err)
			writeStreamError(w, err)
			return
		}
		h.logStreamEnd(ctx, requestID, meta, start, nil)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
		return
	}

	written, err := bridge.Pump(ctx, w)
	h.logStreamEnd(ctx, requestID, meta, start, err)
	if err == nil || ctx.Err() != nil {
		return
	}
	if !written {
		writeStreamError(w, err)
		return
	}
	// Headers are committed. Abort the connection so the body reads as truncated.
	panic(http.ErrAbortHandler)
}

// allowRate applies the per-user limit and sets the X-RateLimit headers. A
// limiter error lets the request through.
func (h *Handler) allowRate(ctx context.Context, w http.ResponseWriter, p auth.Principal, requestID string) bool {
	if h.rateLimiter == nil || h.rateLimitRPM <= 0 {
		return true
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, p.UserID, h.rateLimitRPM)
	if err != nil {
		slog.Warn("rate limiter unavailable", "error", err, "request_id", requestID)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimited()
		slog.Warn("rate limit exceeded", "user_id", p.UserID, "request_id", requestID)
	}
	return allowed
}

func (h *Handler) logStreamEnd(ctx context.Context, requestID string, meta stream.Meta, start time.Time, err error) {
	attrs := []any{
		"request_id", requestID,
		"trace_id", telemetry.GetTraceID(ctx),
		"stream_id", meta.ID,
		"provider", meta.Provider,
		"model", meta.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
		slog.Info("request completed", attrs...)
	case errors.Is(err, context.Canceled):
		slog.Debug("client disconnected", attrs...)
	default:
		slog.Warn("request failed", append(attrs, "error", err)...)
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	resp := domain.ModelsResponse{
		Object: "list",
		Data:   h.router.Models(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.login.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		slog.Error("token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(token)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string][]string)
	for _, d := range h.router.Providers() {
		providers[d.Name] = d.Models
	}

	resp := map[string]interface{}{
		"status":    "healthy",
		"version":   h.version,
		"instance":  h.instance,
		"providers": providers,
	}
	if h.graphs != nil {
		resp["graphs_resident"] = h.graphs.Len()
	}
	if h.breakers != nil {
		resp["circuit_breakers"] = h.breakers.States(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeDomainError maps the sentinel errors raised before a stream starts.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedModel),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, graph.ErrInvalidKey),
		errors.Is(err, graph.ErrEmptyDocument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrCapabilityDenied), errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrGraphNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrEntitlementLookup):
		writeError(w, http.StatusServiceUnavailable, "entitlement lookup failed")
	case errors.Is(err, domain.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrCacheLoad):
		writeError(w, http.StatusInternalServerError, "graph load failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeStreamError(w http.ResponseWriter, err error) {
	var fault *stream.StreamFault
	if errors.As(err, &fault) {
		writeError(w, http.StatusBadGateway, fault.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
