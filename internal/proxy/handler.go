package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/completion-gateway/internal/auth"
	"github.com/vnmchuo/completion-gateway/internal/billing"
	"github.com/vnmchuo/completion-gateway/internal/models"
	"github.com/vnmchuo/completion-gateway/internal/provider"
	"github.com/vnmchuo/completion-gateway/internal/telemetry"
	"github.com/vnmchuo/completion-gateway/internal/worker"
	"github.com/vnmchuo/completion-gateway/pkg/ratelimit"
)

// CompletionRequest is the body of the completion and job endpoints.
type CompletionRequest struct {
	Backend  string                 `json:"backend,omitempty"`
	System   string                 `json:"system"`
	Messages []provider.ChatMessage `json:"messages"`
}

type Handler struct {
	router   *Router
	billing  billing.Store
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	sink     telemetry.Sink
	queue    worker.Queue
	registry *models.Registry
	logger   *slog.Logger
}

type HandlerOption func(*Handler)

func WithSink(s telemetry.Sink) HandlerOption {
	return func(h *Handler) { h.sink = s }
}

func WithQueue(q worker.Queue) HandlerOption {
	return func(h *Handler) { h.queue = q }
}

func WithRegistry(r *models.Registry) HandlerOption {
	return func(h *Handler) { h.registry = r }
}

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(router *Router, billing billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, opts ...HandlerOption) *Handler {
	h := &Handler{
		router:  router,
		billing: billing,
		limiter: limiter,
		tracer:  tracer,
		sink:    telemetry.Noop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// call is a prepared completion request.
type call struct {
	ctx       context.Context
	span      trace.Span
	identity  *auth.Identity
	requestID string
	req       *CompletionRequest
	backend   Backend
	estimate  int
	start     time.Time
}

func (c *call) props(extra telemetry.Properties) telemetry.Properties {
	props := telemetry.Properties{
		"backend":    c.backend.Name,
		"model":      c.backend.Model().ID,
		"request_id": c.requestID,
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.prepare(w, r, "proxy.complete")
	if !ok {
		return
	}
	defer c.span.End()

	res, err := h.router.Execute(c.ctx, c.backend, c.req.System, c.req.Messages)
	if err != nil {
		h.fail(c, err)
		writeUpstreamError(w, err)
		return
	}
	if res.Usage == nil {
		res.Usage = &provider.UsageSummary{InputTokens: c.estimate}
	}

	c.span.SetAttributes(
		attribute.Int("usage.input_tokens", res.Usage.InputTokens),
		attribute.Int("usage.output_tokens", res.Usage.OutputTokens),
	)
	h.finish(c, res.Usage, res.CostUSD, "ok")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       c.requestID,
		"backend":  res.Backend,
		"model":    res.Model,
		"content":  res.Text,
		"usage":    res.Usage,
		"cost_usd": res.CostUSD,
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c, ok := h.prepare(w, r, "proxy.complete_stream")
	if !ok {
		return
	}
	defer c.span.End()

	ch, err := h.router.ExecuteStream(c.ctx, c.backend, c.req.System, c.req.Messages)
	if err != nil {
		h.fail(c, err)
		writeUpstreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var usage *provider.UsageSummary
	status := "cancelled"
	for chunk := range ch {
		if chunk.Err != nil {
			status = "failed"
			h.fail(c, chunk.Err)
			writeEvent(w, "error", map[string]string{"error": chunk.Err.Error()})
			flusher.Flush()
			break
		}

		if chunk.Done {
			status = "ok"
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
			writeEvent(w, "", map[string]interface{}{"type": "usage", "usage": chunk.Usage})
		} else {
			writeEvent(w, "", map[string]string{"type": "text", "text": chunk.Delta})
		}
		flusher.Flush()
	}

	if usage == nil {
		// failed or cancelled before the summary: bill the estimate
		usage = &provider.UsageSummary{InputTokens: c.estimate}
	}
	cost := models.Cost(c.backend.Model().Info, usage.InputTokens, usage.OutputTokens)
	h.finish(c, usage, cost, status)
}

// prepare authenticates, decodes, rate limits and routes. When it returns
// false the response has been written.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, spanName string) (*call, bool) {
	ctx := r.Context()
	identity := auth.GetIdentity(ctx)
	if identity == nil || identity.TenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	req, ok := decodeRequest(w, r)
	if !ok {
		return nil, false
	}
	if req.Backend != "" && !identity.Allows(req.Backend) {
		writeError(w, http.StatusForbidden, "backend not allowed for this key")
		return nil, false
	}

	estimate := provider.EstimateInputTokens(req.System, req.Messages)
	allowed, err := h.limiter.Allow(ctx, identity.TenantID, identity.RateLimit, estimate)
	if err != nil || !allowed {
		if err != nil {
			h.logger.Warn("rate limiter failed", "tenant_id", identity.TenantID, "error", err)
		}
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return nil, false
	}

	backend, err := h.route(identity, req.Backend)
	if err != nil {
		writeRouteError(w, err)
		return nil, false
	}

	ctx, span := h.tracer.Start(ctx, spanName)
	span.SetAttributes(
		attribute.String("tenant_id", identity.TenantID),
		attribute.String("api_key_id", auth.GetAPIKeyID(ctx)),
		attribute.String("request_id", requestID),
		attribute.String("backend", backend.Name),
		attribute.String("model", backend.Model().ID),
		attribute.Int("usage.estimated_input_tokens", estimate),
	)

	c := &call{
		ctx:       ctx,
		span:      span,
		identity:  identity,
		requestID: requestID,
		req:       req,
		backend:   backend,
		estimate:  estimate,
		start:     time.Now(),
	}
	h.sink.Identify(ctx, identity.TenantID, telemetry.Properties{"anonymous": identity.Anonymous})
	h.sink.Capture(ctx, identity.TenantID, "completion_started", c.props(nil))
	return c, true
}

// route honours the identity's backend allowance when choosing implicitly.
func (h *Handler) route(identity *auth.Identity, name string) (Backend, error) {
	if name != "" || len(identity.Backends) == 0 {
		return h.router.Route(name)
	}
	for _, allowed := range identity.Backends {
		if b, err := h.router.Route(allowed); err == nil {
			return b, nil
		}
	}
	return Backend{}, ErrNoBackend
}

func (h *Handler) fail(c *call, err error) {
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, err.Error())
	h.sink.Capture(c.ctx, c.identity.TenantID, "completion_failed", c.props(telemetry.Properties{
		"error": err.Error(),
	}))
}

func (h *Handler) finish(c *call, usage *provider.UsageSummary, cost float64, status string) {
	latency := time.Since(c.start)
	if status == "ok" {
		h.sink.Capture(c.ctx, c.identity.TenantID, "completion_finished", c.props(telemetry.Properties{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"cost_usd":      cost,
			"latency_ms":    latency.Milliseconds(),
		}))
	}

	log := &billing.UsageLog{
		TenantID:     c.identity.TenantID,
		RequestID:    c.requestID,
		Backend:      c.backend.Name,
		Model:        c.backend.Model().ID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    latency.Milliseconds(),
		Status:       status,
	}
	go func() {
		if err := h.billing.LogUsage(context.Background(), log); err != nil {
			h.logger.Error("failed to log usage", "request_id", log.RequestID, "error", err)
		}
	}()
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := auth.GetIdentity(ctx)
	if identity == nil || identity.TenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	tenantID := identity.TenantID

	// Parse query parameters
	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{
		"tenant_id":      tenantID,
		"api_key_id":     auth.GetAPIKeyID(ctx),
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"by_backend":     billing.Summarize(logs),
		"logs":           logs,
		"from":           from,
		"to":             to,
	}

	quota, err := h.limiter.Status(ctx, tenantID, identity.RateLimit)
	if err != nil {
		h.logger.Warn("rate limit status unavailable", "tenant_id", tenantID, "error", err)
	} else {
		resp["rate_limit"] = map[string]interface{}{
			"limit_tpm":      quota.Limit,
			"remaining":      quota.Remaining,
			"reset_after_ms": quota.ResetAfter.Milliseconds(),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type backendInfo struct {
	Name    string           `json:"name"`
	Profile string           `json:"profile"`
	Model   string           `json:"model"`
	Info    models.ModelInfo `json:"info"`
	State   string           `json:"state"`
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r.Context())

	backends := make([]backendInfo, 0, len(h.router.Backends()))
	for _, b := range h.router.Backends() {
		if identity != nil && !identity.Allows(b.Name) {
			continue
		}
		m := b.Model()
		backends = append(backends, backendInfo{
			Name:    b.Name,
			Profile: b.Creator.Name(),
			Model:   m.ID,
			Info:    m.Info,
			State:   h.router.State(b.Name).String(),
		})
	}

	var catalog []models.Model
	if h.registry != nil {
		catalog = h.registry.List()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backends": backends,
		"models":   catalog,
	})
}

func (h *Handler) HandleFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flag := chi.URLParam(r, "flag")
	distinctID := auth.GetTenantID(ctx)

	value, _ := h.sink.FeatureFlag(ctx, flag, distinctID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flag":    flag,
		"enabled": h.sink.IsFeatureEnabled(ctx, flag, distinctID),
		"value":   value,
	})
}

func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := auth.GetIdentity(ctx)
	if identity == nil || identity.TenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.queue == nil {
		writeError(w, http.StatusNotImplemented, "async jobs are not enabled")
		return
	}

	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if req.Backend != "" && !identity.Allows(req.Backend) {
		writeError(w, http.StatusForbidden, "backend not allowed for this key")
		return
	}

	estimate := provider.EstimateInputTokens(req.System, req.Messages)
	allowed, err := h.limiter.Allow(ctx, identity.TenantID, identity.RateLimit, estimate)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	// Resolve now so the worker runs on a backend this key may use.
	backend, err := h.route(identity, req.Backend)
	if err != nil {
		writeRouteError(w, err)
		return
	}

	job := &worker.Job{
		ID:       uuid.New().String(),
		TenantID: identity.TenantID,
		Backend:  backend.Name,
		System:   req.System,
		Messages: req.Messages,
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		h.logger.Error("failed to enqueue job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     job.ID,
		"status": job.Status,
	})
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.queue == nil {
		writeError(w, http.StatusNotImplemented, "async jobs are not enabled")
		return
	}

	job, err := h.queue.Get(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, worker.ErrJobNotFound) || (err == nil && job.TenantID != tenantID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*CompletionRequest, bool) {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return nil, false
	}
	return &req, true
}

func writeRouteError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	if errors.Is(err, ErrUnknownBackend) {
		status = http.StatusNotFound
	}
	writeError(w, status, err.Error())
}

// writeUpstreamError maps a completion failure to a response status.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var (
		endpointErr *provider.EndpointError
		configErr   *provider.ConfigurationError
	)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &configErr):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.As(err, &endpointErr):
		status := http.StatusBadGateway
		if endpointErr.StatusCode == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]interface{}{
			"error":           err.Error(),
			"upstream_status": endpointErr.StatusCode,
		})
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
