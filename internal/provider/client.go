package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/completion-gateway/internal/models"
)

const errorBodyLimit = 4096

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	profile   BackendProfile
	cfg       EndpointConfig
	baseURL   string
	model     models.Model
	converter Converter

	http     Doer
	logger   *slog.Logger
	tracer   trace.Tracer
	registry *models.Registry
}

type Option func(*Client)

func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

func WithRegistry(r *models.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// New builds a client for one of the built-in profiles.
func New(profileName string, cfg EndpointConfig, opts ...Option) (*Client, error) {
	profile, ok := LookupProfile(profileName)
	if !ok {
		return nil, &ConfigurationError{Profile: profileName, Reason: "unknown backend profile"}
	}
	return NewClient(profile, cfg, opts...)
}

func NewClient(profile BackendProfile, cfg EndpointConfig, opts ...Option) (*Client, error) {
	if profile.Name == "" {
		return nil, &ConfigurationError{Profile: "unnamed", Reason: "profile name is required"}
	}

	c := &Client{
		profile:   profile,
		cfg:       cfg.clone(),
		converter: ConverterFor(profile.Format),
		http:      http.DefaultClient,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("provider"),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := c.cfg.BaseURL
	if base == "" {
		base = profile.DefaultBaseURL
	}
	if base == "" && c.cfg.URL == "" {
		return nil, &ConfigurationError{Profile: profile.Name, Reason: "endpoint base URL is required"}
	}
	c.baseURL = trimBaseURL(base)

	if c.registry == nil {
		c.registry = models.NewRegistry()
	}
	c.model = c.registry.Resolve(profile.Name, c.cfg.ModelID, c.cfg.ModelInfo)
	return c, nil
}

func (c *Client) Name() string { return c.profile.Name }

func (c *Client) Model() models.Model { return c.model }

// CreateMessage issues exactly one request. Configuration and non-success
// status errors are returned before any event is produced; the returned
// stream must be drained or closed by the caller.
func (c *Client) CreateMessage(ctx context.Context, systemPrompt string, messages []ChatMessage) (*Stream, error) {
	ctx, span := c.tracer.Start(ctx, "provider.create_message", trace.WithAttributes(
		attribute.String("backend", c.profile.Name),
		attribute.String("model", c.model.ID),
		attribute.Int("messages", len(messages)),
	))

	httpReq, err := c.newRequest(ctx, systemPrompt, messages)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		terr := &TransportError{Profile: c.profile.Name, Op: "request", Err: err}
		endSpan(span, terr)
		return nil, terr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_ = resp.Body.Close()
		eerr := &EndpointError{
			Profile:    c.profile.Name,
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       strings.TrimSpace(string(excerpt)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
		endSpan(span, eerr)
		return nil, eerr
	}

	span.SetAttributes(attribute.Int64("http.time_to_headers_ms", time.Since(start).Milliseconds()))
	c.logger.Debug("stream opened", "backend", c.profile.Name, "model", c.model.ID)

	return newStream(streamParams{
		profile:  c.profile,
		body:     resp.Body,
		estimate: EstimateInputTokens(systemPrompt, messages),
		logger:   c.logger,
		span:     span,
	}), nil
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// statusText strips the numeric prefix net/http puts in Response.Status.
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if s := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
