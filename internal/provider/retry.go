package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vnmchuo/completion-gateway/internal/models"
)

type RetryPolicy struct {
	// MaxAttempts includes the first call. Values <= 1 disable retries.
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the total time spent retrying; zero means unbounded.
	MaxElapsed time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

// IsTransient reports whether err may succeed when the whole call is
// repeated: connection failures and 429/5xx responses.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return true
	}
	var eerr *EndpointError
	if errors.As(err, &eerr) {
		return eerr.Transient()
	}
	return false
}

type retrying struct {
	next   MessageCreator
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry wraps next so failed calls are repeated with exponential backoff.
// Only the opening of the stream is retried: once a *Stream is returned no
// further attempt is made, so nothing already yielded is ever replayed.
func WithRetry(next MessageCreator, policy RetryPolicy, logger *slog.Logger) MessageCreator {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, policy: policy, logger: logger}
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) Model() models.Model { return r.next.Model() }

func (r *retrying) CreateMessage(ctx context.Context, systemPrompt string, messages []ChatMessage) (*Stream, error) {
	if r.policy.MaxAttempts <= 1 {
		return r.next.CreateMessage(ctx, systemPrompt, messages)
	}

	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}

	attempt := 0
	op := func() (*Stream, error) {
		attempt++
		s, err := r.next.CreateMessage(ctx, systemPrompt, messages)
		if err == nil {
			return s, nil
		}
		if !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("retrying completion request",
				"backend", r.next.Name(), "attempt", attempt, "backoff", next, "error", err)
		}),
	}
	if r.policy.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.policy.MaxElapsed))
	}
	return backoff.Retry(ctx, op, opts...)
}
