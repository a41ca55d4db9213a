package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/completion-gateway/internal/models"
	"github.com/vnmchuo/completion-gateway/internal/provider"
	"github.com/vnmchuo/completion-gateway/internal/worker"
)

var (
	ErrNoBackend      = errors.New("all backends unavailable")
	ErrUnknownBackend = errors.New("unknown backend")
)

// Backend is a named completion endpoint.
type Backend struct {
	Name    string
	Creator provider.MessageCreator
}

func (b Backend) Model() models.Model { return b.Creator.Model() }

type Router struct {
	backends []Backend
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRouter(backends []Backend) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, b := range backends {
		settings := gobreaker.Settings{
			Name:        b.Name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// client mistakes and cancellations say nothing about backend health
			IsSuccessful: func(err error) bool {
				return err == nil || !provider.IsTransient(err)
			},
		}
		breakers[b.Name] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		backends: backends,
		breakers: breakers,
	}
}

// Backends lists the configured backends in preference order.
func (r *Router) Backends() []Backend {
	return r.backends
}

// State reports the breaker state of a backend.
func (r *Router) State(name string) gobreaker.State {
	if cb, ok := r.breakers[name]; ok {
		return cb.State()
	}
	return gobreaker.StateOpen
}

// Route picks the named backend, or the first one whose breaker is not open.
func (r *Router) Route(name string) (Backend, error) {
	if name != "" {
		for _, b := range r.backends {
			if b.Name != name {
				continue
			}
			if r.breakers[b.Name].State() == gobreaker.StateOpen {
				return Backend{}, fmt.Errorf("circuit breaker is open for backend %s: %w", name, gobreaker.ErrOpenState)
			}
			return b, nil
		}
		return Backend{}, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}

	for _, b := range r.backends {
		if r.breakers[b.Name].State() != gobreaker.StateOpen {
			return b, nil
		}
	}
	return Backend{}, ErrNoBackend
}

// Open starts a streaming completion on b through its breaker.
func (r *Router) Open(ctx context.Context, b Backend, system string, messages []provider.ChatMessage) (*provider.Stream, error) {
	result, err := r.breakers[b.Name].Execute(func() (interface{}, error) {
		return b.Creator.CreateMessage(ctx, system, messages)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Stream), nil
}

// ExecuteStream opens a stream and relays it as chunks. A mid-stream
// failure counts against the backend's breaker.
func (r *Router) ExecuteStream(ctx context.Context, b Backend, system string, messages []provider.ChatMessage) (<-chan *provider.Chunk, error) {
	stream, err := r.Open(ctx, b, system, messages)
	if err != nil {
		return nil, err
	}

	cb := r.breakers[b.Name]
	origCh := provider.Chunks(ctx, stream)
	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}

// Execute runs a completion on b to the end and prices it.
func (r *Router) Execute(ctx context.Context, b Backend, system string, messages []provider.ChatMessage) (*worker.Result, error) {
	start := time.Now()
	result, err := r.breakers[b.Name].Execute(func() (interface{}, error) {
		stream, err := b.Creator.CreateMessage(ctx, system, messages)
		if err != nil {
			return nil, err
		}
		text, usage, err := provider.Collect(stream)
		if err != nil {
			return nil, err
		}
		return &worker.Result{Text: text, Usage: usage}, nil
	})
	if err != nil {
		return nil, err
	}

	res := result.(*worker.Result)
	model := b.Model()
	res.Backend = b.Name
	res.Model = model.ID
	res.Latency = time.Since(start)
	if res.Usage != nil {
		res.CostUSD = models.Cost(model.Info, res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	return res, nil
}

// Complete routes and executes in one step.
func (r *Router) Complete(ctx context.Context, backend, system string, messages []provider.ChatMessage) (*worker.Result, error) {
	b, err := r.Route(backend)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, b, system, messages)
}
