package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/vnmchuo/completion-gateway/internal/models"
)

type scriptedCreator struct {
	errs  []error
	calls int
}

func (s *scriptedCreator) CreateMessage(ctx context.Context, systemPrompt string, messages []ChatMessage) (*Stream, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	body := io.NopCloser(strings.NewReader(deltaLine("ok") + "\n"))
	return newStream(streamParams{
		profile: BackendProfile{Name: "scripted"},
		body:    body,
		logger:  slog.Default(),
		span:    noopSpan(),
	}), nil
}

func (s *scriptedCreator) Model() models.Model { return models.Model{ID: "scripted-model"} }
func (s *scriptedCreator) Name() string        { return "scripted" }

func fastPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	inner := &scriptedCreator{errs: []error{
		&TransportError{Profile: "scripted", Op: "request", Err: errors.New("refused")},
		&EndpointError{Profile: "scripted", StatusCode: http.StatusBadGateway},
	}}
	r := WithRetry(inner, fastPolicy(3), quietLogger())

	s, err := r.CreateMessage(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	text, _, _ := Collect(s)
	if text != "ok" {
		t.Errorf("Expected 'ok', got %q", text)
	}
	if inner.calls != 3 {
		t.Errorf("Expected 3 calls, got %d", inner.calls)
	}
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	inner := &scriptedCreator{errs: []error{
		&EndpointError{Profile: "scripted", StatusCode: http.StatusUnauthorized},
	}}
	r := WithRetry(inner, fastPolicy(5), quietLogger())

	_, err := r.CreateMessage(context.Background(), "", nil)
	var eerr *EndpointError
	if !errors.As(err, &eerr) || eerr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 EndpointError, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("Expected 1 call, got %d", inner.calls)
	}
}

func TestRetry_BoundedAttempts(t *testing.T) {
	fail := &EndpointError{Profile: "scripted", StatusCode: http.StatusTooManyRequests}
	inner := &scriptedCreator{errs: []error{fail, fail, fail, fail}}
	r := WithRetry(inner, fastPolicy(2), quietLogger())

	_, err := r.CreateMessage(context.Background(), "", nil)
	if !errors.Is(err, fail) {
		t.Fatalf("Expected last error, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("Expected 2 calls, got %d", inner.calls)
	}
}

func TestRetry_Disabled(t *testing.T) {
	inner := &scriptedCreator{errs: []error{&TransportError{Op: "request", Err: errors.New("x")}}}
	r := WithRetry(inner, RetryPolicy{MaxAttempts: 1}, quietLogger())

	if _, err := r.CreateMessage(context.Background(), "", nil); err == nil {
		t.Fatal("Expected error")
	}
	if inner.calls != 1 {
		t.Errorf("Expected 1 call, got %d", inner.calls)
	}
}

func TestRetry_NoReplayAfterStreamOpened(t *testing.T) {
	reset := errors.New("reset")
	calls := 0
	doer := doerFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		body := io.NopCloser(&failingReader{data: []byte(deltaLine("half") + "\n"), err: reset})
		return &http.Response{StatusCode: http.StatusOK, Body: body, Header: make(http.Header), Request: r}, nil
	})
	c := newTestClient(t, "openai-compatible", EndpointConfig{BaseURL: "http://backend.test"},
		WithHTTPClient(doer), WithLogger(quietLogger()))
	r := WithRetry(c, fastPolicy(5), quietLogger())

	s, err := r.CreateMessage(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	text, _, err := Collect(s)
	if !errors.Is(err, reset) {
		t.Fatalf("Expected mid-stream failure, got %v", err)
	}
	if text != "half" {
		t.Errorf("Expected 'half', got %q", text)
	}
	if calls != 1 {
		t.Errorf("Expected a single request, got %d", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := &scriptedCreator{errs: []error{
		&TransportError{Op: "request", Err: context.Canceled},
	}}
	r := WithRetry(inner, fastPolicy(3), quietLogger())

	if _, err := r.CreateMessage(ctx, "", nil); err == nil {
		t.Fatal("Expected error for cancelled context")
	}
	if inner.calls > 1 {
		t.Errorf("Expected at most 1 call, got %d", inner.calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", &TransportError{Err: errors.New("eof")}, true},
		{"cancelled transport", &TransportError{Err: context.Canceled}, false},
		{"500", &EndpointError{StatusCode: 500}, true},
		{"429", &EndpointError{StatusCode: 429}, true},
		{"400", &EndpointError{StatusCode: 400}, false},
		{"config", &ConfigurationError{Reason: "x"}, false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRetry_DelegatesIdentity(t *testing.T) {
	r := WithRetry(&scriptedCreator{}, DefaultRetryPolicy(), nil)
	if r.Name() != "scripted" || r.Model().ID != "scripted-model" {
		t.Errorf("Expected identity to pass through, got %s/%s", r.Name(), r.Model().ID)
	}
}
