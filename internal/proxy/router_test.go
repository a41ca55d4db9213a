package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/completion-gateway/internal/models"
	"github.com/vnmchuo/completion-gateway/internal/provider"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textFrame(s string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, s) + "\n\n"
}

func usageFrame(in, out int) string {
	return fmt.Sprintf(`data: {"choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`, in, out) + "\n\n"
}

// mockBackend serves a canned SSE body, or an error status when status is set.
type mockBackend struct {
	status int
	body   string
	calls  atomic.Int32
}

func (m *mockBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.calls.Add(1)
	if m.status != 0 {
		http.Error(w, "upstream says no", m.status)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = io.WriteString(w, m.body)
}

func newBackend(t *testing.T, name string, m *mockBackend, info *models.ModelInfo) Backend {
	t.Helper()
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	client, err := provider.New("openai-compatible", provider.EndpointConfig{
		BaseURL:   srv.URL,
		ModelID:   name + "-model",
		ModelInfo: info,
	}, provider.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	return Backend{Name: name, Creator: client}
}

func okBackend(t *testing.T, name string) Backend {
	return newBackend(t, name, &mockBackend{body: textFrame("mock") + "data: [DONE]\n\n"}, nil)
}

func user(text string) []provider.ChatMessage {
	return []provider.ChatMessage{provider.UserMessage(text)}
}

func TestRoute_ExplicitAndDefault(t *testing.T) {
	router := NewRouter([]Backend{okBackend(t, "first"), okBackend(t, "second")})

	b, err := router.Route("")
	if err != nil || b.Name != "first" {
		t.Errorf("Expected first backend by default, got %s (%v)", b.Name, err)
	}

	b, err = router.Route("second")
	if err != nil || b.Name != "second" {
		t.Errorf("Expected second backend, got %s (%v)", b.Name, err)
	}

	if _, err := router.Route("missing"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend, got %v", err)
	}
}

func TestRoute_CircuitBreakerOpen(t *testing.T) {
	bad := newBackend(t, "bad", &mockBackend{status: http.StatusBadGateway}, nil)
	router := NewRouter([]Backend{bad, okBackend(t, "good")})

	// Trip bad
	for i := 0; i < 3; i++ {
		if _, err := router.Execute(context.Background(), bad, "", user("hi")); err == nil {
			t.Fatal("Expected upstream error")
		}
	}

	b, err := router.Route("")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if b.Name != "good" {
		t.Errorf("Expected good backend because bad should be tripped, got %s", b.Name)
	}

	if _, err := router.Route("bad"); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected ErrOpenState for explicit tripped backend, got %v", err)
	}
	if router.State("bad") != gobreaker.StateOpen {
		t.Errorf("Expected open state, got %s", router.State("bad"))
	}
}

func TestRoute_AllBackendsDown(t *testing.T) {
	bad := newBackend(t, "p1", &mockBackend{status: http.StatusServiceUnavailable}, nil)
	router := NewRouter([]Backend{bad})

	for i := 0; i < 3; i++ {
		_, _ = router.Execute(context.Background(), bad, "", user("hi"))
	}

	if _, err := router.Route(""); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Expected ErrNoBackend, got %v", err)
	}
}

func TestRouter_ClientErrorsDoNotTrip(t *testing.T) {
	m := &mockBackend{status: http.StatusBadRequest}
	b := newBackend(t, "strict", m, nil)
	router := NewRouter([]Backend{b})

	for i := 0; i < 5; i++ {
		_, err := router.Execute(context.Background(), b, "", user("hi"))
		var endpointErr *provider.EndpointError
		if !errors.As(err, &endpointErr) || endpointErr.StatusCode != http.StatusBadRequest {
			t.Fatalf("Expected 400 EndpointError, got %v", err)
		}
	}

	if router.State("strict") != gobreaker.StateClosed {
		t.Errorf("Expected closed breaker, got %s", router.State("strict"))
	}
	if m.calls.Load() != 5 {
		t.Errorf("Expected every call to reach the backend, got %d", m.calls.Load())
	}
}

func TestExecute_CollectsAndPrices(t *testing.T) {
	m := &mockBackend{body: textFrame("hello") + textFrame(" world") + usageFrame(1_000_000, 500_000) + "data: [DONE]\n\n"}
	b := newBackend(t, "priced", m, &models.ModelInfo{InputPrice: 1, OutputPrice: 2})
	router := NewRouter([]Backend{b})

	res, err := router.Complete(context.Background(), "", "be brief", user("hi"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Expected 'hello world', got %q", res.Text)
	}
	if res.Backend != "priced" || res.Model != "priced-model" {
		t.Errorf("Unexpected backend/model %s/%s", res.Backend, res.Model)
	}
	if res.Usage == nil || res.Usage.InputTokens != 1_000_000 || res.Usage.OutputTokens != 500_000 {
		t.Fatalf("Unexpected usage %+v", res.Usage)
	}
	if res.CostUSD != 2 {
		t.Errorf("Expected cost 2, got %v", res.CostUSD)
	}
}

func TestExecuteStream_RelaysChunks(t *testing.T) {
	m := &mockBackend{body: textFrame("a") + textFrame("b") + "data: [DONE]\n\n"}
	b := newBackend(t, "streamer", m, nil)
	router := NewRouter([]Backend{b})

	ch, err := router.ExecuteStream(context.Background(), b, "", user("abcd"))
	if err != nil {
		t.Fatalf("ExecuteStream failed: %v", err)
	}

	var text strings.Builder
	var usage *provider.UsageSummary
	var done bool
	for c := range ch {
		switch {
		case c.Err != nil:
			t.Fatalf("unexpected chunk error: %v", c.Err)
		case c.Done:
			done = true
		case c.Usage != nil:
			usage = c.Usage
		default:
			text.WriteString(c.Delta)
		}
	}

	if text.String() != "ab" || !done {
		t.Errorf("Expected 'ab' then done, got %q done=%v", text.String(), done)
	}
	// no usage frame: estimate of "abcd" is one token
	if usage == nil || usage.InputTokens != 1 || usage.OutputTokens != 0 {
		t.Errorf("Expected estimated usage, got %+v", usage)
	}
}
