package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vnmchuo/completion-gateway/internal/billing"
	"github.com/vnmchuo/completion-gateway/internal/provider"
)

// memQueue is an in-memory Queue.
type memQueue struct {
	mu      sync.Mutex
	jobs    map[string]Job
	pending chan string
	updates []JobStatus
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(map[string]Job), pending: make(chan string, 16)}
}

func (q *memQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	job.Status = JobStatusPending
	q.jobs[job.ID] = *job
	q.mu.Unlock()
	q.pending <- job.ID
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	select {
	case id := <-q.pending:
		return q.Get(ctx, id)
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (q *memQueue) Update(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = *job
	q.updates = append(q.updates, job.Status)
	return nil
}

type mockCompleter struct {
	result *Result
	err    error
	seen   []string
}

func (m *mockCompleter) Complete(ctx context.Context, backend, system string, messages []provider.ChatMessage) (*Result, error) {
	m.seen = append(m.seen, backend)
	return m.result, m.err
}

type recordingBilling struct {
	logs []*billing.UsageLog
}

func (r *recordingBilling) LogUsage(ctx context.Context, log *billing.UsageLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingBilling) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.UsageLog, error) {
	return nil, nil
}

func (r *recordingBilling) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	return 0, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessor_ProcessSuccess(t *testing.T) {
	q := newMemQueue()
	completer := &mockCompleter{result: &Result{
		Backend: "openai",
		Model:   "gpt-4o-mini",
		Text:    "hello",
		Usage:   &provider.UsageSummary{InputTokens: 4, OutputTokens: 2},
		CostUSD: 0.01,
	}}
	ledger := &recordingBilling{}
	p := NewProcessor(q, completer, ledger, quietLogger())

	job := &Job{ID: "j1", TenantID: "acme", Messages: []provider.ChatMessage{provider.UserMessage("hi")}}
	p.Process(context.Background(), job)

	stored, err := q.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != JobStatusDone || stored.Text != "hello" || stored.Backend != "openai" {
		t.Errorf("Unexpected stored job %+v", stored)
	}
	if stored.Usage == nil || stored.Usage.InputTokens != 4 {
		t.Errorf("Expected usage to be stored, got %+v", stored.Usage)
	}
	if len(q.updates) != 2 || q.updates[0] != JobStatusRunning {
		t.Errorf("Expected running then done updates, got %v", q.updates)
	}
	if len(ledger.logs) != 1 || ledger.logs[0].RequestID != "j1" || ledger.logs[0].CostUSD != 0.01 {
		t.Errorf("Expected one usage log for the job, got %+v", ledger.logs)
	}
}

func TestProcessor_ProcessFailure(t *testing.T) {
	q := newMemQueue()
	ledger := &recordingBilling{}
	p := NewProcessor(q, &mockCompleter{err: errors.New("backend down")}, ledger, quietLogger())

	p.Process(context.Background(), &Job{ID: "j2"})

	stored, _ := q.Get(context.Background(), "j2")
	if stored.Status != JobStatusFailed || stored.Error != "backend down" {
		t.Errorf("Unexpected stored job %+v", stored)
	}
	if len(ledger.logs) != 0 {
		t.Errorf("Expected no usage log, got %d", len(ledger.logs))
	}
}

func TestProcessor_RunUntilCancelled(t *testing.T) {
	q := newMemQueue()
	completer := &mockCompleter{result: &Result{Backend: "gemini", Text: "ok"}}
	p := NewProcessor(q, completer, nil, quietLogger())
	p.PollTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_ = q.Enqueue(ctx, &Job{ID: "j3", Backend: "gemini"})

	deadline := time.After(2 * time.Second)
	for {
		job, _ := q.Get(context.Background(), "j3")
		if job != nil && job.Status == JobStatusDone {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job was not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestJobKey(t *testing.T) {
	if got := jobKey("abc"); got != "completion:job:abc" {
		t.Errorf("Unexpected key %s", got)
	}
}
