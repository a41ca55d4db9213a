package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vnmchuo/completion-gateway/internal/billing"
	"github.com/vnmchuo/completion-gateway/internal/provider"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

var ErrJobNotFound = errors.New("job not found")

// Job is a buffered completion run in the background.
type Job struct {
	ID       string                 `json:"id"`
	TenantID string                 `json:"tenant_id"`
	Backend  string                 `json:"backend,omitempty"`
	System   string                 `json:"system"`
	Messages []provider.ChatMessage `json:"messages"`

	Status JobStatus              `json:"status"`
	Model  string                 `json:"model,omitempty"`
	Text   string                 `json:"text,omitempty"`
	Usage  *provider.UsageSummary `json:"usage,omitempty"`
	Error  string                 `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks up to timeout; it returns nil, nil when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
}

// Result is the outcome of one buffered completion.
type Result struct {
	Backend string
	Model   string
	Text    string
	Usage   *provider.UsageSummary
	CostUSD float64
	Latency time.Duration
}

// Completer runs a completion to the end. An empty backend lets the
// implementation choose.
type Completer interface {
	Complete(ctx context.Context, backend, system string, messages []provider.ChatMessage) (*Result, error)
}

type Processor struct {
	queue     Queue
	completer Completer
	billing   billing.Store
	logger    *slog.Logger

	PollTimeout time.Duration
	ErrorDelay  time.Duration
}

func NewProcessor(queue Queue, completer Completer, billingStore billing.Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:       queue,
		completer:   completer,
		billing:     billingStore,
		logger:      logger,
		PollTimeout: 5 * time.Second,
		ErrorDelay:  time.Second,
	}
}

// Run processes jobs until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := p.queue.Dequeue(ctx, p.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("worker: dequeue failed", "error", err)
			select {
			case <-time.After(p.ErrorDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			continue
		}

		p.Process(ctx, job)
	}
}

// Process runs a single job and stores its outcome.
func (p *Processor) Process(ctx context.Context, job *Job) {
	job.Status = JobStatusRunning
	job.UpdatedAt = time.Now()
	if err := p.queue.Update(ctx, job); err != nil {
		p.logger.Warn("worker: failed to mark job running", "job_id", job.ID, "error", err)
	}

	res, err := p.completer.Complete(ctx, job.Backend, job.System, job.Messages)
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		p.logger.Warn("worker: job failed", "job_id", job.ID, "error", err)
	} else {
		job.Status = JobStatusDone
		job.Backend = res.Backend
		job.Model = res.Model
		job.Text = res.Text
		job.Usage = res.Usage
		p.logUsage(job, res)
	}
	job.UpdatedAt = time.Now()

	// the job outcome is stored even when ctx ended mid-run
	if err := p.queue.Update(context.WithoutCancel(ctx), job); err != nil {
		p.logger.Error("worker: failed to store job result", "job_id", job.ID, "error", err)
	}
}

func (p *Processor) logUsage(job *Job, res *Result) {
	if p.billing == nil || res.Usage == nil {
		return
	}
	err := p.billing.LogUsage(context.Background(), &billing.UsageLog{
		TenantID:     job.TenantID,
		RequestID:    job.ID,
		Backend:      res.Backend,
		Model:        res.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CostUSD:      res.CostUSD,
		LatencyMs:    res.Latency.Milliseconds(),
	})
	if err != nil {
		p.logger.Warn("worker: failed to log usage", "job_id", job.ID, "error", fmt.Errorf("billing: %w", err))
	}
}
