package provider

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrStreamClosed = errors.New("provider: stream closed")

// State tracks a stream after a successful response. Failures before that
// point are returned by CreateMessage and never produce a Stream.
type State int

const (
	StateStreaming State = iota
	StateDraining
	StateCompleted
	StateFailedMidStream
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFailedMidStream:
		return "failed_mid_stream"
	default:
		return "unknown"
	}
}

// Stream is a single-pass, forward-only sequence of events read from one
// response body. It is not safe for concurrent use.
type Stream struct {
	backend       string
	body          io.ReadCloser
	lines         *lineReader
	contentPaths  []string
	promptPaths   []string
	completePaths []string
	logger        *slog.Logger
	span          trace.Span

	estimate int
	reported reportedUsage
	deltas   int

	state  State
	err    error
	closed bool
}

type streamParams struct {
	profile  BackendProfile
	body     io.ReadCloser
	estimate int
	logger   *slog.Logger
	span     trace.Span
}

func newStream(p streamParams) *Stream {
	paths := p.profile.ContentPaths
	if len(paths) == 0 {
		paths = DefaultContentPaths
	}
	return &Stream{
		backend:       p.profile.Name,
		body:          p.body,
		lines:         newLineReader(p.body),
		contentPaths:  paths,
		promptPaths:   p.profile.PromptTokenPaths,
		completePaths: p.profile.CompletionTokenPaths,
		logger:        p.logger,
		span:          p.span,
		estimate:      p.estimate,
		state:         StateStreaming,
	}
}

func (s *Stream) State() State { return s.state }

// Recv returns the next event. After the usage summary it returns io.EOF.
func (s *Stream) Recv() (StreamEvent, error) {
	for {
		switch {
		case s.state == StateCompleted:
			return StreamEvent{}, io.EOF
		case s.state == StateFailedMidStream:
			return StreamEvent{}, s.err
		case s.closed:
			return StreamEvent{}, ErrStreamClosed
		}

		line, err := s.lines.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return s.drain(), nil
			}
			s.fail(err)
			return StreamEvent{}, s.err
		}

		if text, ok := s.handleLine(line); ok {
			s.deltas++
			return TextDelta(text), nil
		}
	}
}

func (s *Stream) handleLine(line string) (string, bool) {
	kind, payload := classifyFrame(line)
	switch kind {
	case frameJSON:
	case frameMalformed:
		w := &FrameParseWarning{Line: payload, Err: errors.New("invalid JSON")}
		s.logger.Warn("stream frame skipped", "backend", s.backend, "error", w)
		return "", false
	default:
		return "", false
	}

	if n, ok := extractTokens(payload, s.promptPaths); ok {
		s.reported.prompt = n
		s.reported.seen = true
	}
	if n, ok := extractTokens(payload, s.completePaths); ok {
		s.reported.completion = n
		s.reported.seen = true
	}
	return extractText(payload, s.contentPaths)
}

func (s *Stream) drain() StreamEvent {
	s.state = StateDraining
	usage := s.reported.summary(s.estimate)
	s.state = StateCompleted

	s.span.SetAttributes(
		attribute.Int("stream.deltas", s.deltas),
		attribute.Int("usage.input_tokens", usage.InputTokens),
		attribute.Int("usage.output_tokens", usage.OutputTokens),
		attribute.Bool("usage.estimated", !s.reported.seen),
	)
	s.release()
	return UsageEvent(usage)
}

func (s *Stream) fail(err error) {
	op := "read"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		op = "read (cancelled)"
	}
	s.err = &TransportError{Profile: s.backend, Op: op, Err: err}
	s.state = StateFailedMidStream
	s.span.RecordError(s.err)
	s.span.SetStatus(codes.Error, s.err.Error())
	s.logger.Error("stream failed", "backend", s.backend, "deltas", s.deltas, "error", s.err)
	s.release()
}

// Close releases the connection. It is safe to call more than once and
// after the stream has finished.
func (s *Stream) Close() error {
	return s.release()
}

func (s *Stream) release() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.span.End()
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

// All adapts the stream to a range-over-func sequence. The connection is
// released on every exit path, including an early break.
func (s *Stream) All() iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		defer s.Close()
		for {
			ev, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(StreamEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Collect drains the stream into the full reply text and the usage summary.
// On error the text collected so far is returned alongside it.
func Collect(s *Stream) (string, *UsageSummary, error) {
	var sb strings.Builder
	var usage *UsageSummary
	for ev, err := range s.All() {
		if err != nil {
			return sb.String(), usage, err
		}
		switch ev.Kind {
		case EventText:
			sb.WriteString(ev.Text)
		case EventUsage:
			usage = ev.Usage
		}
	}
	return sb.String(), usage, nil
}

// Chunks relays the stream over a channel. ctx should be the context the
// stream was created with so that cancellation also unblocks pending reads.
func Chunks(ctx context.Context, s *Stream) <-chan *Chunk {
	ch := make(chan *Chunk)

	go func() {
		defer close(ch)
		defer s.Close()

		for {
			ev, err := s.Recv()

			var c *Chunk
			switch {
			case errors.Is(err, io.EOF):
				c = &Chunk{Done: true}
			case err != nil:
				c = &Chunk{Err: err}
			case ev.Kind == EventUsage:
				c = &Chunk{Usage: ev.Usage}
			default:
				c = &Chunk{Delta: ev.Text}
			}

			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
			if c.Done || c.Err != nil {
				return
			}
		}
	}()

	return ch
}
