package provider

import (
	"context"

	"github.com/vnmchuo/completion-gateway/internal/models"
)

type EventKind int

const (
	EventText EventKind = iota + 1
	EventUsage
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventUsage:
		return "usage"
	default:
		return "unknown"
	}
}

type UsageSummary struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalCost    float64 `json:"totalCost"`
}

// StreamEvent is either a text delta (Kind == EventText) or the final usage
// summary (Kind == EventUsage).
type StreamEvent struct {
	Kind  EventKind
	Text  string
	Usage *UsageSummary
}

func TextDelta(text string) StreamEvent {
	return StreamEvent{Kind: EventText, Text: text}
}

func UsageEvent(u UsageSummary) StreamEvent {
	return StreamEvent{Kind: EventUsage, Usage: &u}
}

// EndpointConfig describes where and as whom a client talks. It is copied
// into the client at construction time.
type EndpointConfig struct {
	BaseURL      string
	URL          string // full custom URL; overrides BaseURL + profile path
	APIKey       string
	ExtraHeaders map[string]string
	ModelID      string
	ModelInfo    *models.ModelInfo

	UserID     string
	UserType   string
	SystemName string
}

func (c EndpointConfig) clone() EndpointConfig {
	out := c
	if c.ExtraHeaders != nil {
		out.ExtraHeaders = make(map[string]string, len(c.ExtraHeaders))
		for k, v := range c.ExtraHeaders {
			out.ExtraHeaders[k] = v
		}
	}
	if c.ModelInfo != nil {
		info := *c.ModelInfo
		out.ModelInfo = &info
	}
	return out
}

// MessageCreator is the contract shared by Client and the retry wrapper.
type MessageCreator interface {
	CreateMessage(ctx context.Context, systemPrompt string, messages []ChatMessage) (*Stream, error)
	Model() models.Model
	Name() string
}

type Chunk struct {
	Delta string
	Usage *UsageSummary
	Done  bool
	Err   error
}
