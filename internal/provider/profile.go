package provider

import (
	"net/url"
	"os"
	"sort"
)

type Format string

const (
	FormatOpenAI Format = "openai"
	FormatGemini Format = "gemini"
)

// BodyFields holds the JSON paths (sjson syntax) of the fixed request keys.
// An empty path omits the key. When System is empty the system prompt is
// sent as the first message instead. OmitEmptySystem drops the System key
// when the prompt is empty.
type BodyFields struct {
	Model           string
	Messages        string
	System          string
	OmitEmptySystem bool
	Temperature     string
	MaxTokens       string
	Stream          string
}

// BackendProfile captures everything that distinguishes one chat-completion
// backend from another. Header and string body values are templates that may
// reference ${api_key}, ${model}, ${user_id}, ${user_type} and ${system_name}.
type BackendProfile struct {
	Name           string
	DefaultBaseURL string
	Path           string
	Format         Format

	Headers          map[string]string
	AuthHeaders      map[string]string // applied only when an API key is set
	RequestIDHeaders []string          // each gets a fresh uuid per request
	TemplateDefaults map[string]string

	Fields     BodyFields
	BodyExtras map[string]any

	ContentPaths         []string
	PromptTokenPaths     []string
	CompletionTokenPaths []string
}

var DefaultContentPaths = []string{
	"choices.0.delta.content",
	"delta.content",
	"content",
	"text",
}

var openAIFields = BodyFields{
	Model:       "model",
	Messages:    "messages",
	Temperature: "temperature",
	MaxTokens:   "max_tokens",
	Stream:      "stream",
}

var builtinProfiles = map[string]BackendProfile{
	"openai": {
		Name:           "openai",
		DefaultBaseURL: "https://api.openai.com/v1",
		Path:           "/chat/completions",
		Format:         FormatOpenAI,
		AuthHeaders:    map[string]string{"Authorization": "Bearer ${api_key}"},
		Fields:         openAIFields,
		BodyExtras:     map[string]any{"stream_options.include_usage": true},
		ContentPaths:   DefaultContentPaths,

		PromptTokenPaths:     []string{"usage.prompt_tokens"},
		CompletionTokenPaths: []string{"usage.completion_tokens"},
	},
	"openai-compatible": {
		Name:         "openai-compatible",
		Path:         "/chat/completions",
		Format:       FormatOpenAI,
		AuthHeaders:  map[string]string{"Authorization": "Bearer ${api_key}"},
		Fields:       openAIFields,
		BodyExtras:   map[string]any{"stream_options.include_usage": true},
		ContentPaths: DefaultContentPaths,

		PromptTokenPaths:     []string{"usage.prompt_tokens"},
		CompletionTokenPaths: []string{"usage.completion_tokens"},
	},
	"ticketed": {
		Name:   "ticketed",
		Path:   "/chat/completions",
		Format: FormatOpenAI,
		Headers: map[string]string{
			"X-Dep-Ticket":     "${api_key}",
			"User-Id":          "${user_id}",
			"User-Type":        "${user_type}",
			"Send-System-Name": "${system_name}",
			"Accept":           "text/event-stream; charset=utf-8",
		},
		RequestIDHeaders: []string{"Prompt-Msg-Id", "Completion-Msg-Id"},
		TemplateDefaults: map[string]string{"system_name": "M"},
		Fields: BodyFields{
			Model:       "model_id",
			Messages:    "messages",
			System:      "system_prompt",
			Temperature: "temperature",
			MaxTokens:   "max_tokens",
			Stream:      "stream_mode",
		},
		BodyExtras: map[string]any{
			"user_id":   "${user_id}",
			"user_type": "${user_type}",
		},
		ContentPaths: DefaultContentPaths,

		PromptTokenPaths:     []string{"usage.prompt_tokens"},
		CompletionTokenPaths: []string{"usage.completion_tokens"},
	},
	"anthropic": {
		Name:           "anthropic",
		DefaultBaseURL: "https://api.anthropic.com/v1",
		Path:           "/messages",
		Format:         FormatOpenAI,
		Headers:        map[string]string{"anthropic-version": "2023-06-01"},
		AuthHeaders:    map[string]string{"x-api-key": "${api_key}"},
		Fields: BodyFields{
			Model:           "model",
			Messages:        "messages",
			System:          "system",
			OmitEmptySystem: true,
			Temperature:     "temperature",
			MaxTokens:       "max_tokens",
			Stream:          "stream",
		},
		ContentPaths: []string{"delta.text"},

		PromptTokenPaths:     []string{"message.usage.input_tokens"},
		CompletionTokenPaths: []string{"usage.output_tokens"},
	},
	"gemini": {
		Name:           "gemini",
		DefaultBaseURL: "https://generativelanguage.googleapis.com",
		Path:           "/v1beta/models/${model}:streamGenerateContent?alt=sse",
		Format:         FormatGemini,
		AuthHeaders:    map[string]string{"x-goog-api-key": "${api_key}"},
		Fields: BodyFields{
			Messages:        "contents",
			System:          "systemInstruction",
			OmitEmptySystem: true,
			Temperature:     "generationConfig.temperature",
			MaxTokens:       "generationConfig.maxOutputTokens",
		},
		ContentPaths: []string{"candidates.0.content.parts.0.text"},

		PromptTokenPaths:     []string{"usageMetadata.promptTokenCount"},
		CompletionTokenPaths: []string{"usageMetadata.candidatesTokenCount"},
	},
}

func LookupProfile(name string) (BackendProfile, bool) {
	p, ok := builtinProfiles[name]
	return p, ok
}

func ProfileNames() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type templateVars map[string]string

func (p BackendProfile) vars(cfg EndpointConfig, modelID string) templateVars {
	v := templateVars{}
	for k, val := range p.TemplateDefaults {
		v[k] = val
	}
	set := func(k, val string) {
		if val != "" {
			v[k] = val
		}
	}
	set("api_key", cfg.APIKey)
	set("model", modelID)
	set("user_id", cfg.UserID)
	set("user_type", cfg.UserType)
	set("system_name", cfg.SystemName)
	return v
}

func (v templateVars) expand(s string) string {
	return os.Expand(s, func(k string) string { return v[k] })
}

func (v templateVars) expandPath(s string) string {
	return os.Expand(s, func(k string) string { return url.PathEscape(v[k]) })
}
