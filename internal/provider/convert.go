package provider

// Converter turns provider-agnostic messages into the shape a backend
// expects. Roles are preserved and multi-block content is flattened.
type Converter interface {
	Convert(messages []ChatMessage) any
	System(prompt string) any
}

func ConverterFor(f Format) Converter {
	switch f {
	case FormatGemini:
		return geminiConverter{}
	default:
		return openAIConverter{}
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIConverter struct{}

func (openAIConverter) Convert(messages []ChatMessage) any {
	out := make([]openAIMessage, len(messages))
	for i, m := range messages {
		out[i] = openAIMessage{
			Role:    string(m.Role),
			Content: m.Content.Flatten(),
		}
	}
	return out
}

func (openAIConverter) System(prompt string) any { return prompt }

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiConverter struct{}

func (geminiConverter) Convert(messages []ChatMessage) any {
	out := make([]geminiContent, len(messages))
	for i, m := range messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		out[i] = geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content.Flatten()}},
		}
	}
	return out
}

func (geminiConverter) System(prompt string) any {
	return geminiContent{Parts: []geminiPart{{Text: prompt}}}
}
