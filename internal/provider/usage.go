package provider

import "unicode/utf8"

// EstimateInputTokens applies the four-characters-per-token heuristic to the
// system prompt plus the flattened text of every message. It is a rough
// accounting fallback, not a billing figure.
func EstimateInputTokens(systemPrompt string, messages []ChatMessage) int {
	total := utf8.RuneCountInString(systemPrompt)
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content.Flatten())
	}
	return (total + 3) / 4
}

type reportedUsage struct {
	prompt     int
	completion int
	seen       bool
}

func (r reportedUsage) summary(estimate int) UsageSummary {
	if !r.seen {
		return UsageSummary{InputTokens: estimate}
	}
	return UsageSummary{InputTokens: r.prompt, OutputTokens: r.completion}
}
