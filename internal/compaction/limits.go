package compaction

import "strings"

// DefaultContextWindow is the conservative fallback for unknown models.
const DefaultContextWindow = 128_000

// ContextWindowForModel returns the token window for a model, checking
// config overrides first, then the built-in table, then prefix matches.
func ContextWindowForModel(model string, overrides map[string]int) int {
	model = strings.ToLower(strings.TrimSpace(model))

	if overrides != nil {
		if v, ok := overrides[model]; ok {
			return v
		}
	}

	switch model {
	case "claude-opus-4", "claude-sonnet-4", "claude-haiku-4",
		"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022":
		return 200_000
	case "gpt-4o", "gpt-4o-mini", "o1", "o3-mini":
		return 128_000
	case "gemini-2.5-flash", "gemini-2.5-pro", "gemini-1.5-pro":
		return 1_048_576
	case "llama-3.1-70b-versatile":
		return 131_072
	}

	if strings.HasPrefix(model, "claude-") {
		return 200_000
	}
	if strings.HasPrefix(model, "gpt-") {
		return 128_000
	}
	if strings.HasPrefix(model, "gemini-") {
		return 1_048_576
	}

	return DefaultContextWindow
}
