// Package tokenutil estimates token usage for text that has no recorded
// counts from the model. The heuristic assumes ~4 characters per token
// for non-CJK text and ~2 characters per token for CJK, which tokenizes
// far denser.
package tokenutil

import "unicode"

// EstimateTokens returns a character-class-based token estimate.
// CJK runes count at ~2 chars/token, everything else at ~4 chars/token.
// Non-empty input always estimates at least 1 token.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	var cjk, other int
	for _, r := range content {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := (cjk + 1) / 2
	tokens += (other + 3) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// EstimateParts sums estimates over several text parts. Message content
// and serialized tool calls are estimated separately so a short content
// with a large tool payload is still accounted for.
func EstimateParts(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += EstimateTokens(p)
	}
	return total
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
