// Package utils provides token counting and helpers for decoded JSON tool input.
package utils

import (
	"fmt"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts with the GPT-4 encoding. Provider
// tokenizers differ, so results are approximate and callers keep headroom.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. Every model currently maps to the
// GPT-4 encoding; the argument is kept for error messages and future mappings.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CharEstimate is the 4-characters-per-token fallback.
func CharEstimate(text string) int {
	return (len(text) + 3) / 4
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return CharEstimate(text)
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return CharEstimate(text)
	}
	return count
}

// CountTokensSimple counts with a fresh GPT-4 counter, falling back to CharEstimate.
func CountTokensSimple(text string) int {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		return CharEstimate(text)
	}
	return counter.CountTokens(text)
}

// TruncateToTokenLimit cuts text so its estimate fits within limit.
// It cuts proportionally on a rune boundary and marks the cut with "...".
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	return TruncateToTokenLimit(tc.CountTokens, text, limit)
}

const ellipsis = "..."

// TruncateToTokenLimit is the counter-agnostic form used by callers with their own estimator.
// The "..." marker is left off when it would not leave the result shorter than text.
func TruncateToTokenLimit(count func(string) int, text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	current := count(text)
	if current <= limit {
		return text
	}

	// Shrink proportionally with a safety margin until the estimate fits.
	cut := int(float64(len(text)) * float64(limit) / float64(current) * 0.9)
	for cut > 0 {
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		out := text[:cut]
		if len(out)+len(ellipsis) < len(text) {
			out += ellipsis
		}
		if count(out) <= limit {
			return out
		}
		cut = cut * 9 / 10
	}
	return ""
}
