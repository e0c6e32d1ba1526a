// Package tokencount implements the Token Estimator: a cheap
// character-based estimate, an exact count via a reusable encoder whose
// pattern is compiled when the package is initialised (not on first use),
// and a threshold-aware smartCount that picks between the two.
//
// No tokenizer library appears anywhere in this repository's dependency
// pack, so the exact encoder below is a small regexp-based word/punctuation
// tokenizer built on the standard library rather than an approximation of
// a specific model's byte-pair encoding — there is nothing in the pack to
// ground a real BPE implementation on, and inventing one would be
// guesswork the spec does not ask for. See DESIGN.md for the fuller
// rationale.
package tokencount

import (
	"math"
	"regexp"
	"sync"
)

// tokenPattern splits text into word runs, individual punctuation/symbol
// characters, and contiguous whitespace runs, matching the coarse token
// boundaries most subword tokenizers converge on for plain text.
var tokenPattern = regexp.MustCompile(`[A-Za-z0-9]+|[^\sA-Za-z0-9]|\s+`)

// EstimateTokens returns ceil(len(s)/4), the fast character-based estimate.
// Returns 0 for an empty string.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / 4.0))
}

// Encoder performs exact tokenization. It is safe to reuse across calls and
// across goroutines. It holds no state: every Encoder shares tokenPattern,
// which is compiled once when the package is initialised, however many
// Encoder values are created.
type Encoder struct{}

var (
	initOnce sync.Once
)

// NewEncoder returns an Encoder ready for CountTokens calls. The sync.Once
// below compiles nothing itself: tokenPattern is already compiled at
// package initialisation, so constructing many Encoder values is cheap.
func NewEncoder() *Encoder {
	initOnce.Do(func() {
		_ = tokenPattern // force the package-level regexp to have been compiled
	})
	return &Encoder{}
}

// CountTokens returns the exact token count for s. Disposing of the
// Encoder (letting it be garbage collected) and creating a new one is safe
// and cheap, matching the spec's "safe to dispose and reuse" requirement.
func (e *Encoder) CountTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(tokenPattern.FindAllString(s, -1))
}

// CountResult is returned by SmartCount.
type CountResult struct {
	Method string `json:"method"` // "estimated" or "precise"
	Tokens int    `json:"tokens"`
}

// SmartCount returns an estimated count when the cheap estimate is
// comfortably below threshold (less than 0.8 * threshold), and an exact
// count otherwise. Empty input is always {"estimated", 0}.
func SmartCount(enc *Encoder, s string, threshold int) CountResult {
	if s == "" {
		return CountResult{Method: "estimated", Tokens: 0}
	}
	estimate := EstimateTokens(s)
	if float64(estimate) < 0.8*float64(threshold) {
		return CountResult{Method: "estimated", Tokens: estimate}
	}
	if enc == nil {
		enc = NewEncoder()
	}
	return CountResult{Method: "precise", Tokens: enc.CountTokens(s)}
}
