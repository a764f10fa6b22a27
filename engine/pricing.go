package engine

import "strings"

// Per-1K-token prices in USD, keyed by model id prefix. Used to estimate
// what a cache hit saved the caller; longest matching prefix wins.
var modelPricing = map[string]float64{
	"gpt-4o-mini":     0.00060,
	"gpt-4o":          0.01000,
	"gpt-4":           0.03000,
	"gpt-3.5":         0.00150,
	"o1":              0.01500,
	"claude-3-haiku":  0.00125,
	"claude-3-sonnet": 0.00300,
	"claude-3-opus":   0.01500,
	"claude-":         0.00300,
}

const defaultPricePer1K = 0.00200

// estimateTokens falls back to the rough 4-chars-per-token heuristic when
// the provider never reported a count for the cached response.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// costSaved returns the estimated spend avoided by serving tokens from
// cache instead of the target model. Always positive for non-empty text.
func costSaved(model string, tokens int) float64 {
	price := defaultPricePer1K
	bestLen := 0
	for prefix, p := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			price, bestLen = p, len(prefix)
		}
	}
	if tokens < 1 {
		tokens = 1
	}
	return float64(tokens) / 1000 * price
}
