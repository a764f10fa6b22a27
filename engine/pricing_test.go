package engine

import "testing"

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 1 {
		t.Fatalf("empty text should estimate 1 token, got %d", got)
	}
	if got := estimateTokens("abcd"); got != 1 {
		t.Fatalf("expected 1 token for 4 chars, got %d", got)
	}
	if got := estimateTokens(string(make([]byte, 4000))); got != 1000 {
		t.Fatalf("expected 1000 tokens for 4000 chars, got %d", got)
	}
}

func TestCostSaved(t *testing.T) {
	if got := costSaved("gpt-4", 1000); got != 0.03 {
		t.Fatalf("gpt-4 at 1000 tokens: got %v, want 0.03", got)
	}
	// Longest prefix wins: gpt-4o-mini must not price as gpt-4o or gpt-4.
	if got := costSaved("gpt-4o-mini", 1000); got != 0.0006 {
		t.Fatalf("gpt-4o-mini priced as %v, want 0.0006", got)
	}
	if got := costSaved("gpt-4o", 1000); got != 0.01 {
		t.Fatalf("gpt-4o priced as %v, want 0.01", got)
	}
	// Unknown models fall back to the default price.
	if got := costSaved("some-future-model", 1000); got != defaultPricePer1K {
		t.Fatalf("unknown model priced as %v, want %v", got, defaultPricePer1K)
	}
	// Never zero, even for a single token.
	if got := costSaved("claude-3-haiku-20240307", 1); got <= 0 {
		t.Fatalf("cost saved must be positive, got %v", got)
	}
}
