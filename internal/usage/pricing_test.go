package usage

import (
	"math"
	"testing"

	"github.com/loomhq/loom/internal/tokens"
)

func TestLookupLongestPrefixWins(t *testing.T) {
	table := NewTable()

	p, ok := table.Lookup("gpt-4o-mini-2024-07-18")
	if !ok {
		t.Fatal("expected a price card for gpt-4o-mini")
	}
	if p.InputUSD != 0.15 {
		t.Fatalf("gpt-4o-mini should win over gpt-4o, got input price %v", p.InputUSD)
	}

	p, ok = table.Lookup("gpt-4o-2024-08-06")
	if !ok {
		t.Fatal("expected a price card for gpt-4o")
	}
	if p.InputUSD != 2.5 {
		t.Fatalf("expected gpt-4o pricing, got input price %v", p.InputUSD)
	}
}

func TestLookupUnknownModel(t *testing.T) {
	table := NewTable()
	if _, ok := table.Lookup("llama-3-70b"); ok {
		t.Fatal("unpriced model should not resolve")
	}
	if cost := table.Cost("llama-3-70b", tokens.Usage{InputTokens: 1000, OutputTokens: 1000}); cost != 0 {
		t.Fatalf("unpriced model should cost zero, got %v", cost)
	}
}

func TestSetOverridesBuiltins(t *testing.T) {
	table := NewTable()
	table.Set("claude-sonnet", Pricing{InputUSD: 1, OutputUSD: 5})

	p, ok := table.Lookup("claude-sonnet-4-20250514")
	if !ok {
		t.Fatal("expected overlay card")
	}
	if p.InputUSD != 1 || p.OutputUSD != 5 {
		t.Fatalf("overlay should shadow the builtin card, got %+v", p)
	}

	// Untouched models keep the builtin card.
	if p, _ := table.Lookup("claude-opus-4"); p.InputUSD != 15 {
		t.Fatalf("builtin card clobbered: %+v", p)
	}
}

func TestCostCombinesTokenClasses(t *testing.T) {
	table := NewTable()
	u := tokens.Usage{
		InputTokens:         1_000_000,
		OutputTokens:        2_000_000,
		CacheReadTokens:     500_000,
		CacheCreationTokens: 100_000,
	}

	// claude-sonnet: 3 + 2*15 + 0.5*0.3 + 0.1*3.75
	got := table.Cost("claude-sonnet-4-20250514", u)
	want := 3.0 + 30.0 + 0.15 + 0.375
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}
