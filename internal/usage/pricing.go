// Package usage estimates spend from normalized token records using a
// per-model pricing table.
package usage

import (
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/tokens"
)

// Pricing is the per-million-token price card for one model.
type Pricing struct {
	InputUSD         float64
	OutputUSD        float64
	CacheReadUSD     float64
	CacheCreationUSD float64
}

// defaultPricing is matched by model-id prefix, longest prefix first. Prices
// are USD per million tokens.
var defaultPricing = map[string]Pricing{
	"claude-opus":      {InputUSD: 15, OutputUSD: 75, CacheReadUSD: 1.5, CacheCreationUSD: 18.75},
	"claude-sonnet":    {InputUSD: 3, OutputUSD: 15, CacheReadUSD: 0.3, CacheCreationUSD: 3.75},
	"claude-haiku":     {InputUSD: 0.8, OutputUSD: 4, CacheReadUSD: 0.08, CacheCreationUSD: 1},
	"gpt-4o-mini":      {InputUSD: 0.15, OutputUSD: 0.6},
	"gpt-4o":           {InputUSD: 2.5, OutputUSD: 10, CacheReadUSD: 1.25},
	"gpt-4.1":          {InputUSD: 2, OutputUSD: 8, CacheReadUSD: 0.5},
	"o3":               {InputUSD: 2, OutputUSD: 8, CacheReadUSD: 0.5},
	"gemini-2.5-pro":   {InputUSD: 1.25, OutputUSD: 10},
	"gemini-2.5-flash": {InputUSD: 0.3, OutputUSD: 2.5},
}

// Table resolves model ids to prices. A zero Table uses the built-in card.
type Table struct {
	mu       sync.RWMutex
	overlays map[string]Pricing
}

// NewTable creates a table with the built-in price card.
func NewTable() *Table {
	return &Table{overlays: make(map[string]Pricing)}
}

// Set overrides (or adds) the price card for a model prefix.
func (t *Table) Set(modelPrefix string, p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlays[modelPrefix] = p
}

// Lookup returns the price card for a model. Unknown models cost zero, which
// keeps accounting running for self-hosted or unpriced models.
func (t *Table) Lookup(model string) (Pricing, bool) {
	t.mu.RLock()
	p, ok := longestPrefix(t.overlays, model)
	t.mu.RUnlock()
	if ok {
		return p, true
	}
	return longestPrefix(defaultPricing, model)
}

// Cost estimates the USD spend of one turn's usage on the given model.
func (t *Table) Cost(model string, u tokens.Usage) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	const million = 1e6
	return float64(u.InputTokens)/million*p.InputUSD +
		float64(u.OutputTokens)/million*p.OutputUSD +
		float64(u.CacheReadTokens)/million*p.CacheReadUSD +
		float64(u.CacheCreationTokens)/million*p.CacheCreationUSD
}

func longestPrefix(m map[string]Pricing, model string) (Pricing, bool) {
	var (
		best    Pricing
		bestLen = -1
	)
	for prefix, p := range m {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}
