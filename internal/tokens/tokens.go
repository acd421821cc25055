// Package tokens normalizes provider token reports into immutable per-turn
// records and tracks per-session context growth.
package tokens

import (
	"sync"
	"time"
)

// Method identifies how a provider reports token usage.
type Method string

const (
	// MethodAnthropicCacheAware applies to providers that report input tokens
	// excluding cache reads and creations; the effective context window is
	// the sum of all three.
	MethodAnthropicCacheAware Method = "anthropic_cache_aware"

	// MethodDirect applies to providers whose reported input tokens already
	// cover the full prompt.
	MethodDirect Method = "direct"
)

// Usage is a raw provider token report for one turn.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// Record is a sealed accounting record for one turn. All fields are assigned
// at construction and only readable through accessors; records never change
// after the turn that produced them.
type Record struct {
	sessionID     string
	turn          int
	method        Method
	usage         Usage
	contextWindow int64
	newInput      int64
	recordedAt    time.Time
}

// SessionID returns the owning session.
func (r *Record) SessionID() string { return r.sessionID }

// Turn returns the turn number this record accounts for.
func (r *Record) Turn() int { return r.turn }

// Method returns the normalization method applied.
func (r *Record) Method() Method { return r.method }

// Usage returns the raw provider report (a copy).
func (r *Record) Usage() Usage { return r.usage }

// ContextWindow returns the effective prompt size for the turn.
func (r *Record) ContextWindow() int64 { return r.contextWindow }

// NewInput returns the context growth since the previous turn, never
// negative: max(0, contextWindow - previousBaseline).
func (r *Record) NewInput() int64 { return r.newInput }

// RecordedAt returns when the record was sealed.
func (r *Record) RecordedAt() time.Time { return r.recordedAt }

// Accountant builds records and carries per-session context baselines.
type Accountant struct {
	mu        sync.Mutex
	baselines map[string]int64
	records   map[string][]*Record
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return &Accountant{
		baselines: make(map[string]int64),
		records:   make(map[string][]*Record),
	}
}

// RecordTurn normalizes usage into a sealed record and advances the session
// baseline to this turn's context window.
func (a *Accountant) RecordTurn(sessionID string, turn int, method Method, usage Usage) *Record {
	contextWindow := usage.InputTokens
	if method == MethodAnthropicCacheAware {
		contextWindow += usage.CacheReadTokens + usage.CacheCreationTokens
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	newInput := contextWindow - a.baselines[sessionID]
	if newInput < 0 {
		newInput = 0
	}

	rec := &Record{
		sessionID:     sessionID,
		turn:          turn,
		method:        method,
		usage:         usage,
		contextWindow: contextWindow,
		newInput:      newInput,
		recordedAt:    time.Now().UTC(),
	}
	a.baselines[sessionID] = contextWindow
	a.records[sessionID] = append(a.records[sessionID], rec)
	return rec
}

// Records returns the session's sealed records in turn order.
func (a *Accountant) Records(sessionID string) []*Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Record, len(a.records[sessionID]))
	copy(out, a.records[sessionID])
	return out
}

// Baseline returns the session's current context baseline.
func (a *Accountant) Baseline(sessionID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baselines[sessionID]
}

// ResetBaseline zeroes the session baseline. Called when the composed context
// is rebuilt from scratch (context clear); existing records stay sealed.
func (a *Accountant) ResetBaseline(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baselines[sessionID] = 0
}

// Totals sums the session's sealed records.
func (a *Accountant) Totals(sessionID string) Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total Usage
	for _, rec := range a.records[sessionID] {
		total.InputTokens += rec.usage.InputTokens
		total.OutputTokens += rec.usage.OutputTokens
		total.CacheReadTokens += rec.usage.CacheReadTokens
		total.CacheCreationTokens += rec.usage.CacheCreationTokens
	}
	return total
}

// Forget drops all state for a session.
func (a *Accountant) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.baselines, sessionID)
	delete(a.records, sessionID)
}
