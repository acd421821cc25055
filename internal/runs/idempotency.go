package runs

import (
	"sync"
	"time"
)

// IdempotencyOptions tunes response caching.
type IdempotencyOptions struct {
	// TTL is how long a cached response deduplicates (default 5m).
	TTL time.Duration

	// CacheErrors also replays failed outcomes for a repeated key.
	CacheErrors bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type idemEntry struct {
	response  []byte
	isError   bool
	expiresAt time.Time

	// done closes when the first request for the key finishes, so concurrent
	// duplicates wait for its response instead of racing a second execution.
	done chan struct{}
}

// IdempotencyCache replays the first response for a repeated idempotency key.
// Keys are independent of session and request ids; the cached bytes are
// returned verbatim so replays are byte-identical.
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*idemEntry

	ttl         time.Duration
	cacheErrors bool
	now         func() time.Time
}

// NewIdempotencyCache creates a cache.
func NewIdempotencyCache(opts IdempotencyOptions) *IdempotencyCache {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &IdempotencyCache{
		entries:     make(map[string]*idemEntry),
		ttl:         opts.TTL,
		cacheErrors: opts.CacheErrors,
		now:         opts.Now,
	}
}

// Do runs fn once per key within the TTL. The first caller executes fn and
// its response bytes are cached; later callers with the same key get the
// cached bytes and replayed=true without fn running. Keys are skipped (fn
// always runs, nothing cached) when key is empty.
func (c *IdempotencyCache) Do(key string, fn func() (response []byte, isError bool)) (response []byte, replayed bool) {
	if key == "" {
		resp, _ := fn()
		return resp, false
	}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		<-entry.done
		return entry.response, true
	}
	entry := &idemEntry{
		expiresAt: c.now().Add(c.ttl),
		done:      make(chan struct{}),
	}
	c.entries[key] = entry
	c.mu.Unlock()

	resp, isError := fn()
	entry.response = resp
	entry.isError = isError
	close(entry.done)

	if isError && !c.cacheErrors {
		c.mu.Lock()
		if c.entries[key] == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}
	return resp, false
}

// Sweep evicts expired entries. Returns the number evicted.
func (c *IdempotencyCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	evicted := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Len reports how many entries are cached, for tests.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
