package reputation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/ravenclaw-b/deepalts/internal/iphash"
	"github.com/ravenclaw-b/deepalts/internal/observability"
)

// Entry is a cached classification for one hashed address.
//
// Confirmed entries (real oracle answers, or manual inserts) are permanent
// until an explicit cache clear. Provisional entries come from the fail-open
// path (rate budget exhausted, oracle error); they are re-queried once the
// recheck interval has elapsed so a temporarily unreachable oracle does not
// permanently whitewash a proxy address.
type Entry struct {
	Proxy       bool      `json:"proxy" yaml:"proxy"`
	Provisional bool      `json:"provisional,omitempty" yaml:"provisional,omitempty"`
	CheckedAt   time.Time `json:"checked_at" yaml:"checked_at"`
}

// Result is the outcome of a classification: the is-proxy bit plus the
// hashed form of the input address, which is the only form callers may keep.
type Result struct {
	Proxy bool
	Hash  string
}

// CacheConfig configures the reputation cache.
type CacheConfig struct {
	Budget  int           // oracle calls allowed per window
	Window  time.Duration // hard-reset window for the budget
	Recheck time.Duration // age after which a provisional entry is re-queried
}

// DefaultCacheConfig returns the standard budget: 45 calls per minute,
// matching the free tier of the default oracle, with hourly recheck of
// fail-open entries.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Budget:  45,
		Window:  time.Minute,
		Recheck: time.Hour,
	}
}

// Cache is the memoized, deduplicated, rate-limited classification lookup.
//
// Invariant: at most one oracle call is in flight per hashed address. All
// concurrent callers for the same unresolved address receive the result of
// that single call. Callers are never blocked on the rate budget and never
// see an error; every failure path resolves to a recorded classification.
type Cache struct {
	config CacheConfig
	oracle Oracle

	mu      sync.RWMutex
	entries map[string]Entry

	flight singleflight.Group

	tokens      atomic.Int64
	used        atomic.Int64
	windowStart atomic.Int64 // unix millis of the current budget window

	onDirty func() // notified after any entry write; wired to the save queue

	hits       *observability.Counter
	misses     *observability.Counter
	calls      *observability.Counter
	failures   *observability.Counter
	failOpens  *observability.Counter
	tokenGauge *observability.Gauge
	latency    *observability.Histogram
}

// NewCache creates a reputation cache over the given oracle.
func NewCache(config CacheConfig, oracle Oracle, reg *observability.Registry) *Cache {
	if config.Budget <= 0 {
		config.Budget = DefaultCacheConfig().Budget
	}
	if config.Window <= 0 {
		config.Window = DefaultCacheConfig().Window
	}
	if config.Recheck <= 0 {
		config.Recheck = DefaultCacheConfig().Recheck
	}
	if reg == nil {
		reg = observability.NewRegistry()
	}

	c := &Cache{
		config:     config,
		oracle:     oracle,
		entries:    make(map[string]Entry),
		hits:       reg.NewCounter(observability.MetricCacheHits, "Reputation cache hits"),
		misses:     reg.NewCounter(observability.MetricCacheMisses, "Reputation cache misses"),
		calls:      reg.NewCounter(observability.MetricOracleCalls, "Reputation oracle calls issued"),
		failures:   reg.NewCounter(observability.MetricOracleFailures, "Reputation oracle calls that failed"),
		failOpens:  reg.NewCounter(observability.MetricFailOpens, "Classifications recorded by the fail-open path"),
		tokenGauge: reg.NewGauge(observability.MetricRateTokens, "Oracle rate-limit tokens remaining in window"),
		latency: reg.NewHistogram(observability.MetricOracleLatencyMs,
			"Oracle round-trip latency in milliseconds", observability.DefaultLatencyBuckets),
	}
	c.tokens.Store(int64(config.Budget))
	c.tokenGauge.Set(int64(config.Budget))
	c.windowStart.Store(time.Now().UnixMilli())
	return c
}

// SetOnDirty registers a callback invoked after every entry write. Must be
// called before the cache is shared across goroutines.
func (c *Cache) SetOnDirty(fn func()) {
	c.onDirty = fn
}

// Start launches the budget reset loop. It returns immediately; the loop
// stops when ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	go c.resetLoop(ctx)
}

// resetLoop restores the token budget to full on a fixed wall-clock
// schedule, independent of consumption rate.
func (c *Cache) resetLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			if now-c.windowStart.Load() >= c.config.Window.Milliseconds() {
				c.tokens.Store(int64(c.config.Budget))
				c.used.Store(0)
				c.windowStart.Store(now)
				c.tokenGauge.Set(int64(c.config.Budget))
			}
		}
	}
}

// Classify resolves the is-proxy classification for a raw address and
// returns it together with the hashed address. It never returns an error
// and never blocks on the rate budget; see Cache invariants.
func (c *Cache) Classify(ctx context.Context, rawAddr string) Result {
	rawAddr = strings.TrimSpace(rawAddr)
	if rawAddr == "" {
		// No hash either: there is no token for "no address", so callers
		// cannot persist one by mistake.
		log.Warn().Msg("reputation: empty address, assuming not proxy")
		return Result{Proxy: false}
	}

	hashed := iphash.Hash(rawAddr)

	if entry, ok := c.lookupFresh(hashed); ok {
		c.hits.Inc()
		return Result{Proxy: entry.Proxy, Hash: hashed}
	}
	c.misses.Inc()

	// Collapse concurrent requests for the same unresolved hash into one
	// resolution. Late joiners re-check the cache inside the critical
	// section so a result delivered between their miss and the join is
	// not re-fetched.
	v, _, _ := c.flight.Do(hashed, func() (any, error) {
		if entry, ok := c.lookupFresh(hashed); ok {
			return entry.Proxy, nil
		}
		return c.resolve(ctx, rawAddr, hashed), nil
	})

	return Result{Proxy: v.(bool), Hash: hashed}
}

// lookupFresh returns the cached entry unless it is a provisional entry
// whose recheck interval has elapsed.
func (c *Cache) lookupFresh(hashed string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[hashed]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if entry.Provisional && time.Since(entry.CheckedAt) >= c.config.Recheck {
		return Entry{}, false
	}
	return entry, true
}

// resolve performs the rate-limited oracle call for an unresolved hash and
// records the outcome. Exactly one goroutine runs this per hash at a time.
func (c *Cache) resolve(ctx context.Context, rawAddr, hashed string) bool {
	if !c.takeToken() {
		log.Warn().
			Str("hash", iphash.Abbrev(hashed)).
			Msg("reputation: rate budget exhausted, assuming not proxy")
		c.failOpens.Inc()
		c.record(hashed, Entry{Proxy: false, Provisional: true, CheckedAt: time.Now()})
		return false
	}

	start := time.Now()
	verdict, err := c.oracle.Check(ctx, rawAddr)
	c.latency.Observe(float64(time.Since(start).Milliseconds()))
	c.calls.Inc()

	if err != nil {
		c.failures.Inc()
		c.failOpens.Inc()
		evt := log.Warn().Str("hash", iphash.Abbrev(hashed))
		if errors.Is(err, ErrRateLimited) {
			evt.Msg("reputation: oracle rate limited, assuming not proxy")
		} else {
			evt.Err(err).Msg("reputation: oracle check failed, assuming not proxy")
		}
		c.record(hashed, Entry{Proxy: false, Provisional: true, CheckedAt: time.Now()})
		return false
	}

	proxy := verdict.Flagged()
	c.record(hashed, Entry{Proxy: proxy, CheckedAt: time.Now()})
	log.Info().
		Str("hash", iphash.Abbrev(hashed)).
		Bool("proxy", proxy).
		Int64("tokens_left", c.tokens.Load()).
		Msg("reputation: address classified")
	return proxy
}

// takeToken consumes one token from the budget, or reports exhaustion.
// Tokens are only restored by the reset loop, never released per call.
func (c *Cache) takeToken() bool {
	for {
		cur := c.tokens.Load()
		if cur <= 0 {
			return false
		}
		if c.tokens.CompareAndSwap(cur, cur-1) {
			c.used.Add(1)
			c.tokenGauge.Set(cur - 1)
			return true
		}
	}
}

func (c *Cache) record(hashed string, entry Entry) {
	c.mu.Lock()
	c.entries[hashed] = entry
	c.mu.Unlock()
	if c.onDirty != nil {
		c.onDirty()
	}
}

// Lookup returns the cached classification for a hashed address without
// triggering an oracle call. Provisional entries are reported as-is.
func (c *Cache) Lookup(hashed string) (proxy, ok bool) {
	c.mu.RLock()
	entry, ok := c.entries[hashed]
	c.mu.RUnlock()
	return entry.Proxy, ok
}

// Put inserts or overwrites a classification as a confirmed entry.
func (c *Cache) Put(hashed string, proxy bool) {
	c.record(hashed, Entry{Proxy: proxy, CheckedAt: time.Now()})
}

// Clear discards all cached classifications.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
	if c.onDirty != nil {
		c.onDirty()
	}
	log.Info().Msg("reputation: cache cleared")
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RemainingTokens returns the tokens left in the current budget window.
func (c *Cache) RemainingTokens() int64 {
	return c.tokens.Load()
}

// RateStatus describes the current rate budget for status reporting.
func (c *Cache) RateStatus() RateStatus {
	elapsed := time.Duration(time.Now().UnixMilli()-c.windowStart.Load()) * time.Millisecond
	reset := c.config.Window - elapsed
	if reset < 0 {
		reset = 0
	}
	return RateStatus{
		Used:         c.used.Load(),
		Budget:       int64(c.config.Budget),
		TokensLeft:   c.tokens.Load(),
		ResetSeconds: int64(reset.Seconds()),
	}
}

// RateStatus is a snapshot of the oracle call budget.
type RateStatus struct {
	Used         int64 `json:"used"`
	Budget       int64 `json:"budget"`
	TokensLeft   int64 `json:"tokens_left"`
	ResetSeconds int64 `json:"reset_seconds"`
}

// Snapshot returns a copy of all cached entries for persistence.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Restore replaces the cache contents with a loaded snapshot.
func (c *Cache) Restore(entries map[string]Entry) {
	c.mu.Lock()
	c.entries = make(map[string]Entry, len(entries))
	for k, v := range entries {
		c.entries[k] = v
	}
	c.mu.Unlock()
}
