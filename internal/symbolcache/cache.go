// Package symbolcache provides an in-memory cache of symbol validation
// results with JSON persistence and per-entry time-to-live.
package symbolcache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"histfill/internal/domain"
)

// DefaultTTL is applied to entries stored without an explicit TTL.
const DefaultTTL = 30 * 24 * time.Hour

// Entry is the persisted form of one cached validation result.
type Entry struct {
	ValidationResult domain.ValidationResult `json:"validation_result"`
	CachedAt         float64                 `json:"cached_at"` // unix seconds
	TTLSeconds       int64                   `json:"ttl_seconds"`
}

// CachedTime returns CachedAt as a time.
func (e Entry) CachedTime() time.Time {
	sec := int64(e.CachedAt)
	nsec := int64((e.CachedAt - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// expiresAt returns the moment the entry stops being served.
func (e Entry) expiresAt() time.Time {
	return e.CachedTime().Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Cache holds validation results keyed by upper-cased symbol. Every mutation
// rewrites the backing file in full.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]Entry
	filePath string
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// Option customises a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache, loading persisted state from filePath. An empty
// filePath keeps the cache in memory only.
func New(filePath string, log *slog.Logger, opts ...Option) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		entries:  make(map[string]Entry),
		filePath: filePath,
		ttl:      DefaultTTL,
		now:      time.Now,
		log:      log.With("component", "symbolcache"),
	}
	for _, o := range opts {
		o(c)
	}
	c.load()
	return c
}

// Key normalises a symbol into its cache key.
func Key(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Get returns the cached result for symbol. Expired entries are removed,
// persisted, and reported as a miss.
func (c *Cache) Get(symbol string) (domain.ValidationResult, bool) {
	key := Key(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.ValidationResult{}, false
	}
	if c.now().After(e.expiresAt()) {
		delete(c.entries, key)
		c.flush()
		c.log.Debug("expired cache entry", "symbol", key)
		return domain.ValidationResult{}, false
	}
	return e.ValidationResult, true
}

// Store inserts or replaces the result for symbol with cached_at = now.
func (c *Cache) Store(symbol string, result domain.ValidationResult) {
	key := Key(symbol)
	now := c.now()

	c.mu.Lock()
	c.entries[key] = Entry{
		ValidationResult: result,
		CachedAt:         float64(now.UnixNano()) / 1e9,
		TTLSeconds:       int64(c.ttl / time.Second),
	}
	c.flush()
	c.mu.Unlock()
}

// Delete removes symbol from the cache.
func (c *Cache) Delete(symbol string) {
	c.mu.Lock()
	if _, ok := c.entries[Key(symbol)]; ok {
		delete(c.entries, Key(symbol))
		c.flush()
	}
	c.mu.Unlock()
}

// Clear empties the cache and the backing file.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.flush()
	c.mu.Unlock()
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Listing is a cached entry with its key, for display.
type Listing struct {
	Symbol    string
	Entry     Entry
	ExpiresAt time.Time
	Expired   bool
}

// Entries returns every cached entry sorted by symbol.
func (c *Cache) Entries() []Listing {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]Listing, 0, len(c.entries))
	for k, e := range c.entries {
		exp := e.expiresAt()
		out = append(out, Listing{Symbol: k, Entry: e, ExpiresAt: exp, Expired: now.After(exp)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// load reads the JSON file into memory. Missing or corrupt files start an
// empty cache.
func (c *Cache) load() {
	if c.filePath == "" {
		return
	}
	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("reading symbol cache file", "path", c.filePath, "error", err)
		}
		return
	}
	var loaded map[string]Entry
	if err := json.Unmarshal(data, &loaded); err != nil {
		c.log.Warn("loading symbol cache file", "path", c.filePath, "error", err)
		return
	}
	for k, e := range loaded {
		c.entries[Key(k)] = e
	}
	c.log.Info("loaded symbol cache", "entries", len(c.entries))
}

// flush writes the in-memory state to disk. Must be called with mu held.
func (c *Cache) flush() {
	if c.filePath == "" {
		return
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		c.log.Error("marshalling symbol cache", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		c.log.Error("creating symbol cache dir", "error", err)
		return
	}
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.log.Error("writing symbol cache file", "error", err)
		return
	}
	if err := os.Rename(tmp, c.filePath); err != nil {
		c.log.Error("replacing symbol cache file", "error", err)
	}
}
