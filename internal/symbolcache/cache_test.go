package symbolcache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"histfill/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func validResult(symbol string) domain.ValidationResult {
	return domain.ValidationResult{
		IsValid: true,
		Symbol:  symbol,
		HeadTimestamps: map[string]time.Time{
			"1d": time.Date(1980, 12, 12, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestStoreAndGetNormalisesKey(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(filepath.Join(t.TempDir(), "cache.json"), testLogger(), WithClock(clock.Now))

	c.Store(" aapl ", validResult("AAPL"))

	got, ok := c.Get("AAPL")
	if !ok {
		t.Fatal("expected hit for AAPL")
	}
	if !got.IsValid || got.Symbol != "AAPL" {
		t.Errorf("got %+v", got)
	}
	head, ok := got.HeadTimestamp(domain.Timeframe1Day)
	if !ok || head.Year() != 1980 {
		t.Errorf("head timestamp = %v, %v", head, ok)
	}
}

func TestExpiredEntryIsEvictedAndPersisted(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "cache.json")
	c := New(path, testLogger(), WithClock(clock.Now), WithTTL(time.Hour))

	c.Store("MSFT", validResult("MSFT"))
	clock.Advance(time.Hour + time.Second)

	if _, ok := c.Get("MSFT"); ok {
		t.Fatal("expected miss for expired entry")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading cache file: %v", err)
	}
	var onDisk map[string]Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("cache file is not valid JSON: %v", err)
	}
	if _, ok := onDisk["MSFT"]; ok {
		t.Error("expired entry still present in cache file")
	}
}

func TestEntryAtExactTTLStillServed(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New("", testLogger(), WithClock(clock.Now), WithTTL(time.Hour))

	c.Store("SPY", validResult("SPY"))
	clock.Advance(time.Hour)

	if _, ok := c.Get("SPY"); !ok {
		t.Fatal("entry at exactly its TTL should still be served")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	c := New(path, testLogger())
	c.Store("tsla", validResult("TSLA"))

	reloaded := New(path, testLogger())
	if reloaded.Len() != 1 {
		t.Fatalf("reloaded Len = %d, want 1", reloaded.Len())
	}
	if _, ok := reloaded.Get("TSLA"); !ok {
		t.Error("expected TSLA after reload")
	}

	data, _ := os.ReadFile(path)
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	entry := raw["TSLA"]
	for _, field := range []string{"validation_result", "cached_at", "ttl_seconds"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("persisted entry missing %q", field)
		}
	}
	if ttl := entry["ttl_seconds"].(float64); ttl != float64(DefaultTTL/time.Second) {
		t.Errorf("ttl_seconds = %v, want %v", ttl, DefaultTTL/time.Second)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(path, testLogger())
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
	c.Store("QQQ", validResult("QQQ"))
	if _, ok := c.Get("QQQ"); !ok {
		t.Error("cache unusable after corrupt load")
	}
}

func TestClearAndEntries(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "cache.json"), testLogger())
	c.Store("b", validResult("B"))
	c.Store("a", domain.ValidationResult{Symbol: "A", ErrorMessage: "unknown"})

	entries := c.Entries()
	if len(entries) != 2 || entries[0].Symbol != "A" || entries[1].Symbol != "B" {
		t.Fatalf("Entries = %+v, want A then B", entries)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d", c.Len())
	}
}
