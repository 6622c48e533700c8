// Package domain defines the core types shared across the acquisition
// pipeline: bars, timeframes, gaps, segments, validation results and
// operation snapshots.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Bar is a single OHLCV bar. Timestamp is the bar's open time in UTC.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount int64
	VWAP       float64
}

// ---------------------------------------------------------------------------
// Acquisition mode
// ---------------------------------------------------------------------------

// Mode selects which boundaries of the cached coverage are checked for gaps.
type Mode string

const (
	ModeTail     Mode = "tail"
	ModeBackfill Mode = "backfill"
	ModeFull     Mode = "full"
)

// ParseMode converts a user-supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if err := m.Validate(); err != nil {
		return "", err
	}
	return m, nil
}

// Validate reports ErrInvalidMode for anything other than tail, backfill or full.
func (m Mode) Validate() error {
	switch m {
	case ModeTail, ModeBackfill, ModeFull:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidMode, string(m))
}

// ---------------------------------------------------------------------------
// Gaps and segments
// ---------------------------------------------------------------------------

// Gap is a half-open missing range [Start, End).
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End - Start.
func (g Gap) Duration() time.Duration { return g.End.Sub(g.Start) }

// Segment is a single provider request covering part of a gap.
type Segment struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

func (s Segment) String() string {
	return fmt.Sprintf("%s/%s [%s, %s)", s.Symbol, s.Timeframe,
		s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339))
}

// ---------------------------------------------------------------------------
// Symbol validation
// ---------------------------------------------------------------------------

// ValidationResult is the provider's verdict on a symbol plus the earliest
// available timestamp per timeframe.
type ValidationResult struct {
	IsValid         bool                 `json:"is_valid"`
	Symbol          string               `json:"symbol"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	HeadTimestamps  map[string]time.Time `json:"head_timestamps,omitempty"`
	SuggestedSymbol string               `json:"suggested_symbol,omitempty"`
}

// HeadTimestamp returns the head timestamp recorded for tf, if any.
func (v ValidationResult) HeadTimestamp(tf Timeframe) (time.Time, bool) {
	ts, ok := v.HeadTimestamps[string(tf)]
	if !ok || ts.IsZero() {
		return time.Time{}, false
	}
	return ts, true
}

// ---------------------------------------------------------------------------
// Bar tables
// ---------------------------------------------------------------------------

// MergeBars combines bar tables into one table sorted by timestamp with
// unique timestamps. When two tables share a timestamp the later table wins.
func MergeBars(tables ...[]Bar) []Bar {
	n := 0
	for _, t := range tables {
		n += len(t)
	}
	seen := make(map[int64]Bar, n)
	for _, t := range tables {
		for _, b := range t {
			seen[b.Timestamp.UnixNano()] = b
		}
	}

	merged := make([]Bar, 0, len(seen))
	for _, b := range seen {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

// VerifyBars checks that timestamps are strictly increasing.
func VerifyBars(bars []Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: bar %d at %s does not follow %s", ErrIntegrity, i,
				bars[i].Timestamp.UTC().Format(time.RFC3339), bars[i-1].Timestamp.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// Timestamps extracts the timestamp column of a bar table.
func Timestamps(bars []Bar) []time.Time {
	out := make([]time.Time, len(bars))
	for i, b := range bars {
		out[i] = b.Timestamp
	}
	return out
}
