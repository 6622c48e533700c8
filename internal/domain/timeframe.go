package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is a bar granularity such as "1m", "1h" or "1d".
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1m"
	Timeframe5Min  Timeframe = "5m"
	Timeframe15Min Timeframe = "15m"
	Timeframe30Min Timeframe = "30m"
	Timeframe1Hour Timeframe = "1h"
	Timeframe4Hour Timeframe = "4h"
	Timeframe1Day  Timeframe = "1d"
	Timeframe1Week Timeframe = "1w"
)

type timeframeInfo struct {
	interval    time.Duration
	maxSegment  Span
	maxLookback Span
	maxSpacing  time.Duration
}

const day = 24 * time.Hour

// Intraday bars tolerate overnight and weekend absences before a hole counts
// as a gap; daily bars tolerate long weekends.
var timeframes = map[Timeframe]timeframeInfo{
	Timeframe1Min:  {time.Minute, Span{Days: 1}, Span{Days: 180}, 3*day + time.Minute},
	Timeframe5Min:  {5 * time.Minute, Span{Days: 7}, Span{Years: 1}, 3*day + 5*time.Minute},
	Timeframe15Min: {15 * time.Minute, Span{Days: 14}, Span{Years: 2}, 3*day + 15*time.Minute},
	Timeframe30Min: {30 * time.Minute, Span{Months: 1}, Span{Years: 2}, 3*day + 30*time.Minute},
	Timeframe1Hour: {time.Hour, Span{Months: 1}, Span{Years: 5}, 3*day + time.Hour},
	Timeframe4Hour: {4 * time.Hour, Span{Months: 6}, Span{Years: 10}, 3*day + 4*time.Hour},
	Timeframe1Day:  {day, Span{Years: 1}, Span{Years: 20}, 4 * day},
	Timeframe1Week: {7 * day, Span{Years: 2}, Span{Years: 20}, 14 * day},
}

// Timeframes lists every supported timeframe from finest to coarsest.
func Timeframes() []Timeframe {
	return []Timeframe{
		Timeframe1Min, Timeframe5Min, Timeframe15Min, Timeframe30Min,
		Timeframe1Hour, Timeframe4Hour, Timeframe1Day, Timeframe1Week,
	}
}

// ParseTimeframe normalises and validates s.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return tf, nil
}

// Valid reports whether tf is supported.
func (tf Timeframe) Valid() bool {
	_, ok := timeframes[tf]
	return ok
}

// Duration is the nominal bar interval. Unknown timeframes return 0.
func (tf Timeframe) Duration() time.Duration { return timeframes[tf].interval }

// DefaultMaxSegment is the largest span a single provider request may cover.
func (tf Timeframe) DefaultMaxSegment() Span { return timeframes[tf].maxSegment }

// MaxLookback is how far back a provider serves bars when no head timestamp
// is known.
func (tf Timeframe) MaxLookback() Span { return timeframes[tf].maxLookback }

// MaxSpacing is the largest distance between consecutive cached bars that is
// not treated as an internal gap.
func (tf Timeframe) MaxSpacing() time.Duration { return timeframes[tf].maxSpacing }

// ---------------------------------------------------------------------------
// Calendar spans
// ---------------------------------------------------------------------------

// Span is a calendar-aware length of time. Years, months and days are added
// with time.AddDate; Duration is added afterwards.
type Span struct {
	Years    int
	Months   int
	Days     int
	Duration time.Duration
}

// IsZero reports whether the span has no length.
func (s Span) IsZero() bool {
	return s.Years == 0 && s.Months == 0 && s.Days == 0 && s.Duration == 0
}

// AddTo returns t advanced by the span.
func (s Span) AddTo(t time.Time) time.Time {
	return t.AddDate(s.Years, s.Months, s.Days).Add(s.Duration)
}

// SubFrom returns t moved back by the span.
func (s Span) SubFrom(t time.Time) time.Time {
	return t.AddDate(-s.Years, -s.Months, -s.Days).Add(-s.Duration)
}

func (s Span) String() string {
	switch {
	case s.IsZero():
		return "0s"
	case s.Months == 0 && s.Days == 0 && s.Duration == 0:
		return strconv.Itoa(s.Years) + "y"
	case s.Years == 0 && s.Days == 0 && s.Duration == 0:
		return strconv.Itoa(s.Months) + "mo"
	case s.Years == 0 && s.Months == 0 && s.Duration == 0:
		return strconv.Itoa(s.Days) + "d"
	case s.Years == 0 && s.Months == 0 && s.Days == 0:
		return s.Duration.String()
	}
	return fmt.Sprintf("%dy%dmo%dd+%s", s.Years, s.Months, s.Days, s.Duration)
}

// ParseSpan accepts "<n>y", "<n>mo", "<n>w", "<n>d" or any
// time.ParseDuration string.
func ParseSpan(s string) (Span, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	units := []struct {
		suffix string
		build  func(n int) Span
	}{
		{"mo", func(n int) Span { return Span{Months: n} }},
		{"y", func(n int) Span { return Span{Years: n} }},
		{"w", func(n int) Span { return Span{Days: 7 * n} }},
		{"d", func(n int) Span { return Span{Days: n} }},
	}
	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(s, u.suffix))
		if err != nil {
			break
		}
		if n <= 0 {
			return Span{}, fmt.Errorf("span %q must be positive", s)
		}
		return u.build(n), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Span{}, fmt.Errorf("parsing span %q: %w", s, err)
	}
	if d <= 0 {
		return Span{}, fmt.Errorf("span %q must be positive", s)
	}
	return Span{Duration: d}, nil
}
