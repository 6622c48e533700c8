// Package gather runs acquisition operations: validate a symbol, find what
// the local cache is missing, fetch it in segments and persist the merge.
package gather

import (
	"fmt"
	"strings"
	"time"

	"histfill/internal/domain"
)

// DefaultTailWindow is how far back a tail request reaches when no start is
// given.
const DefaultTailWindow = 30 * 24 * time.Hour

// Request asks for bars of one symbol and timeframe. Nil bounds are filled
// in from the mode: tail looks back DefaultTailWindow, backfill and full
// start at the symbol's head timestamp or the timeframe's maximum lookback.
type Request struct {
	Symbol    string           `json:"symbol"`
	Timeframe domain.Timeframe `json:"timeframe"`
	Start     *time.Time       `json:"start,omitempty"`
	End       *time.Time       `json:"end,omitempty"`
	Mode      domain.Mode      `json:"mode"`
}

// normalize validates r and canonicalises its symbol.
func (r Request) normalize() (Request, error) {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return r, fmt.Errorf("%w: symbol is required", domain.ErrInvalidRequest)
	}
	if r.Mode == "" {
		r.Mode = domain.ModeTail
	}
	if err := r.Mode.Validate(); err != nil {
		return r, err
	}
	if !r.Timeframe.Valid() {
		return r, fmt.Errorf("%w: %q", domain.ErrInvalidTimeframe, string(r.Timeframe))
	}
	if r.Start != nil && r.End != nil && !r.Start.Before(*r.End) {
		return r, fmt.Errorf("%w: start %s is not before end %s", domain.ErrInvalidRequest,
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return r, nil
}

// DateRange is a resolved half-open request window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the range covers nothing.
func (d DateRange) Empty() bool { return !d.Start.Before(d.End) }

// resolveRange fills in missing bounds and clamps the end to now. head is the
// symbol's earliest available bar, zero if unknown.
func resolveRange(r Request, head, now time.Time) DateRange {
	end := now
	if r.End != nil && r.End.Before(now) {
		end = *r.End
	}
	end = end.UTC()

	var start time.Time
	switch {
	case r.Start != nil:
		start = *r.Start
	case r.Mode == domain.ModeTail:
		start = end.Add(-DefaultTailWindow)
	case !head.IsZero():
		start = head
	default:
		start = r.Timeframe.MaxLookback().SubFrom(end)
	}
	return DateRange{Start: start.UTC(), End: end}
}

// clampToHead moves start forward to head when the request precedes the
// earliest data the provider has.
func clampToHead(d DateRange, head time.Time) (DateRange, bool) {
	if head.IsZero() || !d.Start.Before(head) {
		return d, false
	}
	d.Start = head.UTC()
	return d, true
}
