// Package gaps computes the missing time ranges between cached bar coverage
// and a requested range.
package gaps

import (
	"fmt"
	"sort"
	"time"

	"histfill/internal/domain"
)

// Analyze returns the gaps in [start, end) not covered by existing, a sorted
// list of cached bar timestamps, according to mode:
//
//   - tail: only the range after the latest cached bar.
//   - backfill: only the range before the earliest cached bar. Internal holes
//     are deliberately not reported.
//   - full: before the earliest bar, every internal hole wider than the
//     timeframe's maximum spacing, and after the latest bar.
//
// Boundary gaps shorter than one bar interval are dropped since no bar can
// start inside them. The result is sorted and non-overlapping.
func Analyze(existing []time.Time, start, end time.Time, mode domain.Mode, tf domain.Timeframe) ([]domain.Gap, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, nil
	}
	if len(existing) == 0 {
		return []domain.Gap{{Start: start, End: end}}, nil
	}
	if !sort.SliceIsSorted(existing, func(i, j int) bool { return existing[i].Before(existing[j]) }) {
		existing = append([]time.Time(nil), existing...)
		sort.Slice(existing, func(i, j int) bool { return existing[i].Before(existing[j]) })
	}

	first, last := existing[0], existing[len(existing)-1]
	interval := tf.Duration()

	var out []domain.Gap
	addBoundary := func(s, e time.Time) {
		s, e = clip(s, e, start, end)
		if e.Sub(s) > 0 && e.Sub(s) >= interval {
			out = append(out, domain.Gap{Start: s, End: e})
		}
	}

	switch mode {
	case domain.ModeTail:
		addBoundary(last, end)
	case domain.ModeBackfill:
		addBoundary(start, first)
	case domain.ModeFull:
		addBoundary(start, first)
		out = append(out, internalHoles(existing, start, end, tf)...)
		addBoundary(last, end)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidMode, string(mode))
	}

	return normalise(out), nil
}

// internalHoles returns the spaces between consecutive bars that exceed the
// timeframe's maximum spacing, clipped to [start, end).
func internalHoles(ts []time.Time, start, end time.Time, tf domain.Timeframe) []domain.Gap {
	maxSpacing := tf.MaxSpacing()
	if maxSpacing <= 0 {
		return nil
	}
	var out []domain.Gap
	for i := 1; i < len(ts); i++ {
		prev, next := ts[i-1], ts[i]
		if next.Sub(prev) <= maxSpacing {
			continue
		}
		s, e := clip(prev.Add(tf.Duration()), next, start, end)
		if e.After(s) {
			out = append(out, domain.Gap{Start: s, End: e})
		}
	}
	return out
}

func clip(s, e, lo, hi time.Time) (time.Time, time.Time) {
	if s.Before(lo) {
		s = lo
	}
	if e.After(hi) {
		e = hi
	}
	return s, e
}

// normalise sorts gaps and merges any that touch or overlap.
func normalise(gs []domain.Gap) []domain.Gap {
	if len(gs) < 2 {
		return gs
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].Start.Before(gs[j].Start) })
	out := gs[:1]
	for _, g := range gs[1:] {
		cur := &out[len(out)-1]
		if !g.Start.After(cur.End) {
			if g.End.After(cur.End) {
				cur.End = g.End
			}
			continue
		}
		out = append(out, g)
	}
	return out
}
