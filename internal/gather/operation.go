package gather

import (
	"context"
	"time"

	"histfill/internal/domain"
)

// step is one weighted stage of an operation.
type step struct {
	name   string
	weight float64
}

// Stage indexes into steps.
const (
	stepValidate = iota
	stepLoadCache
	stepClampRange
	stepAnalyzeGaps
	stepCreateSegments
	stepFetch
	stepSave
)

var steps = []step{
	{"validate_symbol", 5},
	{"load_cache", 10},
	{"clamp_range", 5},
	{"analyze_gaps", 5},
	{"create_segments", 5},
	{"fetch_segments", 60},
	{"merge_and_save", 10},
}

// progressAt returns the overall percentage when step i is frac done.
func progressAt(i int, frac float64) domain.OperationProgress {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	var total, done float64
	for j, s := range steps {
		total += s.weight
		if j < i {
			done += s.weight
		}
	}
	done += steps[i].weight * frac
	return domain.OperationProgress{
		Percentage:  float64(int(done/total*1000+0.5)) / 10,
		CurrentStep: steps[i].name,
		StepIndex:   i,
		StepCount:   len(steps),
	}
}

// operation is the service's live record of one acquisition.
type operation struct {
	snap   domain.Operation // guarded by Service.mu
	req    Request
	cancel context.CancelFunc
	done   chan struct{}
}

// transition applies fn to the snapshot unless it is already terminal.
// It reports whether the snapshot changed.
func (op *operation) transition(now time.Time, fn func(*domain.Operation)) bool {
	if op.snap.Status.Terminal() {
		return false
	}
	fn(&op.snap)
	op.snap.UpdatedAt = now
	if op.snap.Status.Terminal() {
		t := now
		op.snap.FinishedAt = &t
	}
	return true
}

// clone returns a snapshot safe to hand to callers.
func (op *operation) clone() domain.Operation {
	s := op.snap
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	return s
}
