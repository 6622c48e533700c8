package gateway

import (
	"fmt"

	"histfill/internal/domain"
)

// sessionIDs hands out client ids sequentially from [lo, hi]. An id held by
// a live session is never handed out again until released.
type sessionIDs struct {
	lo, hi int
	cursor int
	held   map[int]struct{}
}

func newSessionIDs(lo, hi int) *sessionIDs {
	if hi < lo {
		hi = lo
	}
	return &sessionIDs{lo: lo, hi: hi, cursor: lo, held: make(map[int]struct{})}
}

// Next returns the first free id at or after the cursor without consuming it.
func (a *sessionIDs) Next() (int, error) {
	for id := a.cursor; id <= a.hi; id++ {
		if _, ok := a.held[id]; !ok {
			a.cursor = id
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: [%d, %d]", domain.ErrSessionIDsExhausted, a.lo, a.hi)
}

// Advance moves past id after the gateway reported it in use.
func (a *sessionIDs) Advance(id int) {
	if id >= a.cursor {
		a.cursor = id + 1
	}
}

// Hold marks id as owned by a live session.
func (a *sessionIDs) Hold(id int) { a.held[id] = struct{}{} }

// Release frees id once its session is gone.
func (a *sessionIDs) Release(id int) { delete(a.held, id) }

// Reset rewinds the cursor to the start of the range.
func (a *sessionIDs) Reset() { a.cursor = a.lo }
