package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"histfill/internal/domain"
)

// ProgressFunc is called after each segment finishes, successfully or not.
type ProgressFunc func(done, total int, seg domain.Segment, err error)

// SaveFunc persists all tables fetched so far. It must be idempotent.
type SaveFunc func(ctx context.Context, tables [][]domain.Bar) error

// FetchRequest describes one resilient fetch run.
type FetchRequest struct {
	Segments []domain.Segment
	Fetcher  Fetcher
	Progress ProgressFunc

	// OnPeriodicSave is invoked with every table fetched so far once at least
	// SaveInterval has passed since the previous save (or the start).
	OnPeriodicSave SaveFunc
	SaveInterval   time.Duration
}

// SegmentError records why a segment failed.
type SegmentError struct {
	Segment domain.Segment
	Err     error
}

func (e SegmentError) Error() string { return fmt.Sprintf("%s: %v", e.Segment, e.Err) }

// FetchResult is the outcome of FetchWithResilience.
type FetchResult struct {
	Tables    [][]domain.Bar
	Succeeded int
	Failed    int
	Cancelled bool
	Errors    []SegmentError
}

// Bars returns every fetched bar across all tables.
func (r FetchResult) Bars() []domain.Bar {
	return domain.MergeBars(r.Tables...)
}

// FetchWithResilience downloads each segment in order. Every provider call
// first takes a rate-limit token and runs under its own timeout. Transient
// failures are retried with exponential backoff; permanent failures only fail
// their own segment. Cancellation of ctx is honoured between segments and
// between retries, and the result then holds whatever succeeded. Calls
// already in flight are allowed to finish or time out on their own.
func (m *Manager) FetchWithResilience(ctx context.Context, req FetchRequest) FetchResult {
	var res FetchResult
	total := len(req.Segments)
	lastSave := m.now()

	for i, seg := range req.Segments {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		if i > 0 && m.cfg.PacingDelay > 0 {
			if err := sleep(ctx, m.cfg.PacingDelay); err != nil {
				res.Cancelled = true
				break
			}
		}

		bars, err := m.fetchSegment(ctx, req.Fetcher, seg)
		if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ctx.Err())) {
			res.Cancelled = true
			break
		}

		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, SegmentError{Segment: seg, Err: err})
			m.metrics.RequestFailed()
			m.log.Warn("segment failed", "segment", seg.String(), "transient", domain.IsTransient(err), "error", err)
		} else {
			res.Succeeded++
			if len(bars) > 0 {
				res.Tables = append(res.Tables, bars)
			}
			m.metrics.RequestSucceeded(len(bars))
			m.log.Debug("segment done", "segment", seg.String(), "bars", len(bars))
		}

		if req.Progress != nil {
			req.Progress(res.Succeeded+res.Failed, total, seg, err)
		}

		if req.OnPeriodicSave != nil && req.SaveInterval > 0 && len(res.Tables) > 0 &&
			m.now().Sub(lastSave) >= req.SaveInterval {
			if err := req.OnPeriodicSave(ctx, res.Tables); err != nil {
				m.log.Warn("periodic save failed", "error", err)
			} else {
				m.log.Info("periodic save", "tables", len(res.Tables), "done", res.Succeeded+res.Failed, "total", total)
			}
			lastSave = m.now()
		}
	}

	return res
}

// fetchSegment runs one segment through the limiter and retry policy.
func (m *Manager) fetchSegment(ctx context.Context, f Fetcher, seg domain.Segment) ([]domain.Bar, error) {
	policy := m.cfg.Retry
	policy.OnRetry = func(attempt int, err error, next time.Duration) {
		m.metrics.RequestRetried()
		m.log.Warn("retrying segment", "segment", seg.String(), "attempt", attempt, "next", next, "error", err)
	}

	var bars []domain.Bar
	err := policy.Do(ctx, func(ctx context.Context) error {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		m.metrics.RequestStarted()

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
		defer cancel()

		b, err := f.FetchHistoricalData(callCtx, seg.Symbol, seg.Timeframe, seg.Start, seg.End)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
				err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
			}
			return err
		}
		bars = b
		return nil
	})
	return bars, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
