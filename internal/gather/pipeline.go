package gather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"histfill/internal/domain"
	"histfill/internal/gaps"
	"histfill/internal/segment"
	"histfill/internal/symbolcache"
)

// run executes op's steps. Every exit path ends in a terminal status.
func (s *Service) run(ctx context.Context, op *operation) {
	req := op.req
	log := s.log.With("operation_id", op.snap.ID, "symbol", req.Symbol, "timeframe", req.Timeframe)

	unlock, err := s.lock(ctx, req.Symbol+"/"+string(req.Timeframe))
	if err != nil {
		s.finish(op, domain.OperationCancelled, nil, nil)
		return
	}
	defer unlock()

	// Validate symbol and look up its head timestamp.
	s.setProgress(op, stepValidate, 0)
	vr, err := s.validate(ctx, req.Symbol, req.Timeframe)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(op, domain.OperationCancelled, nil, nil)
			return
		}
		s.finish(op, domain.OperationFailed, nil, fmt.Errorf("validating %s: %w", req.Symbol, err))
		return
	}
	if !vr.IsValid {
		msg := vr.ErrorMessage
		if vr.SuggestedSymbol != "" {
			msg += fmt.Sprintf(" (did you mean %s?)", vr.SuggestedSymbol)
		}
		s.finish(op, domain.OperationFailed, nil, fmt.Errorf("%w: %s", domain.ErrSymbolNotFound, msg))
		return
	}
	head, _ := vr.HeadTimestamp(req.Timeframe)
	rng := resolveRange(req, head, s.now())

	// Load cached coverage. Any failure here just means "no cache".
	s.setProgress(op, stepLoadCache, 0)
	existing, err := s.deps.Bars.Load(ctx, req.Symbol, req.Timeframe, rng.Start, rng.End)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("loading cached bars, continuing without cache", "error", err)
		}
		existing = nil
	}

	s.setProgress(op, stepClampRange, 0)
	if clamped, ok := clampToHead(rng, head); ok {
		log.Info("start precedes head timestamp, clamping", "requested", rng.Start, "head", head)
		rng = clamped
	}

	result := &domain.OperationResult{
		CacheHadData: len(existing) > 0,
		TotalRows:    len(existing),
		Start:        rng.Start,
		End:          rng.End,
	}
	if rng.Empty() {
		s.finish(op, domain.OperationCompleted, result, nil)
		return
	}

	s.setProgress(op, stepAnalyzeGaps, 0)
	found, err := gaps.Analyze(domain.Timestamps(existing), rng.Start, rng.End, req.Mode, req.Timeframe)
	if err != nil {
		s.finish(op, domain.OperationFailed, result, err)
		return
	}
	result.GapsFound = len(found)
	if len(found) == 0 {
		log.Info("cache already covers the range")
		s.finish(op, domain.OperationCompleted, result, nil)
		return
	}

	s.setProgress(op, stepCreateSegments, 0)
	segs, err := s.deps.Segments.CreateSegments(req.Symbol, found, req.Mode, req.Timeframe)
	if err != nil {
		s.finish(op, domain.OperationFailed, result, err)
		return
	}
	segs = segment.PrioritizeSegments(segs, req.Mode)
	log.Info("fetching", "gaps", len(found), "segments", len(segs), "start", rng.Start, "end", rng.End)

	s.setProgress(op, stepFetch, 0)
	var fetchedSegs []domain.Segment
	fetched := s.deps.Segments.FetchWithResilience(ctx, segment.FetchRequest{
		Segments: segs,
		Fetcher:  s.deps.Provider,
		Progress: func(done, total int, seg domain.Segment, err error) {
			if err == nil {
				fetchedSegs = append(fetchedSegs, seg)
			}
			s.setProgress(op, stepFetch, float64(done)/float64(total))
		},
		OnPeriodicSave: func(ctx context.Context, tables [][]domain.Bar) error {
			return s.save(ctx, req, domain.MergeBars(tables...))
		},
		SaveInterval: s.opts.SaveInterval,
	})
	result.SegmentsSucceeded = fetched.Succeeded
	result.SegmentsFailed = fetched.Failed
	result.GapsFilled = gapsFilled(found, segs, fetchedSegs)

	// Merge with the cache and persist, even when cancelled.
	s.setProgress(op, stepSave, 0)
	bars := fetched.Bars()
	result.RowsDownloaded = len(bars)
	merged := domain.MergeBars(existing, bars)
	result.TotalRows = len(merged)
	if err := domain.VerifyBars(merged); err != nil {
		s.finish(op, domain.OperationFailed, result, err)
		return
	}
	// A failed save is reported on the operation but does not fail it.
	var saveErr error
	if len(bars) > 0 {
		if err := s.save(ctx, req, merged); err != nil {
			log.Error("saving bars", "error", err)
			saveErr = fmt.Errorf("saving bars: %w", err)
			result.TotalRows = len(existing)
		}
	}

	switch {
	case fetched.Cancelled:
		s.finish(op, domain.OperationCancelled, result, saveErr)
	case fetched.Succeeded == 0 && fetched.Failed > 0:
		s.finish(op, domain.OperationFailed, result, fmt.Errorf("all %d segments failed: %w", fetched.Failed, fetched.Errors[0].Err))
	default:
		s.finish(op, domain.OperationCompleted, result, saveErr)
	}
}

// gapsFilled counts the gaps whose segments all succeeded.
func gapsFilled(found []domain.Gap, all, ok []domain.Segment) int {
	pending := make([]int, len(found))
	owner := func(seg domain.Segment) int {
		for i, g := range found {
			if !seg.Start.Before(g.Start) && seg.Start.Before(g.End) {
				return i
			}
		}
		return -1
	}
	for _, seg := range all {
		if i := owner(seg); i >= 0 {
			pending[i]++
		}
	}
	for _, seg := range ok {
		if i := owner(seg); i >= 0 {
			pending[i]--
		}
	}
	n := 0
	for _, p := range pending {
		if p == 0 {
			n++
		}
	}
	return n
}

// save persists bars even if the operation has been cancelled.
func (s *Service) save(ctx context.Context, req Request, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return s.deps.Bars.Save(context.WithoutCancel(ctx), req.Symbol, req.Timeframe, bars)
}

// validate returns the symbol's validation result, from the cache when
// possible. Only valid results are cached. A cached result lacking a head
// timestamp for tf is completed with a best-effort lookup.
func (s *Service) validate(ctx context.Context, symbol string, tf domain.Timeframe) (domain.ValidationResult, error) {
	if cached, ok := s.deps.Cache.Get(symbol); ok && cached.IsValid {
		if _, ok := cached.HeadTimestamp(tf); ok {
			return cached, nil
		}
		if ts, ok := s.lookupHead(ctx, symbol, tf); ok {
			if cached.HeadTimestamps == nil {
				cached.HeadTimestamps = make(map[string]time.Time)
			}
			cached.HeadTimestamps[string(tf)] = ts
			s.deps.Cache.Store(symbol, cached)
		}
		return cached, nil
	}

	var vr domain.ValidationResult
	err := s.opts.ValidationRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		vr, err = s.deps.Provider.ValidateAndGetMetadata(ctx, symbol, []domain.Timeframe{tf})
		return err
	})
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if vr.Symbol == "" {
		vr.Symbol = symbolcache.Key(symbol)
	}
	if vr.IsValid {
		if _, ok := vr.HeadTimestamp(tf); !ok {
			if ts, ok := s.lookupHead(ctx, symbol, tf); ok {
				if vr.HeadTimestamps == nil {
					vr.HeadTimestamps = make(map[string]time.Time)
				}
				vr.HeadTimestamps[string(tf)] = ts
			}
		}
		s.deps.Cache.Store(symbol, vr)
	}
	return vr, nil
}

func (s *Service) lookupHead(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, bool) {
	ts, ok, err := s.deps.Provider.HeadTimestamp(ctx, symbol, tf)
	if err != nil {
		s.log.Debug("head timestamp lookup failed", "symbol", symbol, "timeframe", tf, "error", err)
		return time.Time{}, false
	}
	return ts, ok
}
