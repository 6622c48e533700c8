package segment

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"histfill/internal/domain"
	"histfill/internal/metrics"
	"histfill/internal/util"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testManager(cfg Config, rec Recorder) *Manager {
	return NewManager(cfg, nil, rec, quietLogger())
}

// scriptedFetcher returns per-call results keyed by segment start.
type scriptedFetcher struct {
	mu     sync.Mutex
	calls  map[time.Time]int
	errs   map[time.Time][]error // consumed in order; exhausted means success
	onCall func(ctx context.Context, start time.Time)
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{calls: map[time.Time]int{}, errs: map[time.Time][]error{}}
}

func (f *scriptedFetcher) FetchHistoricalData(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	if f.onCall != nil {
		f.onCall(ctx, start)
	}
	f.mu.Lock()
	n := f.calls[start]
	f.calls[start] = n + 1
	var err error
	if q := f.errs[start]; n < len(q) {
		err = q[n]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var bars []domain.Bar
	for ts := start; ts.Before(end); ts = ts.Add(tf.Duration()) {
		bars = append(bars, domain.Bar{Symbol: symbol, Timestamp: ts, Close: 1})
	}
	return bars, nil
}

func (f *scriptedFetcher) callCount(start time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[start]
}

func TestCreateSegmentsDailyYearCap(t *testing.T) {
	m := testManager(Config{}, nil)
	gaps := []domain.Gap{{Start: date(2020, 1, 1), End: date(2024, 1, 1)}}

	segs, err := m.CreateSegments("AAPL", gaps, domain.ModeBackfill, domain.Timeframe1Day)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 4: %v", len(segs), segs)
	}
	for i, s := range segs {
		if !s.Start.Equal(date(2020+i, 1, 1)) || !s.End.Equal(date(2021+i, 1, 1)) {
			t.Errorf("segment %d = %v", i, s)
		}
		if s.Symbol != "AAPL" || s.Timeframe != domain.Timeframe1Day {
			t.Errorf("segment %d has wrong identity: %+v", i, s)
		}
	}
}

func TestCreateSegmentsReproducesGaps(t *testing.T) {
	m := testManager(Config{MaxSegment: map[domain.Timeframe]domain.Span{
		domain.Timeframe1Hour: {Days: 3},
	}}, nil)
	gaps := []domain.Gap{
		{Start: date(2024, 1, 1), End: date(2024, 1, 8).Add(5 * time.Hour)},
		{Start: date(2024, 2, 1), End: date(2024, 2, 2)},
	}

	segs, err := m.CreateSegments("ES", gaps, domain.ModeFull, domain.Timeframe1Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 4: %v", len(segs), segs)
	}

	gi := 0
	cur := gaps[0].Start
	for _, s := range segs {
		if s.End.Sub(s.Start) > 3*24*time.Hour {
			t.Errorf("segment %v exceeds max span", s)
		}
		if !s.Start.Equal(cur) {
			if !cur.Equal(gaps[gi].End) {
				t.Fatalf("segments do not tile gap %d: stopped at %v", gi, cur)
			}
			gi++
			if !s.Start.Equal(gaps[gi].Start) {
				t.Fatalf("segment %v does not start gap %d", s, gi)
			}
		}
		cur = s.End
	}
	if gi != 1 || !cur.Equal(gaps[1].End) {
		t.Errorf("segments end at %v in gap %d", cur, gi)
	}
}

func TestCreateSegmentsRejectsInvalidMode(t *testing.T) {
	m := testManager(Config{}, nil)
	_, err := m.CreateSegments("X", nil, domain.Mode("nope"), domain.Timeframe1Day)
	if !errors.Is(err, domain.ErrInvalidMode) {
		t.Fatalf("err = %v, want ErrInvalidMode", err)
	}
}

func TestPrioritizeSegments(t *testing.T) {
	segs := []domain.Segment{
		{Start: date(2022, 1, 1)},
		{Start: date(2020, 1, 1)},
		{Start: date(2021, 1, 1)},
	}

	tail := PrioritizeSegments(segs, domain.ModeTail)
	if !tail[0].Start.Equal(date(2022, 1, 1)) || !tail[2].Start.Equal(date(2020, 1, 1)) {
		t.Errorf("tail order = %v", tail)
	}
	back := PrioritizeSegments(segs, domain.ModeBackfill)
	if !back[0].Start.Equal(date(2020, 1, 1)) || !back[2].Start.Equal(date(2022, 1, 1)) {
		t.Errorf("backfill order = %v", back)
	}
	full := PrioritizeSegments(segs, domain.ModeFull)
	for i := range segs {
		if !full[i].Start.Equal(segs[i].Start) {
			t.Errorf("full reordered segment %d", i)
		}
	}
	if !segs[0].Start.Equal(date(2022, 1, 1)) {
		t.Error("input slice was modified")
	}
}

func threeSegments() []domain.Segment {
	var segs []domain.Segment
	for i := 0; i < 3; i++ {
		start := date(2024, 1, 1+i*10)
		segs = append(segs, domain.Segment{Symbol: "AAPL", Timeframe: domain.Timeframe1Day, Start: start, End: start.AddDate(0, 0, 5)})
	}
	return segs
}

func fastRetry(attempts int) util.RetryPolicy {
	return util.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	segs := threeSegments()
	f := newScriptedFetcher()
	f.errs[segs[1].Start] = []error{domain.ErrTimeout, domain.ErrConnection}

	rec := metrics.New(nil)
	m := testManager(Config{Retry: fastRetry(3)}, rec)

	res := m.FetchWithResilience(context.Background(), FetchRequest{Segments: segs, Fetcher: f})
	if res.Succeeded != 3 || res.Failed != 0 {
		t.Fatalf("succeeded=%d failed=%d, want 3/0", res.Succeeded, res.Failed)
	}
	if got := f.callCount(segs[1].Start); got != 3 {
		t.Errorf("segment 1 called %d times, want 3", got)
	}
	if len(res.Bars()) != 15 {
		t.Errorf("got %d bars, want 15", len(res.Bars()))
	}
	if snap := rec.Snapshot(); snap.Retries != 2 || snap.Successes != 3 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestFetchPermanentErrorFailsOnlyThatSegment(t *testing.T) {
	segs := threeSegments()
	f := newScriptedFetcher()
	notFound := &domain.ProviderError{Code: 200, Message: "no security definition", Kind: domain.ErrSymbolNotFound}
	f.errs[segs[0].Start] = []error{notFound}

	m := testManager(Config{Retry: fastRetry(5)}, nil)
	res := m.FetchWithResilience(context.Background(), FetchRequest{Segments: segs, Fetcher: f})

	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 2/1", res.Succeeded, res.Failed)
	}
	if got := f.callCount(segs[0].Start); got != 1 {
		t.Errorf("permanent failure retried: %d calls", got)
	}
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0].Err, domain.ErrSymbolNotFound) {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestFetchExhaustedRetriesFailSegment(t *testing.T) {
	segs := threeSegments()[:1]
	f := newScriptedFetcher()
	f.errs[segs[0].Start] = []error{domain.ErrTimeout, domain.ErrTimeout, domain.ErrTimeout}

	m := testManager(Config{Retry: fastRetry(3)}, nil)
	res := m.FetchWithResilience(context.Background(), FetchRequest{Segments: segs, Fetcher: f})
	if res.Failed != 1 || res.Succeeded != 0 {
		t.Fatalf("succeeded=%d failed=%d, want 0/1", res.Succeeded, res.Failed)
	}
}

func TestFetchCancellationReturnsPartial(t *testing.T) {
	segs := threeSegments()
	f := newScriptedFetcher()
	ctx, cancel := context.WithCancel(context.Background())

	var progress []int
	m := testManager(Config{Retry: fastRetry(1)}, nil)
	res := m.FetchWithResilience(ctx, FetchRequest{
		Segments: segs,
		Fetcher:  f,
		Progress: func(done, total int, _ domain.Segment, _ error) {
			progress = append(progress, done)
			if done == 1 {
				cancel()
			}
		},
	})

	if !res.Cancelled {
		t.Fatal("expected Cancelled")
	}
	if res.Succeeded != 1 || len(res.Tables) != 1 {
		t.Errorf("succeeded=%d tables=%d, want 1/1", res.Succeeded, len(res.Tables))
	}
	if f.callCount(segs[1].Start) != 0 {
		t.Error("segment started after cancellation")
	}
	if len(progress) != 1 {
		t.Errorf("progress calls = %v", progress)
	}
}

func TestFetchInFlightCallSurvivesCancellation(t *testing.T) {
	segs := threeSegments()[:1]
	f := newScriptedFetcher()
	ctx, cancel := context.WithCancel(context.Background())

	var callCtxErr error
	f.onCall = func(callCtx context.Context, _ time.Time) {
		cancel()
		time.Sleep(5 * time.Millisecond)
		callCtxErr = callCtx.Err()
	}

	m := testManager(Config{Retry: fastRetry(1)}, nil)
	res := m.FetchWithResilience(ctx, FetchRequest{Segments: segs, Fetcher: f})

	if callCtxErr != nil {
		t.Errorf("in-flight call context was cancelled: %v", callCtxErr)
	}
	if res.Succeeded != 1 {
		t.Errorf("in-flight segment not kept: %+v", res)
	}
}

func TestFetchCallTimeoutIsTransient(t *testing.T) {
	segs := threeSegments()[:1]
	f := newScriptedFetcher()
	calls := 0
	f.onCall = func(callCtx context.Context, _ time.Time) {
		calls++
		if calls == 1 {
			<-callCtx.Done()
		}
	}
	slow := &ctxAwareFetcher{inner: f}

	m := testManager(Config{Retry: fastRetry(2), CallTimeout: 20 * time.Millisecond}, nil)
	res := m.FetchWithResilience(context.Background(), FetchRequest{Segments: segs, Fetcher: slow})
	if res.Succeeded != 1 {
		t.Fatalf("expected retry after timeout to succeed: %+v", res)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

// ctxAwareFetcher surfaces the call context's error the way a real client would.
type ctxAwareFetcher struct{ inner *scriptedFetcher }

func (c *ctxAwareFetcher) FetchHistoricalData(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	bars, err := c.inner.FetchHistoricalData(ctx, symbol, tf, start, end)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return bars, err
}

func TestFetchPeriodicSave(t *testing.T) {
	segs := threeSegments()
	f := newScriptedFetcher()
	m := testManager(Config{Retry: fastRetry(1)}, nil)

	clock := date(2024, 6, 1)
	m.now = func() time.Time { return clock }
	f.onCall = func(context.Context, time.Time) { clock = clock.Add(40 * time.Second) }

	var saved []int
	res := m.FetchWithResilience(context.Background(), FetchRequest{
		Segments:     segs,
		Fetcher:      f,
		SaveInterval: time.Minute,
		OnPeriodicSave: func(_ context.Context, tables [][]domain.Bar) error {
			saved = append(saved, len(tables))
			return nil
		},
	})

	if res.Succeeded != 3 {
		t.Fatalf("succeeded = %d", res.Succeeded)
	}
	// Saves once after the second segment (80s elapsed); the third lands
	// only 40s after that save.
	if len(saved) != 1 || saved[0] != 2 {
		t.Errorf("saves = %v, want [2]", saved)
	}
}

func TestFetchHonoursRateLimiter(t *testing.T) {
	segs := threeSegments()
	f := newScriptedFetcher()
	limiter := util.NewTokenBucket(1, 50*time.Millisecond)
	m := NewManager(Config{Retry: fastRetry(1)}, limiter, nil, quietLogger())

	start := time.Now()
	res := m.FetchWithResilience(context.Background(), FetchRequest{Segments: segs, Fetcher: f})
	if res.Succeeded != 3 {
		t.Fatalf("succeeded = %d", res.Succeeded)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three calls at 1/50ms took %v, want >= ~100ms", elapsed)
	}
}
