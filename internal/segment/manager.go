// Package segment splits gaps into provider-sized requests, orders them by
// acquisition mode, and fetches them with rate limiting, retries and
// periodic persistence.
package segment

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"histfill/internal/domain"
	"histfill/internal/util"
)

// Fetcher is the subset of a provider used to download one segment.
type Fetcher interface {
	FetchHistoricalData(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)
}

// Recorder receives per-request metrics. *metrics.Collector implements it.
type Recorder interface {
	RequestStarted()
	RequestSucceeded(bars int)
	RequestFailed()
	RequestRetried()
}

type nopRecorder struct{}

func (nopRecorder) RequestStarted()      {}
func (nopRecorder) RequestSucceeded(int) {}
func (nopRecorder) RequestFailed()       {}
func (nopRecorder) RequestRetried()      {}

// Config controls segment sizing and request pacing.
type Config struct {
	// MaxSegment overrides the per-timeframe default span.
	MaxSegment map[domain.Timeframe]domain.Span
	// PacingDelay is the minimum pause between consecutive provider calls.
	PacingDelay time.Duration
	// CallTimeout bounds a single provider call.
	CallTimeout time.Duration
	// Retry governs repeated attempts of one segment. A nil Retryable
	// retries transient errors only.
	Retry util.RetryPolicy
}

// Manager creates, orders and fetches segments. It is safe for concurrent use;
// the rate limiter is shared by every fetch.
type Manager struct {
	cfg     Config
	limiter *util.RateLimiter
	metrics Recorder
	log     *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager. limiter and rec may be nil.
func NewManager(cfg Config, limiter *util.RateLimiter, rec Recorder, log *slog.Logger) *Manager {
	if limiter == nil {
		limiter = util.NewTokenBucket(0, 0)
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = domain.IsTransient
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = time.Minute
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Manager{
		cfg:     cfg,
		limiter: limiter,
		metrics: rec,
		log:     util.OrDefault(log).With("component", "segment"),
		now:     time.Now,
	}
}

// MaxSegment returns the largest span one request may cover for tf.
func (m *Manager) MaxSegment(tf domain.Timeframe) domain.Span {
	if s, ok := m.cfg.MaxSegment[tf]; ok && !s.IsZero() {
		return s
	}
	return tf.DefaultMaxSegment()
}

// CreateSegments splits every gap into consecutive segments no longer than
// the timeframe's maximum span. Concatenating a gap's segments reproduces
// the gap exactly.
func (m *Manager) CreateSegments(symbol string, gaps []domain.Gap, mode domain.Mode, tf domain.Timeframe) ([]domain.Segment, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if _, err := domain.ParseTimeframe(string(tf)); err != nil {
		return nil, err
	}

	span := m.MaxSegment(tf)
	var out []domain.Segment
	for _, g := range gaps {
		for cur := g.Start; cur.Before(g.End); {
			next := span.AddTo(cur)
			if !next.After(cur) || next.After(g.End) {
				next = g.End
			}
			out = append(out, domain.Segment{Symbol: symbol, Timeframe: tf, Start: cur, End: next})
			cur = next
		}
	}
	return out, nil
}

// PrioritizeSegments orders segments for fetching: newest first for tail,
// oldest first for backfill, unchanged for full. The input is not modified.
func PrioritizeSegments(segments []domain.Segment, mode domain.Mode) []domain.Segment {
	out := append([]domain.Segment(nil), segments...)
	switch mode {
	case domain.ModeTail:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	case domain.ModeBackfill:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	}
	return out
}
