package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"histfill/internal/domain"
	"histfill/internal/events"
	"histfill/internal/metrics"
	"histfill/internal/provider"
	"histfill/internal/segment"
	"histfill/internal/store"
	"histfill/internal/symbolcache"
	"histfill/internal/util"
)

// Dependencies are the collaborators of a Service. Journal, Events and
// Metrics are optional.
type Dependencies struct {
	Provider provider.Provider
	Bars     store.BarRepository
	Cache    *symbolcache.Cache
	Segments *segment.Manager
	Journal  store.OperationJournal
	Events   events.Publisher
	Metrics  *metrics.Collector
	Log      *slog.Logger
}

// Options tune a Service.
type Options struct {
	// ValidationRetry governs symbol validation calls. A nil Retryable
	// retries transient errors only.
	ValidationRetry util.RetryPolicy
	// SaveInterval enables periodic saves during long fetches.
	SaveInterval time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Service runs acquisition operations in the background. Independent
// operations run concurrently; operations on the same symbol and timeframe
// run one at a time.
type Service struct {
	deps Dependencies
	opts Options
	log  *slog.Logger
	now  func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	ops    map[string]*operation
	locks  map[string]chan struct{}
	closed bool
}

// NewService creates a Service.
func NewService(deps Dependencies, opts Options) (*Service, error) {
	if deps.Provider == nil || deps.Bars == nil || deps.Cache == nil || deps.Segments == nil {
		return nil, errors.New("gather: provider, bar repository, symbol cache and segment manager are required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if opts.ValidationRetry.Retryable == nil {
		opts.ValidationRetry.Retryable = domain.IsTransient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:    deps,
		opts:    opts,
		log:     util.OrDefault(deps.Log).With("component", "acquisition"),
		now:     opts.Now,
		baseCtx: ctx,
		stop:    cancel,
		ops:     make(map[string]*operation),
		locks:   make(map[string]chan struct{}),
	}, nil
}

// ErrClosed is returned by Download after Close.
var ErrClosed = errors.New("acquisition service closed")

// Download starts an operation and returns its id without waiting for it.
func (s *Service) Download(ctx context.Context, req Request) (string, error) {
	req, err := req.normalize()
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	op := &operation{
		req:  req,
		done: make(chan struct{}),
		snap: domain.Operation{
			ID:        uuid.NewString(),
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			Mode:      req.Mode,
			Status:    domain.OperationPending,
			Progress:  progressAt(stepValidate, 0),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	opCtx, cancel := context.WithCancel(s.baseCtx)
	op.cancel = cancel
	s.ops[op.snap.ID] = op
	s.wg.Add(1)
	snap := op.clone()
	s.mu.Unlock()

	s.record(ctx, events.TypeOperationCreated, snap)
	s.log.Info("operation created", "operation_id", snap.ID, "symbol", req.Symbol,
		"timeframe", req.Timeframe, "mode", req.Mode)

	go func() {
		defer s.wg.Done()
		defer close(op.done)
		defer cancel()
		s.run(opCtx, op)
	}()
	return snap.ID, nil
}

// Status returns the operation's current snapshot. Operations from earlier
// runs are served from the journal.
func (s *Service) Status(ctx context.Context, id string) (domain.Operation, error) {
	s.mu.RLock()
	op, ok := s.ops[id]
	var snap domain.Operation
	if ok {
		snap = op.clone()
	}
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if s.deps.Journal != nil {
		return s.deps.Journal.GetOperation(ctx, id)
	}
	return domain.Operation{}, fmt.Errorf("%w: operation %s", domain.ErrNotFound, id)
}

// List returns up to limit operations, newest first, combining live ones
// with the journal.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	out := make([]domain.Operation, 0, len(s.ops))
	seen := make(map[string]bool, len(s.ops))
	for id, op := range s.ops {
		out = append(out, op.clone())
		seen[id] = true
	}
	s.mu.RUnlock()

	if s.deps.Journal != nil {
		journaled, err := s.deps.Journal.ListOperations(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, op := range journaled {
			if !seen[op.ID] {
				out = append(out, op)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cancel asks a running operation to stop. Fetched data is kept. Cancelling
// a finished operation is a no-op.
func (s *Service) Cancel(id string) error {
	s.mu.RLock()
	op, ok := s.ops[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: operation %s", domain.ErrNotFound, id)
	}
	op.cancel()
	return nil
}

// Wait blocks until the operation is terminal or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (domain.Operation, error) {
	s.mu.RLock()
	op, ok := s.ops[id]
	s.mu.RUnlock()
	if !ok {
		return s.Status(ctx, id)
	}
	select {
	case <-op.done:
	case <-ctx.Done():
		return domain.Operation{}, ctx.Err()
	}
	return s.Status(ctx, id)
}

// Close cancels every running operation and waits for them to save what
// they have, or until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverInterrupted marks journaled operations left unfinished by a previous
// process as failed.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	if s.deps.Journal == nil {
		return 0, nil
	}
	ops, err := s.deps.Journal.ListOperations(ctx, 1000)
	if err != nil {
		return 0, err
	}
	n := 0
	now := s.now().UTC()
	for _, op := range ops {
		if op.Status.Terminal() {
			continue
		}
		s.mu.RLock()
		_, live := s.ops[op.ID]
		s.mu.RUnlock()
		if live {
			continue
		}
		op.Status = domain.OperationFailed
		op.Error = "interrupted by restart"
		op.UpdatedAt = now
		op.FinishedAt = &now
		if err := s.deps.Journal.SaveOperation(ctx, op); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.log.Warn("marked interrupted operations as failed", "count", n)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// State transitions
// ---------------------------------------------------------------------------

// update applies fn to op and records the change.
func (s *Service) update(op *operation, evType string, fn func(*domain.Operation)) {
	s.mu.Lock()
	changed := op.transition(s.now().UTC(), fn)
	snap := op.clone()
	s.mu.Unlock()
	if !changed {
		return
	}
	if snap.Status.Terminal() {
		evType = events.TypeOperationFinished
		s.deps.Metrics.OperationFinished(string(snap.Status))
	}
	s.record(context.Background(), evType, snap)
}

func (s *Service) setProgress(op *operation, i int, frac float64) {
	s.update(op, events.TypeOperationProgress, func(o *domain.Operation) {
		o.Status = domain.OperationRunning
		o.Progress = progressAt(i, frac)
	})
}

func (s *Service) finish(op *operation, status domain.OperationStatus, result *domain.OperationResult, err error) {
	s.update(op, events.TypeOperationFinished, func(o *domain.Operation) {
		o.Status = status
		o.Result = result
		if err != nil {
			o.Error = err.Error()
		}
		if status == domain.OperationCompleted {
			o.Progress = progressAt(len(steps)-1, 1)
		}
	})
	attrs := []any{"operation_id", op.snap.ID, "status", status}
	if result != nil {
		attrs = append(attrs, "rows", result.RowsDownloaded, "gaps", result.GapsFound,
			"segments_ok", result.SegmentsSucceeded, "segments_failed", result.SegmentsFailed)
	}
	if err != nil {
		s.log.Warn("operation finished", append(attrs, "error", err)...)
	} else {
		s.log.Info("operation finished", attrs...)
	}
}

// record journals and publishes snap. Both are best-effort.
func (s *Service) record(ctx context.Context, evType string, snap domain.Operation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if s.deps.Journal != nil {
		if err := s.deps.Journal.SaveOperation(ctx, snap); err != nil {
			s.log.Warn("journaling operation", "operation_id", snap.ID, "error", err)
		}
	}
	ev := events.Event{Type: evType, Time: snap.UpdatedAt, Operation: snap}
	if err := s.deps.Events.Publish(ctx, ev); err != nil {
		s.log.Debug("publishing operation event", "operation_id", snap.ID, "error", err)
	}
}

// lock serialises operations on the same symbol and timeframe.
func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
