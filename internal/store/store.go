// Package store defines storage interfaces for the local bar cache and the
// operation journal.
package store

import (
	"context"
	"time"

	"histfill/internal/domain"
)

// BarRepository persists and retrieves OHLCV bars per symbol and timeframe.
type BarRepository interface {
	// Load returns bars for symbol/tf within [start, end]. Zero start or end
	// leave that side unbounded. domain.ErrNotFound is returned when nothing
	// is cached.
	Load(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)

	// Save merges bars into the cache; on timestamp collisions the incoming
	// bar wins. Saving the same bars twice leaves the cache unchanged.
	Save(ctx context.Context, symbol string, tf domain.Timeframe, bars []domain.Bar) error

	// ListSymbols returns all symbols with cached bars for tf.
	ListSymbols(ctx context.Context, tf domain.Timeframe) ([]string, error)
}

// OperationJournal records acquisition operation snapshots.
type OperationJournal interface {
	// SaveOperation inserts or replaces the snapshot with the same ID.
	SaveOperation(ctx context.Context, op domain.Operation) error

	// GetOperation retrieves a single operation by its ID.
	GetOperation(ctx context.Context, id string) (domain.Operation, error)

	// ListOperations returns the most recently updated operations, up to limit.
	ListOperations(ctx context.Context, limit int) ([]domain.Operation, error)
}
