package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"histfill/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OperationJournal = (*SQLiteStore)(nil)

// SQLiteStore implements OperationJournal backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	timeframe   TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	percentage  REAL NOT NULL DEFAULT 0,
	step        TEXT NOT NULL DEFAULT '',
	result      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS operations_updated_at ON operations(updated_at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Journal writes are serialised on one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// OperationJournal implementation
// ---------------------------------------------------------------------------

// SaveOperation inserts or replaces an operation snapshot.
func (s *SQLiteStore) SaveOperation(ctx context.Context, op domain.Operation) error {
	var result sql.NullString
	if op.Result != nil {
		b, err := json.Marshal(op.Result)
		if err != nil {
			return err
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	var finished sql.NullInt64
	if op.FinishedAt != nil {
		finished = sql.NullInt64{Int64: op.FinishedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO operations (id, symbol, timeframe, mode, status, percentage, step, result, error, created_at, updated_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	percentage = excluded.percentage,
	step = excluded.step,
	result = excluded.result,
	error = excluded.error,
	updated_at = excluded.updated_at,
	finished_at = excluded.finished_at`,
		op.ID, op.Symbol, string(op.Timeframe), string(op.Mode), string(op.Status),
		op.Progress.Percentage, op.Progress.CurrentStep, result, op.Error,
		op.CreatedAt.UnixMilli(), op.UpdatedAt.UnixMilli(), finished)
	if err != nil {
		return fmt.Errorf("saving operation %s: %w", op.ID, err)
	}
	return nil
}

// GetOperation retrieves a single operation by its ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, symbol, timeframe, mode, status, percentage, step, result, error, created_at, updated_at, finished_at
FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Operation{}, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	return op, err
}

// ListOperations returns the most recently updated operations, up to limit.
func (s *SQLiteStore) ListOperations(ctx context.Context, limit int) ([]domain.Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, symbol, timeframe, mode, status, percentage, step, result, error, created_at, updated_at, finished_at
FROM operations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(sc scanner) (domain.Operation, error) {
	var (
		op               domain.Operation
		tf, mode, status string
		result           sql.NullString
		created, updated int64
		finished         sql.NullInt64
	)
	err := sc.Scan(&op.ID, &op.Symbol, &tf, &mode, &status, &op.Progress.Percentage,
		&op.Progress.CurrentStep, &result, &op.Error, &created, &updated, &finished)
	if err != nil {
		return domain.Operation{}, err
	}
	op.Timeframe = domain.Timeframe(tf)
	op.Mode = domain.Mode(mode)
	op.Status = domain.OperationStatus(status)
	op.CreatedAt = time.UnixMilli(created).UTC()
	op.UpdatedAt = time.UnixMilli(updated).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		op.FinishedAt = &t
	}
	if result.Valid {
		var r domain.OperationResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return domain.Operation{}, fmt.Errorf("decoding result of %s: %w", op.ID, err)
		}
		op.Result = &r
	}
	return op, nil
}
