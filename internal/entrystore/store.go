// Package entrystore persists diary entries in SQLite, keyed by id and indexed
// by timestamp.
package entrystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/mindstore/internal/config"
	"github.com/loqalabs/mindstore/internal/diary"
	_ "modernc.org/sqlite"
)

// currentSchemaVersion is stored in PRAGMA user_version.
//
//	1 - entries table with timestamp index
const currentSchemaVersion = 1

var (
	ErrNotInitialized = errors.New("database not initialized")
	ErrOpen           = errors.New("failed to open database")
	ErrSave           = errors.New("failed to save entry")
	ErrRetrieve       = errors.New("failed to retrieve entries")
	ErrUpdate         = errors.New("failed to update entry")
	ErrDelete         = errors.New("failed to delete entry")
	ErrClear          = errors.New("failed to clear entries")
)

// Store is the SQLite-backed entry store. The zero value is unusable; create
// one with New and call Open before any other method.
type Store struct {
	cfg config.StoreConfig
	log *slog.Logger

	mu sync.RWMutex
	db *sql.DB
}

var _ diary.Repository = (*Store)(nil)

// New returns an unopened store.
func New(cfg config.StoreConfig, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Store{
		cfg: cfg,
		log: log.With(slog.String("component", "entrystore")),
	}
}

// Open creates the database if absent and brings the schema to the current
// version. Calling Open on an open store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if s.cfg.Path == "" {
		return fmt.Errorf("%w: store path is empty", ErrOpen)
	}
	dir := filepath.Dir(s.cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create data dir: %w", ErrOpen, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", s.cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: open sqlite: %w", ErrOpen, err)
	}
	// One connection for the process lifetime; SQLite has a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: ping sqlite: %w", ErrOpen, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}

	s.db = db
	s.log.Info("entry store opened",
		slog.String("name", s.cfg.Name),
		slog.String("path", s.cfg.Path),
		slog.Int("schema_version", currentSchemaVersion))
	return nil
}

// Close releases the connection. The store may be reopened afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if version < 1 {
		ddl := `
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    confidence REAL,
    is_final INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp);
`
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// withTx runs fn in its own transaction, committing only if fn succeeds.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const upsertEntry = `
INSERT INTO entries (id, content, timestamp, confidence, is_final)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    content = excluded.content,
    timestamp = excluded.timestamp,
    confidence = excluded.confidence,
    is_final = excluded.is_final
`

func (s *Store) put(ctx context.Context, e diary.Entry) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	var confidence sql.NullFloat64
	if e.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *e.Confidence, Valid: true}
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsertEntry,
			e.ID, e.Content, e.Timestamp.UnixNano(), confidence, e.IsFinal)
		return err
	})
}

// SaveEntry inserts the entry or replaces the stored record with the same id.
func (s *Store) SaveEntry(ctx context.Context, e diary.Entry) error {
	if err := s.put(ctx, e); err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	return nil
}

// UpdateEntry replaces the full record with the given id. It behaves exactly
// like SaveEntry and reports failures as ErrUpdate.
func (s *Store) UpdateEntry(ctx context.Context, e diary.Entry) error {
	if err := s.put(ctx, e); err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	return nil
}

const selectEntries = `SELECT id, content, timestamp, confidence, is_final FROM entries`

// Entries returns every entry, newest first.
func (s *Store) Entries(ctx context.Context) ([]diary.Entry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	entries, err := queryEntries(ctx, db,
		selectEntries+` ORDER BY timestamp DESC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieve, err)
	}
	return entries, nil
}

// EntriesByDateRange returns entries with start <= timestamp <= end, newest first.
func (s *Store) EntriesByDateRange(ctx context.Context, start, end time.Time) ([]diary.Entry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	entries, err := queryEntries(ctx, db,
		selectEntries+` WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp DESC, rowid ASC`,
		clampNanos(start), clampNanos(end))
	if err != nil {
		return nil, fmt.Errorf("%w by date range: %w", ErrRetrieve, err)
	}
	return entries, nil
}

// clampNanos converts a range bound to Unix nanoseconds, saturating at the
// representable limits.
func clampNanos(t time.Time) int64 {
	switch {
	case t.Before(diary.MinTimestamp):
		return math.MinInt64
	case t.After(diary.MaxTimestamp):
		return math.MaxInt64
	default:
		return t.UnixNano()
	}
}

// Entry returns the entry with the given id, or nil if there is none.
func (s *Store) Entry(ctx context.Context, id string) (*diary.Entry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, selectEntries+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: entry %s: %w", ErrRetrieve, id, err)
	}
	return &e, nil
}

// DeleteEntry removes the entry if present. Deleting an unknown id succeeds.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelete, err)
	}
	return nil
}

// ClearAllEntries removes every entry.
func (s *Store) ClearAllEntries(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM entries`)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClear, err)
	}
	s.log.Info("entries cleared")
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrRetrieve, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (diary.Entry, error) {
	var (
		e          diary.Entry
		ts         int64
		confidence sql.NullFloat64
	)
	if err := row.Scan(&e.ID, &e.Content, &ts, &confidence, &e.IsFinal); err != nil {
		return diary.Entry{}, err
	}
	e.Timestamp = time.Unix(0, ts)
	if confidence.Valid {
		c := confidence.Float64
		e.Confidence = &c
	}
	return e, nil
}

func queryEntries(ctx context.Context, db *sql.DB, query string, args ...any) ([]diary.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []diary.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
