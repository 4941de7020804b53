// Package sqlite persists data item properties to a single SQLite table,
// one row per item with the properties JSON encoded.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagecore/internal/persistence"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ persistence.Store = (*Store)(nil)

// Store is a persistence.Store backed by a SQLite file.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewStore opens (creating if needed) the store at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "imagecore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS data_items (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create data_items table: %w", err)
	}
	return &Store{db: db, path: path, now: time.Now}, nil
}

// Save upserts the record.
func (s *Store) Save(ctx context.Context, rec persistence.Record) error {
	if rec.ID == uuid.Nil {
		return fmt.Errorf("save record: missing id")
	}
	payload, err := persistence.EncodeProperties(rec.Properties)
	if err != nil {
		return err
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO data_items(id,type,payload,updated_at) VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET type=excluded.type, payload=excluded.payload, updated_at=excluded.updated_at`,
		rec.ID.String(), rec.Type, payload, updated.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ID, err)
	}
	return nil
}

// Load returns the record stored under id.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (persistence.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, type, payload, updated_at FROM data_items WHERE id = ?`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.Record{}, fmt.Errorf("%w: %s", persistence.ErrNotFound, id)
	}
	return rec, err
}

// List returns every record ordered by id.
func (s *Store) List(ctx context.Context) ([]persistence.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, payload, updated_at FROM data_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select data_items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []persistence.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data_items: %w", err)
	}
	return out, nil
}

// Delete removes the record stored under id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM data_items WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, id)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (persistence.Record, error) {
	var (
		id, typ, updated string
		payload          []byte
	)
	if err := row.Scan(&id, &typ, &payload, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Record{}, err
		}
		return persistence.Record{}, fmt.Errorf("scan data_items: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	props, err := persistence.DecodeProperties(payload)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("record %s: %w", id, err)
	}
	at, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("parse updated_at for %s: %w", id, err)
	}
	return persistence.Record{ID: parsed, Type: typ, Properties: props, UpdatedAt: at}, nil
}
