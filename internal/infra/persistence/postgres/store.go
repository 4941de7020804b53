// Package postgres provides a Postgres-backed property store keeping one
// JSONB row per data item.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagecore/internal/persistence"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ persistence.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/imagecore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a persistence.Store backed by Postgres.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN) and ensures the data_items table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS data_items (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure data_items table: %w", err)
	}
	return nil
}

// Save upserts the record inside a transaction.
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO data_items(id,type,payload,updated_at) VALUES($1,$2,$3,$4) ON CONFLICT(id) DO UPDATE SET type=EXCLUDED.type, payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`,
		rec.ID.String(), rec.Type, payload, updated.UTC()); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Load returns the record stored under id.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (persistence.Record, error) {
	recs, err := s.query(ctx, `SELECT id, type, payload, updated_at FROM data_items WHERE id = $1`, id.String())
	if err != nil {
		return persistence.Record{}, err
	}
	if len(recs) == 0 {
		return persistence.Record{}, fmt.Errorf("%w: %s", persistence.ErrNotFound, id)
	}
	return recs[0], nil
}

// List returns every record ordered by id.
func (s *Store) List(ctx context.Context) ([]persistence.Record, error) {
	recs, err := s.query(ctx, `SELECT id, type, payload, updated_at FROM data_items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID.String() < recs[j].ID.String() })
	return recs, nil
}

// Delete removes the record stored under id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM data_items WHERE id = $1`, id.String())
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

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) query(ctx context.Context, query string, args ...any) ([]persistence.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select data_items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []persistence.Record
	for rows.Next() {
		var (
			id, typ string
			payload []byte
			updated time.Time
		)
		if err := rows.Scan(&id, &typ, &payload, &updated); err != nil {
			return nil, fmt.Errorf("scan data_items: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", id, err)
		}
		props, err := persistence.DecodeProperties(payload)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		out = append(out, persistence.Record{ID: parsed, Type: typ, Properties: props, UpdatedAt: updated})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data_items: %w", err)
	}
	return out, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
