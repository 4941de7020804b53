package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteCache keeps cached values in a single SQLite table so they survive
// restarts. Values are stored JSON encoded.
type SQLiteCache struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(path string) (*SQLiteCache, error) {
	if path == "" {
		path = "imagecore-cache.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		uuid TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (uuid, key)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &SQLiteCache{db: db, path: path}, nil
}

// Path returns the database file location.
func (c *SQLiteCache) Path() string { return c.path }

// Close releases the database handle.
func (c *SQLiteCache) Close() error { return c.db.Close() }

func (c *SQLiteCache) Get(id uuid.UUID, key string) (any, bool, error) {
	var payload []byte
	err := c.db.QueryRowContext(context.Background(),
		`SELECT value FROM cache WHERE uuid = ? AND key = ?`, id.String(), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select cache: %w", err)
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, false, fmt.Errorf("decode cache %s/%s: %w", id, key, err)
	}
	return v, true, nil
}

func (c *SQLiteCache) Set(id uuid.UUID, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache %s/%s: %w", id, key, err)
	}
	if _, err := c.db.ExecContext(context.Background(),
		`INSERT INTO cache(uuid, key, value) VALUES(?, ?, ?)
		 ON CONFLICT(uuid, key) DO UPDATE SET value = excluded.value`, id.String(), key, payload); err != nil {
		return fmt.Errorf("upsert cache: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Remove(id uuid.UUID, key string) error {
	if _, err := c.db.ExecContext(context.Background(),
		`DELETE FROM cache WHERE uuid = ? AND key = ?`, id.String(), key); err != nil {
		return fmt.Errorf("delete cache: %w", err)
	}
	return nil
}
