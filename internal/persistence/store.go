// Package persistence declares the property store that data items are
// written to, separate from the blob storage holding their buffers.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"imagecore/internal/entity"
)

// Driver identifies a concrete property store implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// ErrNotFound is returned by Load and Delete for an unknown record.
var ErrNotFound = errors.New("persistence: record not found")

// Record is the stored form of one top-level object.
type Record struct {
	ID         uuid.UUID
	Type       string
	Properties entity.Properties
	UpdatedAt  time.Time
}

// Store saves records keyed by object UUID. Save replaces any existing
// record with the same ID.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id uuid.UUID) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Close() error
}

// EncodeProperties renders properties as the JSON payload the SQL stores
// keep in their payload column.
func EncodeProperties(props entity.Properties) ([]byte, error) {
	if props == nil {
		props = entity.Properties{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return data, nil
}

// DecodeProperties parses a payload written by EncodeProperties.
func DecodeProperties(data []byte) (entity.Properties, error) {
	props := entity.Properties{}
	if len(data) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}

// Clone returns a record whose properties share nothing with r.
func (r Record) Clone() Record {
	out := r
	if r.Properties != nil {
		out.Properties = entity.DeepCopy(r.Properties).(entity.Properties)
	}
	return out
}
