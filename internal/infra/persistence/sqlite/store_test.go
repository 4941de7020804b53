package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"imagecore/internal/entity"
	"imagecore/internal/persistence"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "library.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	id := uuid.New()
	props := entity.Properties{
		"type":     "data-item",
		"version":  10,
		"metadata": map[string]any{"description": map[string]any{"title": "Spectrum"}},
	}
	if err := store.Save(ctx, persistence.Record{ID: id, Type: "data-item", Properties: props}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	rec, err := reloaded.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Type != "data-item" {
		t.Fatalf("expected type data-item, got %q", rec.Type)
	}
	title := rec.Properties["metadata"].(map[string]any)["description"].(map[string]any)["title"]
	if title != "Spectrum" {
		t.Fatalf("expected title to survive reload, got %v", title)
	}
	if rec.Properties["version"] != float64(10) {
		t.Fatalf("expected JSON number version, got %#v", rec.Properties["version"])
	}
	if reloaded.Path() != path {
		t.Fatalf("expected path %s, got %s", path, reloaded.Path())
	}
}

func TestSQLiteStoreUpsertListDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	id := uuid.New()
	for _, title := range []string{"first", "second"} {
		rec := persistence.Record{ID: id, Type: "data-item", Properties: entity.Properties{"title": title}}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", title, err)
		}
	}
	other := uuid.New()
	if err := store.Save(ctx, persistence.Record{ID: other, Type: "data-item"}); err != nil {
		t.Fatalf("save other: %v", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected upsert to keep 2 rows, got %d", len(list))
	}
	rec, _ := store.Load(ctx, id)
	if rec.Properties["title"] != "second" {
		t.Fatalf("expected latest save to win, got %v", rec.Properties["title"])
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, id); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, id); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSQLiteStoreLoadInvalidJSON(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	id := uuid.New()
	if _, err := store.DB().Exec(`INSERT INTO data_items(id,type,payload,updated_at) VALUES(?,?,?,?)`,
		id.String(), "data-item", []byte("{"), "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Load(ctx, id); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := store.List(ctx); err == nil {
		t.Fatalf("expected decode error from list")
	}
}
