package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"imagecore/internal/entity"
	"imagecore/internal/persistence"
)

func TestStoreSaveLoadIsolatesProperties(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	id := uuid.New()
	props := entity.Properties{"metadata": map[string]any{"k": "v"}}
	if err := store.Save(ctx, persistence.Record{ID: id, Type: "data-item", Properties: props}); err != nil {
		t.Fatalf("save: %v", err)
	}
	props["metadata"].(map[string]any)["k"] = "changed"

	rec, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := rec.Properties["metadata"].(map[string]any)["k"]; got != "v" {
		t.Fatalf("expected stored copy to be isolated, got %v", got)
	}
	if rec.UpdatedAt.IsZero() {
		t.Fatalf("expected UpdatedAt to be stamped")
	}
	rec.Properties["metadata"] = nil
	again, _ := store.Load(ctx, id)
	if again.Properties["metadata"] == nil {
		t.Fatalf("expected loaded record to be a copy")
	}
}

func TestStoreListOrderedAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := store.Save(ctx, persistence.Record{ID: id, Type: "data-item"}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID.String() > list[i].ID.String() {
			t.Fatalf("expected records ordered by id")
		}
	}
	if err := store.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, ids[0]); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, ids[0]); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestStoreRejectsMissingIDAndCancelledContext(t *testing.T) {
	store := NewStore()
	if err := store.Save(context.Background(), persistence.Record{}); err == nil {
		t.Fatalf("expected error for nil id")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Save(ctx, persistence.Record{ID: uuid.New()}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if _, err := store.List(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error from list, got %v", err)
	}
}
