package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"imagecore/internal/entity"
	"imagecore/internal/infra/persistence/postgres/testutil"
	"imagecore/internal/persistence"
)

func openStubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreEnsuresTable(t *testing.T) {
	_, conn := openStubStore(t)
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS DATA_ITEMS") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected data_items DDL, got execs: %v", conn.Execs)
	}
}

func TestStoreSaveLoadListDelete(t *testing.T) {
	ctx := context.Background()
	store, conn := openStubStore(t)
	id := uuid.New()
	for _, title := range []string{"first", "second"} {
		rec := persistence.Record{ID: id, Type: "data-item", Properties: entity.Properties{"title": title}}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if rows := conn.Rows("data_items"); len(rows) != 1 {
		t.Fatalf("expected upsert to keep one row, got %d", len(rows))
	}
	rec, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Properties["title"] != "second" || rec.Type != "data-item" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at to round trip")
	}

	other := uuid.New()
	if err := store.Save(ctx, persistence.Record{ID: other, Type: "data-item"}); err != nil {
		t.Fatalf("save other: %v", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID.String() > list[1].ID.String() {
		t.Fatalf("expected two records ordered by id, got %+v", list)
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

func TestStoreSurfacesDriverFailures(t *testing.T) {
	ctx := context.Background()
	store, conn := openStubStore(t)

	conn.FailBegin = true
	if err := store.Save(ctx, persistence.Record{ID: uuid.New()}); err == nil || !strings.Contains(err.Error(), "begin tx") {
		t.Fatalf("expected begin failure, got %v", err)
	}
	conn.FailBegin = false

	conn.FailCommit = true
	if err := store.Save(ctx, persistence.Record{ID: uuid.New()}); err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
	conn.FailCommit = false

	conn.FailTables = map[string]bool{"data_items": true}
	if _, err := store.List(ctx); err == nil {
		t.Fatalf("expected query failure")
	}
	if err := store.Save(ctx, persistence.Record{ID: uuid.New()}); err == nil {
		t.Fatalf("expected insert failure")
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailExec = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), "ignored"); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping failure, got %v", err)
	}
}

func TestNewStoreOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("boom") })
	defer restore()
	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open failure, got %v", err)
	}
}

func TestSaveRejectsNilID(t *testing.T) {
	store, _ := openStubStore(t)
	if err := store.Save(context.Background(), persistence.Record{}); err == nil {
		t.Fatalf("expected error for nil id")
	}
}
