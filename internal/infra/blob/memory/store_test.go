package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"imagecore/internal/blob/core"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	meta := map[string]string{"dtype": "float32"}
	info, err := s.Put(ctx, "data/a.nda", bytes.NewReader([]byte{0, 1, 2}), core.PutOptions{ContentType: "application/octet-stream", Metadata: meta})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["dtype"] = "mutated"
	if info.Size != 3 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "data/a.nda", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, rc, err := s.Get(ctx, "data/a.nda")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(b, []byte{0, 1, 2}) {
		t.Fatalf("unexpected content %v", b)
	}
	if got.Metadata["dtype"] != "float32" {
		t.Fatalf("expected metadata to be copied on put, got %v", got.Metadata)
	}

	if _, err := s.Put(ctx, "data/b.nda", bytes.NewReader([]byte{9}), core.PutOptions{}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if _, err := s.Put(ctx, "other/c", bytes.NewReader([]byte{9}), core.PutOptions{}); err != nil {
		t.Fatalf("put c: %v", err)
	}
	list, _ := s.List(ctx, "data/")
	if len(list) != 2 || list[0].Key != "data/a.nda" || list[1].Key != "data/b.nda" {
		t.Fatalf("unexpected list %+v", list)
	}

	existed, _ := s.Delete(ctx, "data/a.nda")
	if !existed {
		t.Fatalf("expected delete to report existing blob")
	}
	existed, _ = s.Delete(ctx, "data/a.nda")
	if existed {
		t.Fatalf("expected second delete to report missing blob")
	}
	if _, err := s.Head(ctx, "data/a.nda"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	if _, _, err := s.Get(ctx, "data/a.nda"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read fail") }

func TestMemoryStorePutReaderError(t *testing.T) {
	s := New()
	if _, err := s.Put(context.Background(), "k", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected reader error")
	}
	if _, err := s.Head(context.Background(), "k"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("failed put must not store a blob")
	}
}
