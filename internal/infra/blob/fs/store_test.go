package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"imagecore/internal/blob/core"
)

func TestFilesystemStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Driver() != core.DriverFilesystem || s.Root() != root {
		t.Fatalf("unexpected store %s %s", s.Driver(), s.Root())
	}
	payload := []byte("buffer-bytes")
	info, err := s.Put(ctx, "data/one.nda", bytes.NewReader(payload), core.PutOptions{ContentType: "application/x-ndarray", Metadata: map[string]string{"shape": "3,4"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || len(info.ETag) != 64 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := os.Stat(filepath.Join(root, "data", "one.nda.meta")); err != nil {
		t.Fatalf("expected sidecar: %v", err)
	}
	if _, err := s.Put(ctx, "data/one.nda", bytes.NewReader(payload), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	head, err := s.Head(ctx, "data/one.nda")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ETag != info.ETag || head.Metadata["shape"] != "3,4" {
		t.Fatalf("unexpected head %+v", head)
	}
	_, rc, err := s.Get(ctx, "data/one.nda")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(b, payload) {
		t.Fatalf("unexpected content %q", b)
	}

	if _, err := s.Put(ctx, "data/two.nda", bytes.NewReader([]byte{1}), core.PutOptions{}); err != nil {
		t.Fatalf("put two: %v", err)
	}
	list, err := s.List(ctx, "data/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "data/one.nda" || list[1].Key != "data/two.nda" {
		t.Fatalf("unexpected list %+v", list)
	}

	existed, err := s.Delete(ctx, "data/one.nda")
	if err != nil || !existed {
		t.Fatalf("delete: %v %v", existed, err)
	}
	existed, err = s.Delete(ctx, "data/one.nda")
	if err != nil || existed {
		t.Fatalf("expected missing delete to report false, got %v %v", existed, err)
	}
	if _, _, err := s.Get(ctx, "data/one.nda"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if _, err := s.Head(ctx, "data/one.nda"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	// rewrite after delete is allowed
	if _, err := s.Put(ctx, "data/one.nda", bytes.NewReader([]byte("v2")), core.PutOptions{}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
}

func TestFilesystemStoreRejectsUnsafeKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"", "   ", "/abs", "../escape", "a/../../b", "x.meta"} {
		if _, err := s.Put(ctx, key, bytes.NewReader(nil), core.PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
	if _, err := s.Put(ctx, "names..with..dots", bytes.NewReader(nil), core.PutOptions{}); err != nil {
		t.Fatalf("dots inside a name are allowed: %v", err)
	}
}

func TestFilesystemStoreCorruptSidecar(t *testing.T) {
	root := t.TempDir()
	s, _ := New(root)
	ctx := context.Background()
	if _, err := s.Put(ctx, "k", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "k.meta"), []byte("{"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := s.Head(ctx, "k"); err == nil || errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if _, err := s.List(ctx, ""); err == nil {
		t.Fatalf("expected list to surface decode error")
	}
}
