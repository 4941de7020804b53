package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"imagecore/internal/blob/core"
)

func TestMockStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if s.Driver() != core.DriverS3 || s.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected store %s %s", s.Driver(), s.Bucket())
	}
	// CRLF and zero bytes inside the payload must survive chunked uploads
	payload := []byte{0x00, '\r', '\n', 0xff, '0', '\r', '\n', 0x10}
	info, err := s.Put(ctx, "data/one.nda", bytes.NewReader(payload), core.PutOptions{
		ContentType: "application/x-ndarray",
		Metadata:    map[string]string{"dtype": "float32"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), info.Size)
	}
	if info.Metadata["dtype"] != "float32" {
		t.Fatalf("expected metadata round trip, got %v", info.Metadata)
	}
	if _, err := s.Put(ctx, "data/one.nda", bytes.NewReader(payload), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	_, rc, err := s.Get(ctx, "data/one.nda")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %v", got)
	}

	if _, err := s.Put(ctx, "data/two.nda", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put two: %v", err)
	}
	if _, err := s.Put(ctx, "other/three", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put three: %v", err)
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
	if _, err := s.Head(ctx, "data/one.nda"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	if _, _, err := s.Get(ctx, "data/one.nda"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestNewWithStaticCredentials(t *testing.T) {
	s, err := New(context.Background(), Config{
		Bucket:          "buffers",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Bucket() != "buffers" {
		t.Fatalf("unexpected bucket %s", s.Bucket())
	}
}

func TestDecodeAWSChunked(t *testing.T) {
	framed := []byte("3;chunk-signature=abc\r\na\r\nb\r\n2\r\ncd\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	out, err := decodeAWSChunked(framed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out) != "a\r\nbcd" {
		t.Fatalf("unexpected payload %q", out)
	}
	for _, bad := range []string{"", "zz\r\n", "5\r\nab\r\n", "2\r\nabXX0\r\n"} {
		if _, err := decodeAWSChunked([]byte(bad)); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
