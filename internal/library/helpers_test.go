package library

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imagecore/internal/blob"
	"imagecore/internal/infra/persistence/memory"
	"imagecore/internal/model"
	"imagecore/pkg/ndarray"
)

// countingRecorder tallies every event by name.
type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counts: make(map[string]int)}
}

func (r *countingRecorder) add(name string, n int) {
	r.mu.Lock()
	r.counts[name] += n
	r.mu.Unlock()
}

func (r *countingRecorder) get(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func (r *countingRecorder) BufferLoaded(time.Duration) { r.add("loaded", 1) }
func (r *countingRecorder) BufferUnloaded()             { r.add("unloaded", 1) }
func (r *countingRecorder) LoadFailed()                 { r.add("load_failed", 1) }
func (r *countingRecorder) Notified(kind string)        { r.add("notified:"+kind, 1) }
func (r *countingRecorder) Wrote(mode string)           { r.add("wrote:"+mode, 1) }
func (r *countingRecorder) WriteHeld()                  { r.add("held", 1) }
func (r *countingRecorder) CacheWritten(n int)          { r.add("cache", n) }

type fixture struct {
	props   *memory.Store
	blobs   blob.Store
	metrics *countingRecorder
	ctx     *Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{props: memory.NewStore(), blobs: blob.NewMemory(), metrics: newCountingRecorder()}
	f.ctx = NewContext(context.Background(), f.props, f.blobs, WithRecorder(f.metrics))
	return f
}

// reopen returns a fresh context over the same stores.
func (f *fixture) reopen() *Context {
	return NewContext(context.Background(), f.props, f.blobs, WithRecorder(f.metrics))
}

func (f *fixture) storedBuffer(t *testing.T, s *model.BufferedDataSource) *ndarray.Array {
	t.Helper()
	_, rc, err := f.blobs.Get(context.Background(), BufferKey(s.UUID()))
	require.NoError(t, err)
	defer rc.Close()
	a, err := ndarray.Decode(rc)
	require.NoError(t, err)
	return a
}

func mustArray(t *testing.T, values ...float64) *ndarray.Array {
	t.Helper()
	a, err := ndarray.FromFloat64([]int{len(values)}, values)
	require.NoError(t, err)
	return a
}

func newItem(t *testing.T, values ...float64) *model.DataItem {
	t.Helper()
	var data *ndarray.Array
	if len(values) > 0 {
		data = mustArray(t, values...)
	}
	item, err := model.NewDataItem(data)
	require.NoError(t, err)
	return item
}
