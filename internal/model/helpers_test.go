package model

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"imagecore/internal/entity"
	"imagecore/pkg/ndarray"
)

type fakeStorage struct {
	mu      sync.Mutex
	delayed bool
}

func (s *fakeStorage) WriteDelayed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayed
}

func (s *fakeStorage) SetWriteDelayed(v bool) {
	s.mu.Lock()
	s.delayed = v
	s.mu.Unlock()
}

// fakeContext keeps buffers and stored properties in maps and counts calls.
type fakeContext struct {
	mu       sync.Mutex
	buffers  map[uuid.UUID]*ndarray.Array
	props    map[uuid.UUID]entity.Properties
	storages map[uuid.UUID]*fakeStorage
	loadErr  error

	loads    atomic.Int64
	rewrites atomic.Int64
	writes   atomic.Int64
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		buffers:  make(map[uuid.UUID]*ndarray.Array),
		props:    make(map[uuid.UUID]entity.Properties),
		storages: make(map[uuid.UUID]*fakeStorage),
	}
}

func (c *fakeContext) LoadData(s *BufferedDataSource) (*ndarray.Array, error) {
	c.loads.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	a, ok := c.buffers[s.UUID()]
	if !ok {
		return nil, errors.New("no bytes stored")
	}
	return a.Copy(), nil
}

func (c *fakeContext) RewriteDataItemData(s *BufferedDataSource) error {
	c.rewrites.Add(1)
	if a := s.ResidentData(); a != nil {
		c.mu.Lock()
		c.buffers[s.UUID()] = a.Copy()
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeContext) WriteDataItem(d *DataItem) error {
	c.writes.Add(1)
	for _, s := range d.DataSources() {
		if err := c.RewriteDataItemData(s); err != nil {
			return err
		}
	}
	props := d.WriteTo()
	c.mu.Lock()
	c.props[d.UUID()] = props
	c.mu.Unlock()
	return nil
}

func (c *fakeContext) Properties(d *DataItem) (entity.Properties, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return entity.DeepCopy(c.props[d.UUID()]).(entity.Properties), nil
}

func (c *fakeContext) PersistentStorageFor(d *DataItem) PersistentStorage {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.storages[d.UUID()]
	if !ok {
		st = &fakeStorage{}
		c.storages[d.UUID()] = st
	}
	return st
}

// fakeManager records the computations reported to it per source.
type fakeManager struct {
	mu    sync.Mutex
	calls []Computation
}

func (m *fakeManager) ComputationChanged(_ *BufferedDataSource, c Computation) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func fixedClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return base.Add(time.Duration(n.Add(1)) * time.Second) }
}

func mustArray(t *testing.T, shape []int, values ...float64) *ndarray.Array {
	t.Helper()
	if values == nil {
		n := 1
		for _, d := range shape {
			n *= d
		}
		values = make([]float64, n)
		for i := range values {
			values[i] = float64(i)
		}
	}
	a, err := ndarray.FromFloat64(shape, values)
	require.NoError(t, err)
	return a
}
