package model

import (
	"sync"

	"imagecore/pkg/ndarray"
)

// DataRef holds one data reference on a source for as long as it is open,
// so repeated reads do not load and unload the buffer each time.
type DataRef struct {
	source *BufferedDataSource
	once   sync.Once
}

// DataRef takes a data reference and returns the accessor holding it. The
// caller must Close it.
func (s *BufferedDataSource) DataRef() (*DataRef, error) {
	if _, err := s.IncrementDataRefCount(); err != nil {
		return nil, err
	}
	return &DataRef{source: s}, nil
}

// Data returns the resident buffer.
func (r *DataRef) Data() *ndarray.Array { return r.source.ResidentData() }

// SetData replaces the buffer.
func (r *DataRef) SetData(a *ndarray.Array) error { return r.source.SetData(a) }

// DataUpdated reports that the resident buffer was modified in place.
func (r *DataRef) DataUpdated() error {
	return r.source.setData(r.source.ResidentData(), r.source.opts.now())
}

// Close releases the reference.
func (r *DataRef) Close() {
	r.once.Do(func() { r.source.DecrementDataRefCount() })
}
