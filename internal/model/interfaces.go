package model

import (
	"imagecore/internal/cache"
	"imagecore/internal/entity"
	"imagecore/internal/event"
	"imagecore/internal/symbolic"
	"imagecore/pkg/ndarray"
	"imagecore/pkg/xdata"
)

// PersistentContext is the storage collaborator a data item and its sources
// are attached to.
type PersistentContext interface {
	// LoadData brings a source's buffer back from storage.
	LoadData(source *BufferedDataSource) (*ndarray.Array, error)
	// RewriteDataItemData stores a source's resident buffer out of band.
	RewriteDataItemData(source *BufferedDataSource) error
	// WriteDataItem stores the item's properties and any buffers held back
	// while writes were delayed.
	WriteDataItem(item *DataItem) error
	// Properties returns the stored form of the item.
	Properties(item *DataItem) (entity.Properties, error)
	// PersistentStorageFor returns the per-item storage state.
	PersistentStorageFor(item *DataItem) PersistentStorage
}

// UnloadObserver is optionally implemented by a PersistentContext that
// wants to hear when a source drops its resident buffer.
type UnloadObserver interface {
	DataUnloaded(source *BufferedDataSource)
}

// PersistentStorage is the per-item storage state.
type PersistentStorage interface {
	WriteDelayed() bool
	SetWriteDelayed(bool)
}

// Display presents a data source.
type Display interface {
	entity.Persistent
	UpdateData(xdata.DataAndCalibration)
	SetStorageCache(cache.Store)
	AboutToBeRemoved()
	Close()
}

// Computation produces a source's data from other objects.
type Computation interface {
	entity.Persistent
	Mutated() *event.Event[struct{}]
	CascadeDelete() *event.Event[struct{}]
	Variables() []symbolic.Variable
}

// Connection links a property of one object to another.
type Connection interface {
	entity.Persistent
	Close()
}

// DataItemManager tracks computations across the document.
type DataItemManager interface {
	ComputationChanged(source *BufferedDataSource, computation Computation)
}

// ComputationChange reports that a source's computation was attached,
// detached (Computation nil) or mutated. DataItem is set on the copies the
// owning item forwards.
type ComputationChange struct {
	DataItem    *DataItem
	Source      *BufferedDataSource
	Computation Computation
}
