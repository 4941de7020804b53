// Package library stores data items: their properties go to a property
// store and their buffers to a blob store. It also holds the document that
// owns the loaded items.
package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagecore/internal/blob"
	"imagecore/internal/entity"
	"imagecore/internal/logging"
	"imagecore/internal/model"
	"imagecore/internal/observability"
	"imagecore/internal/persistence"
	"imagecore/pkg/ndarray"
)

const (
	bufferPrefix      = "data/"
	bufferSuffix      = ".nda"
	bufferContentType = "application/x-imagecore-ndarray"
)

var _ model.PersistentContext = (*Context)(nil)
var _ model.UnloadObserver = (*Context)(nil)

// BufferKey returns the blob key holding a source's buffer.
func BufferKey(source uuid.UUID) string {
	return bufferPrefix + source.String() + bufferSuffix
}

// Storage is the per-item storage state handed to the model.
type Storage struct {
	mu      sync.Mutex
	delayed bool
}

// WriteDelayed reports whether writes for the item are being held back.
func (s *Storage) WriteDelayed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayed
}

// SetWriteDelayed toggles write delay.
func (s *Storage) SetWriteDelayed(v bool) {
	s.mu.Lock()
	s.delayed = v
	s.mu.Unlock()
}

// Context implements model.PersistentContext on a property store and a
// blob store. While an item's writes are delayed, buffer rewrites for its
// sources are recorded and written with the item.
type Context struct {
	base    context.Context
	props   persistence.Store
	blobs   blob.Store
	logger  logging.Logger
	metrics observability.Recorder
	timeout time.Duration

	mu       sync.Mutex
	storages map[uuid.UUID]*Storage
	held     map[uuid.UUID]struct{}
	written  map[uuid.UUID]struct{}
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithContextLogger routes diagnostics to logger.
func WithContextLogger(l logging.Logger) ContextOption {
	return func(c *Context) { c.logger = logging.OrNoop(l) }
}

// WithRecorder reports activity to r.
func WithRecorder(r observability.Recorder) ContextOption {
	return func(c *Context) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithTimeout bounds every storage call; zero means no bound.
func WithTimeout(d time.Duration) ContextOption {
	return func(c *Context) { c.timeout = d }
}

// NewContext returns a Context writing through props and blobs. base scopes
// every storage call the model triggers.
func NewContext(base context.Context, props persistence.Store, blobs blob.Store, opts ...ContextOption) *Context {
	c := &Context{
		base:     base,
		props:    props,
		blobs:    blobs,
		logger:   logging.Noop(),
		metrics:  observability.Noop{},
		storages: make(map[uuid.UUID]*Storage),
		held:     make(map[uuid.UUID]struct{}),
		written:  make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Context) opContext() (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(c.base, c.timeout)
	}
	return context.WithCancel(c.base)
}

// PersistentStorageFor returns the storage state of item, creating it on
// first use.
func (c *Context) PersistentStorageFor(item *model.DataItem) model.PersistentStorage {
	return c.storageFor(item.UUID())
}

func (c *Context) storageFor(id uuid.UUID) *Storage {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.storages[id]
	if !ok {
		st = &Storage{}
		c.storages[id] = st
	}
	return st
}

func (c *Context) delayedFor(id uuid.UUID) bool {
	c.mu.Lock()
	st, ok := c.storages[id]
	c.mu.Unlock()
	return ok && st.WriteDelayed()
}

// IsHeld reports whether a buffer rewrite for source is waiting on its
// item's delayed write.
func (c *Context) IsHeld(source uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[source]
	return ok
}

// LoadData reads a source's buffer back from the blob store.
func (c *Context) LoadData(source *model.BufferedDataSource) (*ndarray.Array, error) {
	start := time.Now()
	a, err := c.readBuffer(source)
	if err != nil {
		c.metrics.LoadFailed()
		return nil, &model.LoadError{SourceID: source.UUID(), Err: err}
	}
	c.metrics.BufferLoaded(time.Since(start))
	c.mu.Lock()
	c.written[source.UUID()] = struct{}{}
	c.mu.Unlock()
	return a, nil
}

func (c *Context) readBuffer(source *model.BufferedDataSource) (*ndarray.Array, error) {
	ctx, cancel := c.opContext()
	defer cancel()
	key := BufferKey(source.UUID())
	_, rc, err := c.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("no stored bytes for declared shape %v %s: %w", source.DataShape(), source.DataDType(), err)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	a, err := ndarray.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if !shapeEqual(a.Shape(), source.DataShape()) || a.DType() != source.DataDType() {
		return nil, fmt.Errorf("stored buffer %v %s does not match declared %v %s",
			a.Shape(), a.DType(), source.DataShape(), source.DataDType())
	}
	return a, nil
}

// DataUnloaded records a buffer released by its source.
func (c *Context) DataUnloaded(*model.BufferedDataSource) { c.metrics.BufferUnloaded() }

// RewriteDataItemData stores a source's resident buffer, or records it for
// the item's next write while writes are delayed.
func (c *Context) RewriteDataItemData(source *model.BufferedDataSource) error {
	a := source.ResidentData()
	if a == nil {
		return nil
	}
	id := source.UUID()
	if c.delayedFor(source.DependentDataItemID()) {
		c.mu.Lock()
		c.held[id] = struct{}{}
		c.mu.Unlock()
		c.metrics.WriteHeld()
		return nil
	}
	if err := c.writeBuffer(id, a); err != nil {
		return err
	}
	c.metrics.Wrote(observability.WriteImmediate)
	return nil
}

// WriteDataItem stores the item's properties together with every resident
// buffer that is held back or was never stored.
func (c *Context) WriteDataItem(item *model.DataItem) error {
	var errs []error
	for _, s := range item.DataSources() {
		a := s.ResidentData()
		if a == nil {
			continue
		}
		id := s.UUID()
		c.mu.Lock()
		_, held := c.held[id]
		_, written := c.written[id]
		c.mu.Unlock()
		if !held && written {
			continue
		}
		if err := c.writeBuffer(id, a); err != nil {
			errs = append(errs, err)
			continue
		}
		if held {
			c.metrics.Wrote(observability.WriteDeferred)
		} else {
			c.metrics.Wrote(observability.WriteImmediate)
		}
	}
	if err := c.saveProperties(item); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Context) saveProperties(item *model.DataItem) error {
	ctx, cancel := c.opContext()
	defer cancel()
	rec := persistence.Record{ID: item.UUID(), Type: model.DataItemType, Properties: item.WriteTo()}
	if err := c.props.Save(ctx, rec); err != nil {
		return fmt.Errorf("save data item %s: %w", item.UUID(), err)
	}
	c.metrics.Wrote(observability.WriteItem)
	return nil
}

// writeBuffer replaces the stored bytes of a source: blob stores are
// create-only, so the old blob is deleted first.
func (c *Context) writeBuffer(id uuid.UUID, a *ndarray.Array) error {
	payload, err := a.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode buffer %s: %w", id, err)
	}
	ctx, cancel := c.opContext()
	defer cancel()
	key := BufferKey(id)
	if _, err := c.blobs.Delete(ctx, key); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	opts := blob.PutOptions{
		ContentType: bufferContentType,
		Metadata:    map[string]string{"shape": formatShape(a.Shape()), "dtype": string(a.DType())},
	}
	if _, err := c.blobs.Put(ctx, key, bytes.NewReader(payload), opts); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	c.mu.Lock()
	delete(c.held, id)
	c.written[id] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Properties returns the stored form of item.
func (c *Context) Properties(item *model.DataItem) (entity.Properties, error) {
	ctx, cancel := c.opContext()
	defer cancel()
	rec, err := c.props.Load(ctx, item.UUID())
	if err != nil {
		return nil, err
	}
	return rec.Properties, nil
}

// Records lists every stored data item record.
func (c *Context) Records() ([]persistence.Record, error) {
	ctx, cancel := c.opContext()
	defer cancel()
	return c.props.List(ctx)
}

// DeleteDataItem removes the stored properties and buffers of item.
func (c *Context) DeleteDataItem(item *model.DataItem) error {
	ctx, cancel := c.opContext()
	defer cancel()
	var errs []error
	for _, s := range item.DataSources() {
		if _, err := c.blobs.Delete(ctx, BufferKey(s.UUID())); err != nil {
			errs = append(errs, err)
		}
		c.mu.Lock()
		delete(c.held, s.UUID())
		delete(c.written, s.UUID())
		c.mu.Unlock()
	}
	if err := c.props.Delete(ctx, item.UUID()); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		errs = append(errs, err)
	}
	c.mu.Lock()
	delete(c.storages, item.UUID())
	c.mu.Unlock()
	return errors.Join(errs...)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
