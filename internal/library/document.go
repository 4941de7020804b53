package library

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"imagecore/internal/cache"
	"imagecore/internal/entity"
	"imagecore/internal/event"
	"imagecore/internal/logging"
	"imagecore/internal/model"
	"imagecore/internal/observability"
)

// ErrUnknownItem is returned for data items the document does not hold.
var ErrUnknownItem = errors.New("library: data item not in document")

var _ model.DataItemManager = (*Document)(nil)

// RemovalRequest records a data item asking to be removed because a
// cascade-delete input of one of its computations went away.
type RemovalRequest struct {
	Item    uuid.UUID
	Applied bool
}

// RegionRequest records a region removal forwarded by a data item.
type RegionRequest struct {
	Item      uuid.UUID
	Specifier map[string]any
}

// Document owns the data items of a library. It wires every appended item to
// the persistent context and the storage cache, tracks computations and
// records what the items ask of it.
type Document struct {
	ctx        *Context
	cache      cache.Store
	logger     logging.Logger
	metrics    observability.Recorder
	autoRemove bool
	itemOpts   []model.Option

	mu           sync.Mutex
	items        []*model.DataItem
	byID         map[uuid.UUID]*model.DataItem
	listeners    map[*model.DataItem][]*event.Listener
	computations map[uuid.UUID]model.Computation
	removals     []RemovalRequest
	regions      []RegionRequest
}

// DocumentOption configures a Document.
type DocumentOption func(*Document)

// WithLogger routes document diagnostics to l.
func WithLogger(l logging.Logger) DocumentOption {
	return func(d *Document) { d.logger = logging.OrNoop(l) }
}

// WithMetrics reports notifications and cache writes to r.
func WithMetrics(r observability.Recorder) DocumentOption {
	return func(d *Document) {
		if r != nil {
			d.metrics = r
		}
	}
}

// WithStorageCache gives every appended item c as its storage cache.
func WithStorageCache(c cache.Store) DocumentOption {
	return func(d *Document) { d.cache = c }
}

// AutoRemove makes the document remove data items whose computation lost a
// cascade-delete input. Without it such requests are only recorded.
func AutoRemove() DocumentOption {
	return func(d *Document) { d.autoRemove = true }
}

// WithItemOptions applies opts to every item built by Load.
func WithItemOptions(opts ...model.Option) DocumentOption {
	return func(d *Document) { d.itemOpts = append(d.itemOpts, opts...) }
}

// NewDocument returns an empty document persisting through ctx.
func NewDocument(ctx *Context, opts ...DocumentOption) *Document {
	d := &Document{
		ctx:          ctx,
		logger:       logging.Noop(),
		metrics:      observability.Noop{},
		byID:         make(map[uuid.UUID]*model.DataItem),
		listeners:    make(map[*model.DataItem][]*event.Listener),
		computations: make(map[uuid.UUID]model.Computation),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cache != nil {
		d.cache = &countingCache{Store: d.cache, metrics: d.metrics}
	}
	return d
}

// Context returns the persistent context items are attached to.
func (d *Document) Context() *Context { return d.ctx }

// DataItems returns the items in insertion order.
func (d *Document) DataItems() []*model.DataItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*model.DataItem(nil), d.items...)
}

// Lookup resolves a data item reference; it returns nil for unknown ids.
func (d *Document) Lookup(id uuid.UUID) *model.DataItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byID[id]
}

// AppendDataItem takes ownership of item and writes it.
func (d *Document) AppendDataItem(item *model.DataItem) error {
	if err := d.attach(item); err != nil {
		return err
	}
	if err := d.ctx.WriteDataItem(item); err != nil {
		return fmt.Errorf("append data item %s: %w", item.UUID(), err)
	}
	d.logger.Debug("data item appended", "item", item.UUID())
	return nil
}

func (d *Document) attach(item *model.DataItem) error {
	d.mu.Lock()
	if _, dup := d.byID[item.UUID()]; dup {
		d.mu.Unlock()
		return fmt.Errorf("library: data item %s already in document", item.UUID())
	}
	d.items = append(d.items, item)
	d.byID[item.UUID()] = item
	d.mu.Unlock()

	item.SetDataItemManager(d)
	item.SetPersistentContext(d.ctx)
	if d.cache != nil {
		item.SetStorageCache(d.cache)
	}
	ls := []*event.Listener{
		item.ContentChanged().Listen(func(changes model.ChangeSet) {
			for _, k := range []model.ChangeKind{model.ChangeData, model.ChangeMetadata, model.ChangeDisplays} {
				if changes.Has(k) {
					d.metrics.Notified(kindName(k))
				}
			}
		}),
		item.MetadataChanged().Listen(func(struct{}) {
			d.logger.Debug("data item metadata changed", "item", item.UUID())
		}),
		item.RequestRemoveDataItem().Listen(d.removalRequested),
		item.RequestRemoveRegion().Listen(func(specifier map[string]any) {
			d.mu.Lock()
			d.regions = append(d.regions, RegionRequest{Item: item.UUID(), Specifier: specifier})
			d.mu.Unlock()
			d.logger.Info("region removal requested", "item", item.UUID())
		}),
		item.ComputationChangedOrMutated().Listen(func(c model.ComputationChange) {
			if c.Source == nil {
				return
			}
			d.logger.Debug("computation changed", "item", item.UUID(), "source", c.Source.UUID(), "attached", c.Computation != nil)
		}),
	}
	d.mu.Lock()
	d.listeners[item] = ls
	d.mu.Unlock()
	return nil
}

func kindName(k model.ChangeKind) string {
	switch k {
	case model.ChangeData:
		return "data"
	case model.ChangeMetadata:
		return "metadata"
	default:
		return "displays"
	}
}

func (d *Document) removalRequested(item *model.DataItem) {
	req := RemovalRequest{Item: item.UUID()}
	if d.autoRemove && d.Lookup(item.UUID()) == item {
		if err := d.RemoveDataItem(item); err != nil {
			d.logger.Warn("cascade removal failed", "item", item.UUID(), "error", err)
		} else {
			req.Applied = true
		}
	}
	d.mu.Lock()
	d.removals = append(d.removals, req)
	d.mu.Unlock()
	d.logger.Info("data item removal requested", "item", item.UUID(), "applied", req.Applied)
}

// RemoveDataItem removes item from the document, closes it and deletes its
// stored form. Items referencing it keep the reference id but lose the
// resolved item.
func (d *Document) RemoveDataItem(item *model.DataItem) error {
	d.mu.Lock()
	if d.byID[item.UUID()] != item {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownItem, item.UUID())
	}
	delete(d.byID, item.UUID())
	for i, it := range d.items {
		if it == item {
			d.items = append(d.items[:i:i], d.items[i+1:]...)
			break
		}
	}
	ls := d.listeners[item]
	delete(d.listeners, item)
	others := append([]*model.DataItem(nil), d.items...)
	d.mu.Unlock()

	for _, other := range others {
		for _, ref := range other.DataItems() {
			if ref == item {
				other.ConnectDataItems(d.Lookup)
				break
			}
		}
	}
	item.AboutToBeRemoved()
	for _, l := range ls {
		l.Close()
	}
	item.Close()
	if err := d.ctx.DeleteDataItem(item); err != nil {
		return fmt.Errorf("delete data item %s: %w", item.UUID(), err)
	}
	d.logger.Debug("data item removed", "item", item.UUID())
	return nil
}

// ComputationChanged records the computation now attached to source; a nil
// computation clears it.
func (d *Document) ComputationChanged(source *model.BufferedDataSource, computation model.Computation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if computation == nil {
		delete(d.computations, source.UUID())
		return
	}
	d.computations[source.UUID()] = computation
}

// ComputationFor returns the computation recorded for a source.
func (d *Document) ComputationFor(source uuid.UUID) (model.Computation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.computations[source]
	return c, ok
}

// RemovalRequests returns the removal requests seen so far.
func (d *Document) RemovalRequests() []RemovalRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RemovalRequest(nil), d.removals...)
}

// RegionRequests returns the region removal requests seen so far.
func (d *Document) RegionRequests() []RegionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RegionRequest(nil), d.regions...)
}

// CountedDataItems counts, for each item in the document, its presence plus
// every reference to it from another item in the document. Removed items
// are absent and so count zero.
func (d *Document) CountedDataItems() map[*model.DataItem]int {
	items := d.DataItems()
	counts := make(map[*model.DataItem]int, len(items))
	for _, it := range items {
		counts[it]++
	}
	for _, it := range items {
		for _, ref := range it.DataItems() {
			if _, ok := counts[ref]; ok {
				counts[ref]++
			}
		}
	}
	return counts
}

// LoadReport lists what Load could not restore.
type LoadReport struct {
	Loaded     int
	Failed     map[uuid.UUID]error
	Unresolved map[uuid.UUID][]uuid.UUID
}

// OK reports whether every record loaded and every reference resolved.
func (r LoadReport) OK() bool { return len(r.Failed) == 0 && len(r.Unresolved) == 0 }

// Load reads every stored data item into the document and then resolves
// cross references. Records that fail to read are reported and skipped.
func (d *Document) Load(ctx context.Context) (LoadReport, error) {
	report := LoadReport{Failed: map[uuid.UUID]error{}, Unresolved: map[uuid.UUID][]uuid.UUID{}}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	records, err := d.ctx.Records()
	if err != nil {
		return report, fmt.Errorf("list data items: %w", err)
	}
	var loaded []*model.DataItem
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if rec.Type != model.DataItemType {
			continue
		}
		if d.Lookup(rec.ID) != nil {
			continue
		}
		item, err := model.NewDataItem(nil, d.itemOpts...)
		if err != nil {
			return report, err
		}
		if err := entity.Read(item, rec.Properties); err != nil {
			report.Failed[rec.ID] = err
			d.logger.Warn("read data item failed", "item", rec.ID, "error", err)
			continue
		}
		if err := d.attach(item); err != nil {
			report.Failed[rec.ID] = err
			continue
		}
		loaded = append(loaded, item)
	}
	for _, item := range loaded {
		if missing := item.ConnectDataItems(d.Lookup); len(missing) > 0 {
			report.Unresolved[item.UUID()] = missing
		}
	}
	report.Loaded = len(loaded)
	d.logger.Info("library loaded", "items", report.Loaded, "failed", len(report.Failed), "unresolved", len(report.Unresolved))
	return report, nil
}

// Close removes every listener and closes every item without deleting
// anything from storage.
func (d *Document) Close() {
	d.mu.Lock()
	items := d.items
	d.items = nil
	d.byID = make(map[uuid.UUID]*model.DataItem)
	listeners := d.listeners
	d.listeners = make(map[*model.DataItem][]*event.Listener)
	d.mu.Unlock()
	for _, item := range items {
		for _, l := range listeners[item] {
			l.Close()
		}
		item.AboutToBeRemoved()
		item.Close()
	}
}

// countingCache reports every entry that reaches the configured cache
// store, including those spilled after a transaction.
type countingCache struct {
	cache.Store
	metrics observability.Recorder
}

func (c *countingCache) Set(id uuid.UUID, key string, value any) error {
	if err := c.Store.Set(id, key, value); err != nil {
		return err
	}
	c.metrics.CacheWritten(1)
	return nil
}

func (c *countingCache) Remove(id uuid.UUID, key string) error {
	if err := c.Store.Remove(id, key); err != nil {
		return err
	}
	c.metrics.CacheWritten(1)
	return nil
}
