package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagecore/internal/cache"
	"imagecore/internal/entity"
	"imagecore/internal/event"
	"imagecore/internal/logging"
	"imagecore/pkg/ndarray"
	"imagecore/pkg/xdata"
)

const (
	// DataItemType is the stored discriminator of data items.
	DataItemType = "data-item"
	// WriterVersion is written with every data item. Items stored by a newer
	// writer are rejected on read.
	WriterVersion = 10

	CategoryPersistent = "persistent"
	CategoryTemporary  = "temporary"

	// Untitled is the title of a data item that never got one.
	Untitled = "Untitled"

	descriptionKey = "description"
)

var sessionIDPattern = regexp.MustCompile(`^\d{8}-\d{6}$`)

var dataItemSchema = entity.NewSchema(DataItemType).
	Property(entity.PropertySpec{Name: "created", Converter: entity.TimeConverter{}}).
	Property(entity.PropertySpec{Name: "metadata", Default: map[string]any{}, CopyOnRead: true}).
	Property(entity.PropertySpec{Name: "source_file_path", Validate: validateSourceFilePath}).
	Property(entity.PropertySpec{Name: "session_id", Validate: validateSessionID}).
	Property(entity.PropertySpec{Name: "data_item_uuids", Default: []uuid.UUID{}, Converter: entity.UUIDListConverter{}, CopyOnRead: true}).
	Property(entity.PropertySpec{Name: "category", Default: CategoryPersistent, Validate: validateCategory}).
	Property(entity.PropertySpec{Name: "session_metadata", Default: map[string]any{}, CopyOnRead: true}).
	Property(entity.PropertySpec{Name: "r_var", Hidden: true}).
	Relationship(entity.RelationshipSpec{Name: "data_sources", Factory: DataSourceFactory}).
	Relationship(entity.RelationshipSpec{Name: "connections", Factory: ConnectionFactory})

func validateSessionID(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	if s == "" {
		return s, nil
	}
	if !sessionIDPattern.MatchString(s) {
		return nil, errors.New("expected YYYYMMDD-HHMMSS")
	}
	if _, err := time.Parse("20060102-150405", s); err != nil {
		return nil, err
	}
	return s, nil
}

func validateSourceFilePath(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	if s == "" {
		return s, nil
	}
	return filepath.ToSlash(filepath.Clean(s)), nil
}

func validateCategory(v any) (any, error) {
	switch v {
	case CategoryPersistent, CategoryTemporary:
		return v, nil
	}
	return nil, fmt.Errorf("expected %q or %q", CategoryPersistent, CategoryTemporary)
}

// DataItemFactory builds data items from their stored discriminator.
func DataItemFactory(typ string) entity.Persistent {
	if typ == DataItemType || typ == "" {
		return newDataItem(buildOptions(nil))
	}
	return nil
}

// sourceWiring is what a data item attaches to each of its sources.
type sourceWiring struct {
	listeners    []*event.Listener
	subscription *event.Subscription[xdata.DataAndCalibration]
	pinned       bool
}

// DataItem groups buffered data sources with connections, references to
// other data items and descriptive metadata. Mutations are batched through
// change scopes: the outermost scope end fires ContentChanged once with the
// deduplicated change set and, when a persistent context is attached and
// writes are not delayed, writes the item.
type DataItem struct {
	*entity.Object
	opts options

	changeMu        sync.Mutex
	changeCount     int
	changes         ChangeSet
	metadataPending bool

	managerMu sync.Mutex
	manager   DataItemManager

	txMu    sync.Mutex
	txCount int

	stateMu            sync.Mutex
	context            PersistentContext
	lookup             func(uuid.UUID) *DataItem
	dataItems          []*DataItem
	wiring             map[*BufferedDataSource]*sourceWiring
	storageCache       *cache.Suspendable
	inTransaction      bool
	writeDelayModified int64
	pendingWrite       bool
	live               int
	aboutToBeRemoved   bool
	closed             bool

	contentChanged              event.Event[ChangeSet]
	metadataChanged             event.Event[struct{}]
	requestRemoveRegion         event.Event[map[string]any]
	requestRemoveDataItem       event.Event[*DataItem]
	computationChangedOrMutated event.Event[ComputationChange]
}

// NewDataItem returns an empty data item, or one holding a single source
// with data when data is non-nil.
func NewDataItem(data *ndarray.Array, opts ...Option) (*DataItem, error) {
	d := newDataItem(buildOptions(opts))
	d.MustSet("created", d.opts.now())
	if data != nil {
		s, err := NewBufferedDataSource(data, d.opts.inherited()...)
		if err != nil {
			return nil, err
		}
		d.AppendDataSource(s)
	}
	return d, nil
}

func newDataItem(o options) *DataItem {
	d := &DataItem{
		Object:       entity.New(dataItemSchema),
		opts:         o,
		wiring:       make(map[*BufferedDataSource]*sourceWiring),
		pendingWrite: true,
	}
	if o.id != uuid.Nil {
		d.SetUUID(o.id)
	}
	for _, name := range dataItemSchema.PropertyNames() {
		d.OnPropertyChanged(name, func(any) { d.propertyChanged(name) })
	}
	d.OnInsert("data_sources", d.dataSourceInserted)
	d.OnRemove("data_sources", d.dataSourceRemoved)
	d.OnRemove("connections", func(_ int, child entity.Persistent) {
		child.(Connection).Close()
	})
	return d
}

func (d *DataItem) logger() logging.Logger { return d.opts.logger }

func (d *DataItem) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.Title(), d.UUID(), d.DateForSorting().Format(time.RFC3339))
}

// ---- events ----

// ContentChanged fires once per outermost change scope with what changed.
func (d *DataItem) ContentChanged() *event.Event[ChangeSet] { return &d.contentChanged }

// MetadataChanged fires once per outermost change scope that touched the
// metadata, the creation time or the r-value.
func (d *DataItem) MetadataChanged() *event.Event[struct{}] { return &d.metadataChanged }

// RequestRemoveRegion forwards region removal requests from the sources.
func (d *DataItem) RequestRemoveRegion() *event.Event[map[string]any] {
	return &d.requestRemoveRegion
}

// RequestRemoveDataItem fires when a source's computation lost a
// cascade-delete input. It stays silent once removal has begun.
func (d *DataItem) RequestRemoveDataItem() *event.Event[*DataItem] {
	return &d.requestRemoveDataItem
}

// ComputationChangedOrMutated forwards the sources' computation reports
// with DataItem set.
func (d *DataItem) ComputationChangedOrMutated() *event.Event[ComputationChange] {
	return &d.computationChangedOrMutated
}

// ---- change batching ----

// BeginDataItemChanges opens a change scope; pair it with
// EndDataItemChanges.
func (d *DataItem) BeginDataItemChanges() {
	d.changeMu.Lock()
	d.changeCount++
	d.changeMu.Unlock()
}

// EndDataItemChanges closes a change scope. Closing the outermost one
// reports the collected changes.
func (d *DataItem) EndDataItemChanges() {
	d.changeMu.Lock()
	d.changeCount--
	if d.changeCount < 0 {
		d.changeCount = 0
		d.changeMu.Unlock()
		invariant(false, "data item %s: unbalanced change scope", d.UUID())
	}
	var changes ChangeSet
	var metadata bool
	if d.changeCount == 0 {
		changes, metadata = d.changes, d.metadataPending
		d.changes, d.metadataPending = 0, false
	}
	d.changeMu.Unlock()
	if changes.Empty() {
		return
	}
	if metadata {
		d.metadataChanged.Fire(struct{}{})
	}
	d.contentChanged.Fire(changes)
	d.persist()
}

// DataItemChanges opens a change scope and returns its guard.
func (d *DataItem) DataItemChanges() *ChangeScope {
	d.BeginDataItemChanges()
	return newChangeScope(d.EndDataItemChanges)
}

// NotifyContentChanged adds changes to the current batch.
func (d *DataItem) NotifyContentChanged(changes ChangeSet) {
	d.BeginDataItemChanges()
	d.changeMu.Lock()
	d.changes |= changes
	d.changeMu.Unlock()
	d.EndDataItemChanges()
}

func (d *DataItem) propertyChanged(name string) {
	d.BeginDataItemChanges()
	d.changeMu.Lock()
	d.changes |= ChangeSet(ChangeMetadata)
	switch name {
	case "created", "metadata", "r_var":
		d.metadataPending = true
	}
	d.changeMu.Unlock()
	d.EndDataItemChanges()
}

// persist writes the item unless it has no context, is closed or has its
// writes delayed.
func (d *DataItem) persist() {
	d.stateMu.Lock()
	ctx, closed := d.context, d.closed
	d.stateMu.Unlock()
	if ctx == nil || closed || d.IsReading() {
		return
	}
	if st := ctx.PersistentStorageFor(d); st != nil && st.WriteDelayed() {
		return
	}
	if err := ctx.WriteDataItem(d); err != nil {
		d.logger().Error("write data item failed", "item", d.UUID(), "error", err)
	}
}

// ---- descriptive properties ----

// Created returns the creation time.
func (d *DataItem) Created() time.Time {
	t, _ := d.Get("created").(time.Time)
	return t
}

// SetCreated replaces the creation time.
func (d *DataItem) SetCreated(t time.Time) { d.MustSet("created", t.UTC()) }

// Metadata returns a deep copy of the item metadata.
func (d *DataItem) Metadata() map[string]any {
	m, _ := d.Get("metadata").(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

// SetMetadata replaces the item metadata.
func (d *DataItem) SetMetadata(m map[string]any) {
	if m == nil {
		m = map[string]any{}
	}
	d.MustSet("metadata", m)
}

func (d *DataItem) description() map[string]any {
	desc, _ := d.Metadata()[descriptionKey].(map[string]any)
	return desc
}

func (d *DataItem) setDescription(key string, value any) {
	m := d.Metadata()
	desc, _ := m[descriptionKey].(map[string]any)
	if desc == nil {
		desc = map[string]any{}
	}
	desc[key] = value
	m[descriptionKey] = desc
	d.SetMetadata(m)
}

// Title returns the title, Untitled when none was set.
func (d *DataItem) Title() string {
	if t, ok := d.description()["title"].(string); ok {
		return t
	}
	return Untitled
}

// SetTitle replaces the title.
func (d *DataItem) SetTitle(title string) { d.setDescription("title", title) }

// Caption returns the caption.
func (d *DataItem) Caption() string {
	c, _ := d.description()["caption"].(string)
	return c
}

// SetCaption replaces the caption.
func (d *DataItem) SetCaption(caption string) { d.setDescription("caption", caption) }

// Rating returns the star rating in [0, 5].
func (d *DataItem) Rating() int {
	n, _ := toInt(d.description()["rating"])
	return n
}

// SetRating stores v clamped to [0, 5]. v must be numeric or a numeric
// string.
func (d *DataItem) SetRating(v any) error {
	n, ok := toInt(v)
	if !ok {
		return &ValidationError{Field: "rating", Value: v, Err: errors.New("not a number")}
	}
	d.setDescription("rating", min(max(n, 0), 5))
	return nil
}

// Flag returns the flag in {-1, 0, 1}.
func (d *DataItem) Flag() int {
	n, _ := toInt(d.description()["flag"])
	return n
}

// SetFlag stores v clamped to [-1, 1].
func (d *DataItem) SetFlag(v any) error {
	n, ok := toInt(v)
	if !ok {
		return &ValidationError{Field: "flag", Value: v, Err: errors.New("not a number")}
	}
	d.setDescription("flag", min(max(n, -1), 1))
	return nil
}

// SessionID returns the acquisition session, empty when unknown.
func (d *DataItem) SessionID() string {
	s, _ := d.Get("session_id").(string)
	return s
}

// SetSessionID stores a YYYYMMDD-HHMMSS session id. The empty string clears
// it.
func (d *DataItem) SetSessionID(id string) error { return d.Set("session_id", id) }

// SourceFilePath returns the file the item was imported from.
func (d *DataItem) SourceFilePath() string {
	s, _ := d.Get("source_file_path").(string)
	return s
}

// SetSourceFilePath stores the normalised import path.
func (d *DataItem) SetSourceFilePath(path string) {
	d.MustSet("source_file_path", path)
}

// Category returns CategoryPersistent or CategoryTemporary.
func (d *DataItem) Category() string {
	s, _ := d.Get("category").(string)
	return s
}

// SetCategory switches between persistent and temporary.
func (d *DataItem) SetCategory(category string) error { return d.Set("category", category) }

// SessionMetadata returns a deep copy of the session metadata.
func (d *DataItem) SessionMetadata() map[string]any {
	m, _ := d.Get("session_metadata").(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

// SetSessionMetadata replaces the session metadata.
func (d *DataItem) SetSessionMetadata(m map[string]any) {
	if m == nil {
		m = map[string]any{}
	}
	d.MustSet("session_metadata", m)
}

// RValue returns the scripting variable name bound to this item. It is
// session state and never persisted.
func (d *DataItem) RValue() string {
	s, _ := d.Get("r_var").(string)
	return s
}

// SetRValue binds the scripting variable name.
func (d *DataItem) SetRValue(name string) {
	if name == "" {
		d.MustSet("r_var", nil)
		return
	}
	d.MustSet("r_var", name)
}

// DisplayedTitle is the title followed by the r-value, if any.
func (d *DataItem) DisplayedTitle() string {
	if r := d.RValue(); r != "" {
		return fmt.Sprintf("%s (%s)", d.Title(), r)
	}
	return d.Title()
}

// DateForSorting is the latest modification among the sources, preferring
// the acquisition-side time, or the creation time without sources.
func (d *DataItem) DateForSorting() time.Time {
	var latest time.Time
	sources := d.DataSources()
	for _, s := range sources {
		t := s.SourceDataModified()
		if t.IsZero() {
			t = s.DataModified()
		}
		if t.IsZero() {
			t = d.Created()
		}
		if t.After(latest) {
			latest = t
		}
	}
	if len(sources) == 0 {
		return d.Created()
	}
	return latest
}

// ---- live state ----

// IsLive reports whether the item is under acquisition.
func (d *DataItem) IsLive() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.live > 0
}

// EnterLiveState marks the item as under acquisition. Calls nest.
func (d *DataItem) EnterLiveState() {
	d.stateMu.Lock()
	d.live++
	d.stateMu.Unlock()
	d.NotifyContentChanged(Changes(ChangeMetadata))
}

// ExitLiveState undoes one EnterLiveState.
func (d *DataItem) ExitLiveState() {
	d.stateMu.Lock()
	live := d.live
	if live > 0 {
		d.live--
	}
	d.stateMu.Unlock()
	invariant(live > 0, "data item %s: ExitLiveState without EnterLiveState", d.UUID())
	d.NotifyContentChanged(Changes(ChangeMetadata))
}

// ---- data sources ----

// DataSources returns the sources in order; the first is the primary one.
func (d *DataItem) DataSources() []*BufferedDataSource {
	items := d.Items("data_sources")
	out := make([]*BufferedDataSource, 0, len(items))
	for _, it := range items {
		out = append(out, it.(*BufferedDataSource))
	}
	return out
}

// PrimaryDataSource returns the first source, or nil.
func (d *DataItem) PrimaryDataSource() *BufferedDataSource {
	sources := d.DataSources()
	if len(sources) == 0 {
		return nil
	}
	return sources[0]
}

// MaybeDataSource returns the only source, or nil unless there is exactly
// one.
func (d *DataItem) MaybeDataSource() *BufferedDataSource {
	sources := d.DataSources()
	if len(sources) != 1 {
		return nil
	}
	return sources[0]
}

// AppendDataSource adds s at the end.
func (d *DataItem) AppendDataSource(s *BufferedDataSource) { d.AppendItem("data_sources", s) }

// InsertDataSource adds s at index.
func (d *DataItem) InsertDataSource(index int, s *BufferedDataSource) {
	d.InsertItem("data_sources", index, s)
}

// RemoveDataSource removes, disconnects and closes s.
func (d *DataItem) RemoveDataSource(s *BufferedDataSource) { d.RemoveItem("data_sources", s) }

func (d *DataItem) dataSourceInserted(_ int, child entity.Persistent) {
	s := child.(*BufferedDataSource)
	scope := d.DataItemChanges()
	defer scope.End()

	s.setDependentDataItem(d.UUID())
	s.setLogger(d.logger())
	s.SetDataItemManager(d.DataItemManager())

	d.stateMu.Lock()
	ctx, sc, inTx := d.context, d.storageCache, d.inTransaction
	d.stateMu.Unlock()
	s.SetPersistentContext(ctx)
	if sc != nil {
		s.SetStorageCache(sc)
	}

	w := &sourceWiring{}
	w.listeners = []*event.Listener{
		s.RequestRemoveDataItem().Listen(func(struct{}) { d.forwardRemoveRequest() }),
		s.RequestRemoveRegion().Listen(func(specifier map[string]any) { d.requestRemoveRegion.Fire(specifier) }),
		s.ComputationChangedOrMutated().Listen(func(c ComputationChange) {
			c.DataItem = d
			d.computationChangedOrMutated.Fire(c)
		}),
	}
	d.stateMu.Lock()
	d.wiring[s] = w
	d.stateMu.Unlock()

	d.computationChangedOrMutated.Fire(ComputationChange{DataItem: d, Source: s, Computation: s.Computation()})
	if inTx {
		d.pin(s)
	}

	sub, err := s.Publisher().Subscribe(func(xdata.DataAndCalibration) {
		if !d.IsReading() {
			d.NotifyContentChanged(Changes(ChangeData))
		}
	})
	if err != nil {
		d.logger().Warn("subscribe to data source failed", "item", d.UUID(), "source", s.UUID(), "error", err)
	}
	d.stateMu.Lock()
	w.subscription = sub
	d.stateMu.Unlock()

	d.NotifyContentChanged(Changes(ChangeData))
}

func (d *DataItem) dataSourceRemoved(_ int, child entity.Persistent) {
	s := child.(*BufferedDataSource)
	s.AboutToBeRemoved()
	d.disconnect(s)
	s.Close()
	if !d.IsReading() {
		d.NotifyContentChanged(Changes(ChangeData))
	}
}

func (d *DataItem) disconnect(s *BufferedDataSource) {
	d.stateMu.Lock()
	w := d.wiring[s]
	delete(d.wiring, s)
	d.stateMu.Unlock()
	if w == nil {
		return
	}
	if w.subscription != nil {
		w.subscription.Close()
	}
	s.setDependentDataItem(uuid.Nil)
	s.SetDataItemManager(nil)
	for _, l := range w.listeners {
		l.Close()
	}
	if w.pinned {
		s.DecrementDataRefCount()
	}
}

func (d *DataItem) forwardRemoveRequest() {
	d.stateMu.Lock()
	skip := d.aboutToBeRemoved || d.closed
	d.stateMu.Unlock()
	if !skip {
		d.requestRemoveDataItem.Fire(d)
	}
}

// ---- connections ----

// Connections returns the owned connections.
func (d *DataItem) Connections() []Connection {
	items := d.Items("connections")
	out := make([]Connection, 0, len(items))
	for _, it := range items {
		out = append(out, it.(Connection))
	}
	return out
}

// AddConnection takes ownership of c.
func (d *DataItem) AddConnection(c Connection) { d.AppendItem("connections", c) }

// RemoveConnection removes and closes c.
func (d *DataItem) RemoveConnection(c Connection) { d.RemoveItem("connections", c) }

// ---- cross references ----

// DataItemIDs returns the referenced item UUIDs in order.
func (d *DataItem) DataItemIDs() []uuid.UUID {
	ids, _ := d.Get("data_item_uuids").([]uuid.UUID)
	return ids
}

// ConnectDataItems resolves the stored references through lookup and
// returns the ones it could not resolve. Unresolved references stay stored.
func (d *DataItem) ConnectDataItems(lookup func(uuid.UUID) *DataItem) []uuid.UUID {
	var resolved []*DataItem
	var missing []uuid.UUID
	for _, id := range d.DataItemIDs() {
		other := lookup(id)
		if other == nil {
			d.logger().Debug("data item not found", "item", d.UUID(), "reference", id)
			missing = append(missing, id)
			continue
		}
		resolved = append(resolved, other)
	}
	d.stateMu.Lock()
	d.dataItems = resolved
	d.lookup = lookup
	d.stateMu.Unlock()
	return missing
}

// DataItems returns the resolved referenced items.
func (d *DataItem) DataItems() []*DataItem {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return append([]*DataItem(nil), d.dataItems...)
}

// AppendDataItem references other at the end.
func (d *DataItem) AppendDataItem(other *DataItem) {
	d.InsertDataItem(len(d.DataItems()), other)
}

// InsertDataItem references other at index.
func (d *DataItem) InsertDataItem(index int, other *DataItem) {
	d.stateMu.Lock()
	dup := slices.Contains(d.dataItems, other)
	inRange := index >= 0 && index <= len(d.dataItems)
	if dup || !inRange {
		d.stateMu.Unlock()
		invariant(!dup, "data item %s: %s referenced twice", d.UUID(), other.UUID())
		invariant(inRange, "data item %s: reference index %d out of range", d.UUID(), index)
	}
	d.dataItems = append(d.dataItems, nil)
	copy(d.dataItems[index+1:], d.dataItems[index:])
	d.dataItems[index] = other
	d.stateMu.Unlock()

	ids := d.DataItemIDs()
	pos := min(index, len(ids))
	ids = append(ids, uuid.Nil)
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = other.UUID()
	d.MustSet("data_item_uuids", ids)
}

// RemoveDataItem drops the reference to other.
func (d *DataItem) RemoveDataItem(other *DataItem) {
	d.stateMu.Lock()
	index := slices.Index(d.dataItems, other)
	if index < 0 {
		d.stateMu.Unlock()
		invariant(false, "data item %s: %s is not referenced", d.UUID(), other.UUID())
	}
	d.dataItems = append(d.dataItems[:index:index], d.dataItems[index+1:]...)
	d.stateMu.Unlock()

	ids := d.DataItemIDs()
	id := other.UUID()
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	d.MustSet("data_item_uuids", ids)
}

// ---- data references ----

// IncrementDataRefCounts takes a data reference on every source of this
// item and of every item it references. On failure the references already
// taken are released and the error is returned.
func (d *DataItem) IncrementDataRefCounts() error {
	var taken []*BufferedDataSource
	err := d.walkSources(map[*DataItem]bool{}, func(s *BufferedDataSource) error {
		if _, err := s.IncrementDataRefCount(); err != nil {
			return err
		}
		taken = append(taken, s)
		return nil
	})
	if err != nil {
		for _, s := range taken {
			s.DecrementDataRefCount()
		}
	}
	return err
}

// DecrementDataRefCounts releases what IncrementDataRefCounts took.
func (d *DataItem) DecrementDataRefCounts() {
	_ = d.walkSources(map[*DataItem]bool{}, func(s *BufferedDataSource) error {
		s.DecrementDataRefCount()
		return nil
	})
}

func (d *DataItem) walkSources(seen map[*DataItem]bool, fn func(*BufferedDataSource) error) error {
	if seen[d] {
		return nil
	}
	seen[d] = true
	for _, s := range d.DataSources() {
		if err := fn(s); err != nil {
			return err
		}
	}
	for _, other := range d.DataItems() {
		if err := other.walkSources(seen, fn); err != nil {
			return err
		}
	}
	return nil
}

// ---- collaborators ----

// SetDataItemManager hands m to every source.
func (d *DataItem) SetDataItemManager(m DataItemManager) {
	d.managerMu.Lock()
	defer d.managerMu.Unlock()
	d.manager = m
	for _, s := range d.DataSources() {
		s.SetDataItemManager(m)
	}
}

// DataItemManager returns the current manager.
func (d *DataItem) DataItemManager() DataItemManager {
	d.managerMu.Lock()
	defer d.managerMu.Unlock()
	return d.manager
}

// SetStorageCache wraps c in a suspendable cache shared by every source.
func (d *DataItem) SetStorageCache(c cache.Store) {
	var sc *cache.Suspendable
	var store cache.Store
	if c != nil {
		sc = cache.NewSuspendable(c)
		store = sc
	}
	d.stateMu.Lock()
	d.storageCache = sc
	inTx := d.inTransaction
	d.stateMu.Unlock()
	if inTx && sc != nil {
		sc.SuspendCache()
	}
	for _, s := range d.DataSources() {
		s.SetStorageCache(store)
	}
}

// StorageCache returns the suspendable wrapper, or nil.
func (d *DataItem) StorageCache() *cache.Suspendable {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.storageCache
}

// PersistentContext returns the attached storage collaborator.
func (d *DataItem) PersistentContext() PersistentContext {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.context
}

// SetPersistentContext attaches storage to the item and its sources. Inside
// a transaction the write delay is re-established against the new context.
func (d *DataItem) SetPersistentContext(ctx PersistentContext) {
	d.stateMu.Lock()
	d.context = ctx
	inTx := d.inTransaction
	d.stateMu.Unlock()
	for _, s := range d.DataSources() {
		s.SetPersistentContext(ctx)
	}
	if inTx {
		d.enterWriteDelay()
	}
}

// Properties returns the stored form of the item, empty without a context.
func (d *DataItem) Properties() (entity.Properties, error) {
	ctx := d.PersistentContext()
	if ctx == nil {
		return entity.Properties{}, nil
	}
	return ctx.Properties(d)
}

// ---- persistence hooks ----

// WriteTo adds the writer version to the stored form.
func (d *DataItem) WriteTo() entity.Properties {
	props := d.Object.WriteTo()
	props["version"] = WriterVersion
	return props
}

// ReadFrom replaces the item with its stored form. Nothing read is reported
// as a change and the item no longer counts as never written. Called
// outside a reading bracket, it opens one and closes it on return so the
// rebuilt sources notify again afterwards.
func (d *DataItem) ReadFrom(props entity.Properties) error {
	if v, ok := toInt(props["version"]); ok && v > WriterVersion {
		return fmt.Errorf("%w: data item version %d, reader version %d", ErrVersion, v, WriterVersion)
	}
	if !d.IsReading() {
		d.BeginReading()
		defer d.FinishReading()
	}
	d.BeginDataItemChanges()
	for _, s := range d.DataSources() {
		d.RemoveDataSource(s)
	}
	for _, c := range d.Connections() {
		d.RemoveConnection(c)
	}
	err := d.Object.ReadFrom(props)
	d.changeMu.Lock()
	d.changes, d.metadataPending = 0, false
	d.changeMu.Unlock()
	d.EndDataItemChanges()

	d.stateMu.Lock()
	d.pendingWrite = false
	d.stateMu.Unlock()
	return err
}

// ---- copies ----

// DeepCopy duplicates the item with new identities and independent buffers.
// References to other items are not copied.
func (d *DataItem) DeepCopy() (*DataItem, error) {
	return d.copyWith((*BufferedDataSource).DeepCopy)
}

// Snapshot is DeepCopy with every computation burned in.
func (d *DataItem) Snapshot() (*DataItem, error) {
	return d.copyWith((*BufferedDataSource).Snapshot)
}

func (d *DataItem) copyWith(copySource func(*BufferedDataSource) (*BufferedDataSource, error)) (*DataItem, error) {
	cp := newDataItem(buildOptions(d.opts.inherited()))
	scope := cp.DataItemChanges()
	defer scope.End()
	cp.SetMetadata(d.Metadata())
	cp.MustSet("created", d.Created())
	if err := cp.SetSessionID(d.SessionID()); err != nil {
		return nil, err
	}
	cp.SetSourceFilePath(d.SourceFilePath())
	if err := cp.SetCategory(d.Category()); err != nil {
		return nil, err
	}
	cp.SetSessionMetadata(d.SessionMetadata())
	for _, s := range d.DataSources() {
		sc, err := copySource(s)
		if err != nil {
			return nil, err
		}
		cp.AppendDataSource(sc)
	}
	return cp, nil
}

// ---- lifecycle ----

// AboutToBeRemoved must be called before Close. From here on removal
// requests are no longer forwarded.
func (d *DataItem) AboutToBeRemoved() {
	d.stateMu.Lock()
	again := d.aboutToBeRemoved
	d.aboutToBeRemoved = true
	d.stateMu.Unlock()
	invariant(!again, "data item %s: AboutToBeRemoved called twice", d.UUID())
	for _, s := range d.DataSources() {
		s.AboutToBeRemoved()
	}
}

// Close disconnects and closes every source and connection.
func (d *DataItem) Close() {
	d.stateMu.Lock()
	removing, closed := d.aboutToBeRemoved, d.closed
	d.stateMu.Unlock()
	invariant(removing, "data item %s: Close before AboutToBeRemoved", d.UUID())
	invariant(!closed, "data item %s: closed twice", d.UUID())

	for _, s := range d.DataSources() {
		d.disconnect(s)
		s.Close()
	}
	for _, c := range d.Connections() {
		c.Close()
	}

	d.stateMu.Lock()
	d.closed = true
	d.lookup = nil
	d.dataItems = nil
	d.stateMu.Unlock()
}

// IsClosed reports whether Close ran.
func (d *DataItem) IsClosed() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.closed
}
