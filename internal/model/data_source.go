package model

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagecore/internal/cache"
	"imagecore/internal/display"
	"imagecore/internal/entity"
	"imagecore/internal/event"
	"imagecore/internal/logging"
	"imagecore/internal/symbolic"
	"imagecore/pkg/calibration"
	"imagecore/pkg/ndarray"
	"imagecore/pkg/xdata"
)

// DataSourceType is the stored discriminator of buffered data sources.
const DataSourceType = "buffered-data-source"

var dataSourceSchema = entity.NewSchema(DataSourceType).
	Property(entity.PropertySpec{Name: "data_shape", Converter: entity.IntListConverter{}}).
	Property(entity.PropertySpec{Name: "data_dtype", Converter: dtypeConverter{}}).
	Property(entity.PropertySpec{Name: "intensity_calibration", Default: calibration.Default(), Converter: calibrationConverter{}}).
	Property(entity.PropertySpec{Name: "dimensional_calibrations", Default: []calibration.Calibration{}, Converter: calibrationListConverter{}, CopyOnRead: true}).
	Property(entity.PropertySpec{Name: "metadata", Default: map[string]any{}, CopyOnRead: true}).
	Property(entity.PropertySpec{Name: "created", Converter: entity.TimeConverter{}}).
	Property(entity.PropertySpec{Name: "data_modified", Converter: entity.TimeConverter{}}).
	Property(entity.PropertySpec{Name: "source_data_modified", Converter: entity.TimeConverter{}}).
	Item(entity.ItemSpec{Name: "computation", Factory: symbolic.Factory}).
	Relationship(entity.RelationshipSpec{Name: "displays", Factory: display.Factory})

// DataSourceFactory builds data sources from their stored discriminator.
func DataSourceFactory(typ string) entity.Persistent {
	if typ == DataSourceType || typ == "" {
		return newDataSource(buildOptions([]Option{WithoutDefaultDisplay()}))
	}
	return nil
}

// BufferedDataSource owns one numeric buffer together with its calibrations,
// metadata, displays and optional computation. The buffer is loaded from the
// persistent context while at least one data reference is held and dropped
// again when the last one is released.
type BufferedDataSource struct {
	*entity.Object
	opts options

	dataMu sync.Mutex
	data   *ndarray.Array

	refMu    sync.Mutex
	refCount int

	changeMu        sync.Mutex
	changeCount     int
	changePending   bool
	metadataPending bool

	managerMu sync.Mutex
	manager   DataItemManager

	stateMu              sync.Mutex
	context              PersistentContext
	dependent            uuid.UUID
	storageCache         cache.Store
	computationListeners []*event.Listener
	aboutToBeRemoved     bool
	closed               bool

	publisher *event.Publisher[xdata.DataAndCalibration]

	computationChangedOrMutated event.Event[ComputationChange]
	dataAndMetadataChanged      event.Event[struct{}]
	metadataChanged             event.Event[struct{}]
	displaysChanged             event.Event[struct{}]
	requestRemoveDataItem       event.Event[struct{}]
	requestRemoveRegion         event.Event[map[string]any]
}

// NewBufferedDataSource returns a source holding data (which may be nil).
// Unless WithoutDefaultDisplay is given the source starts with one display.
func NewBufferedDataSource(data *ndarray.Array, opts ...Option) (*BufferedDataSource, error) {
	if data != nil && !data.HasShape() {
		return nil, ErrInvalidBuffer
	}
	s := newDataSource(buildOptions(opts))
	s.MustSet("created", s.opts.now())
	if !s.opts.noDisplay {
		s.AddDisplay(display.New())
	}
	if data != nil {
		if err := s.setData(data, s.opts.now()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newDataSource(o options) *BufferedDataSource {
	s := &BufferedDataSource{Object: entity.New(dataSourceSchema), opts: o}
	if o.id != uuid.Nil {
		s.SetUUID(o.id)
	}
	s.publisher = event.NewPublisher[xdata.DataAndCalibration]()
	s.publisher.OnSubscribe = func() (xdata.DataAndCalibration, bool) {
		return s.DataAndCalibration(), true
	}
	for _, name := range []string{"intensity_calibration", "dimensional_calibrations", "metadata", "created", "source_data_modified"} {
		s.OnPropertyChanged(name, func(any) { s.propertyChanged() })
	}
	s.OnItemChanged("computation", s.computationItemChanged)
	s.OnInsert("displays", s.displayInserted)
	s.OnRemove("displays", s.displayRemoved)
	return s
}

func (s *BufferedDataSource) logger() logging.Logger {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.opts.logger
}

func (s *BufferedDataSource) setLogger(l logging.Logger) {
	s.stateMu.Lock()
	s.opts.logger = logging.OrNoop(l)
	s.stateMu.Unlock()
	for _, d := range s.Displays() {
		if ls, ok := d.(loggerSetter); ok {
			ls.SetLogger(l)
		}
	}
}

// loggerSetter is implemented by displays that report their own failures.
type loggerSetter interface {
	SetLogger(logging.Logger)
}

func (s *BufferedDataSource) inheritedOptions() []Option {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.opts.inherited()
}

// ---- properties ----

// DataShape returns the buffer shape, nil when there is no buffer.
func (s *BufferedDataSource) DataShape() []int {
	shape, _ := s.Get("data_shape").([]int)
	if shape == nil {
		return nil
	}
	return append([]int{}, shape...)
}

// DataDType returns the buffer dtype, empty when there is no buffer.
func (s *BufferedDataSource) DataDType() ndarray.DType {
	d, _ := s.Get("data_dtype").(ndarray.DType)
	return d
}

// DimensionalShape is DataShape without the colour axis.
func (s *BufferedDataSource) DimensionalShape() []int {
	return ndarray.DimensionalShape(s.DataShape(), s.DataDType())
}

// HasData reports whether the source describes a buffer, resident or not.
func (s *BufferedDataSource) HasData() bool {
	return s.DataShape() != nil && s.DataDType() != ""
}

// IntensityCalibration returns the calibration of the data values.
func (s *BufferedDataSource) IntensityCalibration() calibration.Calibration {
	c, ok := s.Get("intensity_calibration").(calibration.Calibration)
	if !ok {
		return calibration.Default()
	}
	return c
}

// SetIntensityCalibration replaces the intensity calibration.
func (s *BufferedDataSource) SetIntensityCalibration(c calibration.Calibration) {
	s.MustSet("intensity_calibration", c)
}

// DimensionalCalibrations returns one calibration per dimensional axis.
func (s *BufferedDataSource) DimensionalCalibrations() []calibration.Calibration {
	list, _ := s.Get("dimensional_calibrations").([]calibration.Calibration)
	return calibration.CloneList(list)
}

// SetDimensionalCalibrations replaces every dimensional calibration.
func (s *BufferedDataSource) SetDimensionalCalibrations(list []calibration.Calibration) {
	s.MustSet("dimensional_calibrations", calibration.CloneList(list))
}

// SetDimensionalCalibration replaces the calibration of one axis.
func (s *BufferedDataSource) SetDimensionalCalibration(axis int, c calibration.Calibration) error {
	list := s.DimensionalCalibrations()
	if axis < 0 || axis >= len(list) {
		return fmt.Errorf("dimensional calibration axis %d out of range [0,%d)", axis, len(list))
	}
	list[axis] = c
	s.SetDimensionalCalibrations(list)
	return nil
}

// Metadata returns a deep copy of the source metadata.
func (s *BufferedDataSource) Metadata() map[string]any {
	m, _ := s.Get("metadata").(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

// SetMetadata replaces the source metadata wholesale.
func (s *BufferedDataSource) SetMetadata(m map[string]any) {
	if m == nil {
		m = map[string]any{}
	}
	s.MustSet("metadata", m)
}

// UpdateMetadata merges the given top-level keys into the metadata.
func (s *BufferedDataSource) UpdateMetadata(changes map[string]any) {
	m := s.Metadata()
	for k, v := range changes {
		m[k] = entity.DeepCopy(v)
	}
	s.SetMetadata(m)
}

// Created returns the creation time.
func (s *BufferedDataSource) Created() time.Time {
	t, _ := s.Get("created").(time.Time)
	return t
}

// SetCreated replaces the creation time.
func (s *BufferedDataSource) SetCreated(t time.Time) { s.MustSet("created", t.UTC()) }

// DataModified returns when the buffer was last replaced.
func (s *BufferedDataSource) DataModified() time.Time {
	t, _ := s.Get("data_modified").(time.Time)
	return t
}

// SourceDataModified returns when the acquisition source last changed the
// data, if it reported it.
func (s *BufferedDataSource) SourceDataModified() time.Time {
	t, _ := s.Get("source_data_modified").(time.Time)
	return t
}

// SetSourceDataModified records the acquisition-side modification time.
func (s *BufferedDataSource) SetSourceDataModified(t time.Time) {
	s.MustSet("source_data_modified", t.UTC())
}

// DependentDataItemID returns the UUID of the owning data item, or uuid.Nil.
func (s *BufferedDataSource) DependentDataItemID() uuid.UUID {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.dependent
}

func (s *BufferedDataSource) setDependentDataItem(id uuid.UUID) {
	s.stateMu.Lock()
	s.dependent = id
	s.stateMu.Unlock()
}

// ---- events ----

// ComputationChangedOrMutated fires when the computation is attached,
// detached or mutated.
func (s *BufferedDataSource) ComputationChangedOrMutated() *event.Event[ComputationChange] {
	return &s.computationChangedOrMutated
}

// DataAndMetadataChanged fires once per outermost change scope that changed
// anything.
func (s *BufferedDataSource) DataAndMetadataChanged() *event.Event[struct{}] {
	return &s.dataAndMetadataChanged
}

// MetadataChanged fires once per outermost change scope that changed
// calibrations, metadata or timestamps.
func (s *BufferedDataSource) MetadataChanged() *event.Event[struct{}] { return &s.metadataChanged }

// DisplaysChanged fires when a display is added or removed.
func (s *BufferedDataSource) DisplaysChanged() *event.Event[struct{}] { return &s.displaysChanged }

// RequestRemoveDataItem fires when the computation's cascade-delete input
// disappeared and the owning item should go.
func (s *BufferedDataSource) RequestRemoveDataItem() *event.Event[struct{}] {
	return &s.requestRemoveDataItem
}

// RequestRemoveRegion fires with the specifier of each region that should
// go because this source is being removed.
func (s *BufferedDataSource) RequestRemoveRegion() *event.Event[map[string]any] {
	return &s.requestRemoveRegion
}

// Publisher streams the latest data-and-calibration snapshot.
func (s *BufferedDataSource) Publisher() *event.Publisher[xdata.DataAndCalibration] {
	return s.publisher
}

// ---- change batching ----

// Changes opens a change scope. Nested scopes coalesce; the outermost End
// publishes one snapshot and fires one notification if anything changed.
func (s *BufferedDataSource) Changes() *ChangeScope {
	s.changeMu.Lock()
	s.changeCount++
	s.changeMu.Unlock()
	return newChangeScope(s.endChanges)
}

func (s *BufferedDataSource) endChanges() {
	s.changeMu.Lock()
	s.changeCount--
	if s.changeCount < 0 {
		s.changeCount = 0
		s.changeMu.Unlock()
		invariant(false, "source %s: unbalanced change scope", s.UUID())
	}
	var fire, metadata bool
	if s.changeCount == 0 {
		fire, metadata = s.changePending, s.metadataPending
		s.changePending, s.metadataPending = false, false
	}
	s.changeMu.Unlock()
	if fire {
		s.notifyDataAndCalibration(metadata)
	}
}

func (s *BufferedDataSource) markChanged(metadata bool) {
	if s.IsReading() {
		return
	}
	s.changeMu.Lock()
	s.changePending = true
	if metadata {
		s.metadataPending = true
	}
	s.changeMu.Unlock()
}

func (s *BufferedDataSource) propertyChanged() {
	scope := s.Changes()
	defer scope.End()
	s.markChanged(true)
}

func (s *BufferedDataSource) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

func (s *BufferedDataSource) notifyDataAndCalibration(metadata bool) {
	if s.isClosed() {
		return
	}
	snapshot := s.DataAndCalibration()
	s.publisher.Publish(snapshot)
	s.dataAndMetadataChanged.Fire(struct{}{})
	if metadata {
		s.metadataChanged.Fire(struct{}{})
	}
	for _, d := range s.Displays() {
		d.UpdateData(snapshot)
	}
}

// DataAndCalibration returns the current snapshot. Its buffer is loaded on
// demand through the reference-counting protocol.
func (s *BufferedDataSource) DataAndCalibration() xdata.DataAndCalibration {
	ts := s.DataModified()
	if ts.IsZero() {
		ts = s.Created()
	}
	return xdata.New(s.DataShape(), s.DataDType(), s.IntensityCalibration(), s.DimensionalCalibrations(), s.Metadata(), ts, s.Data)
}

// ---- buffer ----

// SetData replaces the buffer. A nil buffer clears it. The dimensional
// calibrations are resized to the new rank, new axes getting the identity
// calibration and surplus axes dropped from the end. With a persistent
// context attached the buffer is written out before SetData returns.
func (s *BufferedDataSource) SetData(a *ndarray.Array) error {
	if a != nil && !a.HasShape() {
		return ErrInvalidBuffer
	}
	return s.setData(a, s.opts.now())
}

// SetDataAndCalibration replaces buffer and calibrations in one change
// scope.
func (s *BufferedDataSource) SetDataAndCalibration(a *ndarray.Array, intensity calibration.Calibration, dims []calibration.Calibration) error {
	scope := s.Changes()
	defer scope.End()
	if err := s.SetData(a); err != nil {
		return err
	}
	s.SetIntensityCalibration(intensity)
	s.SetDimensionalCalibrations(dims)
	return nil
}

func (s *BufferedDataSource) setData(a *ndarray.Array, modified time.Time) error {
	scope := s.Changes()
	defer scope.End()

	s.dataMu.Lock()
	s.data = a
	s.dataMu.Unlock()

	s.MustSet("data_modified", modified)
	if a != nil {
		s.MustSet("data_shape", a.Shape())
		s.MustSet("data_dtype", a.DType())
	} else {
		s.MustSet("data_shape", nil)
		s.MustSet("data_dtype", nil)
	}
	s.syncDimensionalCalibrations()
	s.markChanged(false)

	if a == nil {
		return nil
	}
	if ctx := s.PersistentContext(); ctx != nil {
		if err := ctx.RewriteDataItemData(s); err != nil {
			return fmt.Errorf("rewrite data for source %s: %w", s.UUID(), err)
		}
	}
	return nil
}

func (s *BufferedDataSource) syncDimensionalCalibrations() {
	rank := len(s.DimensionalShape())
	list := s.DimensionalCalibrations()
	if len(list) == rank {
		return
	}
	for len(list) < rank {
		list = append(list, calibration.Default())
	}
	s.SetDimensionalCalibrations(list[:rank])
}

// ResidentData returns the buffer currently in memory without touching the
// reference count. Persistence code uses it to write what is resident.
func (s *BufferedDataSource) ResidentData() *ndarray.Array {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.data
}

// IsDataLoaded reports whether the described buffer is resident.
func (s *BufferedDataSource) IsDataLoaded() bool {
	return s.HasData() && s.ResidentData() != nil
}

// Data returns the buffer, holding a data reference for the duration of the
// call. The returned array must be treated as read-only.
func (s *BufferedDataSource) Data() (*ndarray.Array, error) {
	if _, err := s.IncrementDataRefCount(); err != nil {
		return nil, err
	}
	defer s.DecrementDataRefCount()
	return s.ResidentData(), nil
}

// DataRefCount returns the number of outstanding data references.
func (s *BufferedDataSource) DataRefCount() int {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refCount
}

// IncrementDataRefCount takes a data reference. Taking the first one loads
// the buffer from the persistent context. If that load fails the reference
// is not taken and the error is returned.
func (s *BufferedDataSource) IncrementDataRefCount() (int, error) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	s.refCount++
	if s.refCount == 1 {
		if err := s.loadData(); err != nil {
			s.refCount--
			s.logger().Error("load data failed", "source", s.UUID(), "error", err)
			return s.refCount, err
		}
	}
	return s.refCount, nil
}

// DecrementDataRefCount releases a data reference. Releasing the last one
// drops the buffer when a persistent context can reload it.
func (s *BufferedDataSource) DecrementDataRefCount() int {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	invariant(s.refCount > 0, "source %s: data reference released more often than taken", s.UUID())
	s.refCount--
	if s.refCount == 0 {
		s.unloadData()
	}
	return s.refCount
}

func (s *BufferedDataSource) loadData() error {
	ctx := s.PersistentContext()
	if ctx == nil || !s.HasData() || s.ResidentData() != nil {
		return nil
	}
	a, err := ctx.LoadData(s)
	if err != nil {
		var le *LoadError
		if !errors.As(err, &le) {
			err = &LoadError{SourceID: s.UUID(), Err: err}
		}
		return err
	}
	s.dataMu.Lock()
	s.data = a
	s.dataMu.Unlock()
	return nil
}

func (s *BufferedDataSource) unloadData() {
	ctx := s.PersistentContext()
	if ctx == nil {
		return
	}
	s.dataMu.Lock()
	s.data = nil
	s.dataMu.Unlock()
	if o, ok := ctx.(UnloadObserver); ok {
		o.DataUnloaded(s)
	}
}

// ---- collaborators ----

// PersistentContext returns the attached storage collaborator.
func (s *BufferedDataSource) PersistentContext() PersistentContext {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.context
}

// SetPersistentContext attaches (or with nil detaches) storage.
func (s *BufferedDataSource) SetPersistentContext(ctx PersistentContext) {
	s.stateMu.Lock()
	s.context = ctx
	s.stateMu.Unlock()
}

// SetStorageCache attaches the derived-value cache for this source and its
// displays.
func (s *BufferedDataSource) SetStorageCache(c cache.Store) {
	s.stateMu.Lock()
	s.storageCache = c
	s.stateMu.Unlock()
	for _, d := range s.Displays() {
		d.SetStorageCache(c)
	}
}

// StorageCache returns the attached cache.
func (s *BufferedDataSource) StorageCache() cache.Store {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.storageCache
}

// SetDataItemManager moves computation bookkeeping from the previous
// manager to m.
func (s *BufferedDataSource) SetDataItemManager(m DataItemManager) {
	s.managerMu.Lock()
	defer s.managerMu.Unlock()
	comp := s.Computation()
	if s.manager != nil && comp != nil {
		s.manager.ComputationChanged(s, nil)
	}
	s.manager = m
	if m != nil && comp != nil {
		m.ComputationChanged(s, comp)
	}
}

// DataItemManager returns the current manager.
func (s *BufferedDataSource) DataItemManager() DataItemManager {
	s.managerMu.Lock()
	defer s.managerMu.Unlock()
	return s.manager
}

// ---- computation ----

// Computation returns the attached computation, or nil.
func (s *BufferedDataSource) Computation() Computation {
	item := s.Item("computation")
	if item == nil {
		return nil
	}
	return item.(Computation)
}

// SetComputation attaches c, detaching any previous computation first.
// Passing nil only detaches.
func (s *BufferedDataSource) SetComputation(c Computation) {
	if c == nil {
		s.SetItem("computation", nil)
		return
	}
	s.SetItem("computation", c)
}

func (s *BufferedDataSource) computationItemChanged(_, next entity.Persistent) {
	s.stateMu.Lock()
	old := s.computationListeners
	s.computationListeners = nil
	s.stateMu.Unlock()
	for _, l := range old {
		l.Close()
	}

	var comp Computation
	if next != nil {
		comp = next.(Computation)
		listeners := []*event.Listener{
			comp.Mutated().Listen(func(struct{}) {
				s.computationChangedOrMutated.Fire(ComputationChange{Source: s, Computation: comp})
			}),
			comp.CascadeDelete().Listen(func(struct{}) { s.cascadeDeleted() }),
		}
		s.stateMu.Lock()
		s.computationListeners = listeners
		s.stateMu.Unlock()
	}

	s.managerMu.Lock()
	if s.manager != nil {
		s.manager.ComputationChanged(s, comp)
	}
	s.managerMu.Unlock()
	s.computationChangedOrMutated.Fire(ComputationChange{Source: s, Computation: comp})
	s.propertyChanged()
}

// cascadeDeleted detaches the dead computation and asks the owner to remove
// the data item. Detaching first guarantees the request fires once.
func (s *BufferedDataSource) cascadeDeleted() {
	if s.Computation() == nil {
		return
	}
	s.SetComputation(nil)
	s.requestRemoveDataItem.Fire(struct{}{})
}

// ---- displays ----

// Displays returns the displays in order.
func (s *BufferedDataSource) Displays() []Display {
	items := s.Items("displays")
	out := make([]Display, 0, len(items))
	for _, it := range items {
		out = append(out, it.(Display))
	}
	return out
}

// AddDisplay appends a display.
func (s *BufferedDataSource) AddDisplay(d Display) { s.AppendItem("displays", d) }

// RemoveDisplay removes a display; it is marked about-to-be-removed and
// closed.
func (s *BufferedDataSource) RemoveDisplay(d Display) { s.RemoveItem("displays", d) }

func (s *BufferedDataSource) displayInserted(_ int, child entity.Persistent) {
	d := child.(Display)
	d.SetStorageCache(s.StorageCache())
	if l, ok := d.(loggerSetter); ok {
		l.SetLogger(s.logger())
	}
	if s.IsReading() {
		return
	}
	d.UpdateData(s.DataAndCalibration())
	s.displaysChanged.Fire(struct{}{})
}

func (s *BufferedDataSource) displayRemoved(_ int, child entity.Persistent) {
	d := child.(Display)
	d.AboutToBeRemoved()
	d.Close()
	if !s.IsReading() {
		s.displaysChanged.Fire(struct{}{})
	}
}

// ---- persistence hooks ----

// ReadFrom replaces the source state with the stored form. Existing
// displays are dropped first so the stored list is authoritative.
func (s *BufferedDataSource) ReadFrom(props entity.Properties) error {
	for _, d := range s.Displays() {
		s.RemoveDisplay(d)
	}
	return s.Object.ReadFrom(props)
}

// FinishReading leaves reading mode and hands every display the restored
// snapshot.
func (s *BufferedDataSource) FinishReading() {
	s.Object.FinishReading()
	snapshot := s.DataAndCalibration()
	for _, d := range s.Displays() {
		d.UpdateData(snapshot)
	}
}

// ---- copies ----

// DeepCopy duplicates the source including its buffer, displays and
// computation. The copy has new identities and no persistent context.
func (s *BufferedDataSource) DeepCopy() (*BufferedDataSource, error) {
	cp, err := s.copyBase()
	if err != nil {
		return nil, err
	}
	if comp := s.Computation(); comp != nil {
		clone, err := entity.Clone(comp, symbolic.Factory)
		if err != nil {
			return nil, fmt.Errorf("copy computation: %w", err)
		}
		cp.SetComputation(clone.(Computation))
	}
	return cp, nil
}

// Snapshot duplicates the current state with the computation burned in: the
// copy has the same buffer, calibrations, metadata and displays but no
// computation.
func (s *BufferedDataSource) Snapshot() (*BufferedDataSource, error) {
	return s.copyBase()
}

func (s *BufferedDataSource) copyBase() (*BufferedDataSource, error) {
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	cp := newDataSource(buildOptions(append(s.inheritedOptions(), WithoutDefaultDisplay())))
	scope := cp.Changes()
	defer scope.End()
	if data != nil {
		if err := cp.setData(data.Copy(), s.DataModified()); err != nil {
			return nil, err
		}
	}
	cp.SetIntensityCalibration(s.IntensityCalibration())
	cp.SetDimensionalCalibrations(s.DimensionalCalibrations())
	cp.SetMetadata(s.Metadata())
	cp.MustSet("created", s.Created())
	if t := s.SourceDataModified(); !t.IsZero() {
		cp.SetSourceDataModified(t)
	}
	for _, d := range s.Displays() {
		clone, err := entity.Clone(d, display.Factory)
		if err != nil {
			return nil, fmt.Errorf("copy display: %w", err)
		}
		cp.AddDisplay(clone.(Display))
	}
	return cp, nil
}

// ---- lifecycle ----

// AboutToBeRemoved must be called before Close. It forwards to displays,
// requests removal of regions feeding cascade-delete inputs and reports the
// computation as detached.
func (s *BufferedDataSource) AboutToBeRemoved() {
	s.stateMu.Lock()
	again := s.aboutToBeRemoved
	s.aboutToBeRemoved = true
	s.stateMu.Unlock()
	invariant(!again, "source %s: AboutToBeRemoved called twice", s.UUID())

	for _, d := range s.Displays() {
		d.AboutToBeRemoved()
	}
	if comp := s.Computation(); comp != nil {
		for _, v := range comp.Variables() {
			if v.CascadeDelete && v.SpecifierType() == "region" {
				specifier, _ := entity.DeepCopy(v.Specifier).(map[string]any)
				s.requestRemoveRegion.Fire(specifier)
			}
		}
	}
	s.computationChangedOrMutated.Fire(ComputationChange{Source: s, Computation: nil})
}

// Close releases subscriptions and displays.
func (s *BufferedDataSource) Close() {
	s.stateMu.Lock()
	removing, closed := s.aboutToBeRemoved, s.closed
	if !removing || closed {
		s.stateMu.Unlock()
		invariant(removing, "source %s: Close before AboutToBeRemoved", s.UUID())
		invariant(!closed, "source %s: closed twice", s.UUID())
	}
	s.closed = true
	listeners := s.computationListeners
	s.computationListeners = nil
	s.stateMu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	s.publisher.Close()
	for _, d := range s.Displays() {
		d.Close()
	}
	s.managerMu.Lock()
	s.manager = nil
	s.managerMu.Unlock()
}

// IsClosed reports whether Close ran.
func (s *BufferedDataSource) IsClosed() bool { return s.isClosed() }
