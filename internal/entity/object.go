package entity

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"imagecore/internal/event"
)

// PropertyChange is delivered by Object.PropertyChanged.
type PropertyChange struct {
	Name  string
	Value any
}

// Object is the generic entity state. Concrete entities embed a *Object and
// bind their callbacks with the On* methods right after construction.
//
// Property change callbacks are suppressed while reading. Item and
// relationship callbacks always run because owners use them to wire
// subscriptions to reconstructed children.
type Object struct {
	schema *Schema

	mu     sync.RWMutex
	id     uuid.UUID
	values map[string]any
	items  map[string]Persistent
	rels   map[string][]Persistent
	parent *Object

	reading  atomic.Bool
	modified atomic.Int64

	propertyHooks map[string]func(value any)
	itemHooks     map[string]func(old, new Persistent)
	insertHooks   map[string]func(index int, child Persistent)
	removeHooks   map[string]func(index int, child Persistent)

	// PropertyChanged fires for non-hidden property writes outside reading.
	PropertyChanged event.Event[PropertyChange]
}

// New creates an entity with a fresh UUID and the schema defaults.
func New(schema *Schema) *Object {
	o := &Object{
		schema:        schema,
		id:            uuid.New(),
		values:        make(map[string]any, len(schema.props)),
		items:         make(map[string]Persistent, len(schema.items)),
		rels:          make(map[string][]Persistent, len(schema.rels)),
		propertyHooks: make(map[string]func(any)),
		itemHooks:     make(map[string]func(old, new Persistent)),
		insertHooks:   make(map[string]func(int, Persistent)),
		removeHooks:   make(map[string]func(int, Persistent)),
	}
	for _, p := range schema.props {
		if p.Default != nil {
			o.values[p.Name] = DeepCopy(p.Default)
		}
	}
	return o
}

// Base returns o itself; it lets the generic routines reach the embedded
// object behind any Persistent.
func (o *Object) Base() *Object { return o }

// Schema returns the static description this object was built from.
func (o *Object) Schema() *Schema { return o.schema }

// UUID returns the stable identifier.
func (o *Object) UUID() uuid.UUID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.id
}

// SetUUID replaces the identifier. Only meaningful before the entity is
// shared or persisted.
func (o *Object) SetUUID(id uuid.UUID) {
	o.mu.Lock()
	o.id = id
	o.mu.Unlock()
}

// OnPropertyChanged binds the callback run after a property write.
func (o *Object) OnPropertyChanged(name string, fn func(value any)) {
	o.schema.property(name)
	o.propertyHooks[name] = fn
}

// OnItemChanged binds the callback run after an item is replaced.
func (o *Object) OnItemChanged(name string, fn func(old, new Persistent)) {
	if !o.schema.hasItem(name) {
		panic(fmt.Sprintf("entity: %s has no item %q", o.schema.typ, name))
	}
	o.itemHooks[name] = fn
}

// OnInsert binds the callback run after a child joins a relationship.
func (o *Object) OnInsert(name string, fn func(index int, child Persistent)) {
	o.mustRelationship(name)
	o.insertHooks[name] = fn
}

// OnRemove binds the callback run after a child leaves a relationship.
func (o *Object) OnRemove(name string, fn func(index int, child Persistent)) {
	o.mustRelationship(name)
	o.removeHooks[name] = fn
}

func (o *Object) mustRelationship(name string) {
	if !o.schema.hasRelationship(name) {
		panic(fmt.Sprintf("entity: %s has no relationship %q", o.schema.typ, name))
	}
}

// IsReading reports whether the entity is being reconstructed from storage.
func (o *Object) IsReading() bool { return o.reading.Load() }

// BeginReading enters reading mode.
func (o *Object) BeginReading() { o.reading.Store(true) }

// FinishReading leaves reading mode for o and every child it owns.
func (o *Object) FinishReading() {
	for _, child := range o.children() {
		child.FinishReading()
	}
	o.reading.Store(false)
}

func (o *Object) children() []Persistent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []Persistent
	for _, it := range o.schema.items {
		if c := o.items[it.Name]; c != nil {
			out = append(out, c)
		}
	}
	for _, r := range o.schema.rels {
		out = append(out, o.rels[r.Name]...)
	}
	return out
}

// ModifiedCount increases on every mutation of o or any descendant.
func (o *Object) ModifiedCount() int64 { return o.modified.Load() }

// Parent returns the owning entity, if any.
func (o *Object) Parent() *Object {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.parent
}

func (o *Object) setParent(p *Object) {
	o.mu.Lock()
	o.parent = p
	o.mu.Unlock()
}

func (o *Object) touch() {
	for cur := o; cur != nil; cur = cur.Parent() {
		cur.modified.Add(1)
	}
}

// Get returns the current value of a property. Copy-on-read properties
// return a deep copy.
func (o *Object) Get(name string) any {
	spec := o.schema.property(name)
	o.mu.RLock()
	v := o.values[name]
	o.mu.RUnlock()
	if spec.CopyOnRead {
		return DeepCopy(v)
	}
	return v
}

// Set validates and stores a property value, then runs the change callback
// unless the entity is reading.
func (o *Object) Set(name string, value any) error {
	spec := o.schema.property(name)
	if spec.Validate != nil && value != nil {
		v, err := spec.Validate(value)
		if err != nil {
			return &ValidationError{Field: name, Value: value, Err: err}
		}
		value = v
	}
	if spec.CopyOnRead {
		value = DeepCopy(value)
	}
	o.mu.Lock()
	if value == nil {
		delete(o.values, name)
	} else {
		o.values[name] = value
	}
	o.mu.Unlock()
	if o.IsReading() {
		return nil
	}
	o.touch()
	if hook := o.propertyHooks[name]; hook != nil {
		hook(value)
	}
	if !spec.Hidden {
		o.PropertyChanged.Fire(PropertyChange{Name: name, Value: value})
	}
	return nil
}

// MustSet is Set for values that cannot fail validation.
func (o *Object) MustSet(name string, value any) {
	if err := o.Set(name, value); err != nil {
		panic(err)
	}
}

// Item returns the current child of an item slot, or nil.
func (o *Object) Item(name string) Persistent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.items[name]
}

// SetItem replaces an item slot. Passing nil clears it.
func (o *Object) SetItem(name string, child Persistent) {
	if !o.schema.hasItem(name) {
		panic(fmt.Sprintf("entity: %s has no item %q", o.schema.typ, name))
	}
	o.mu.Lock()
	old := o.items[name]
	if child == nil {
		delete(o.items, name)
	} else {
		o.items[name] = child
	}
	o.mu.Unlock()
	if old != nil {
		old.Base().setParent(nil)
	}
	if child != nil {
		child.Base().setParent(o)
	}
	if !o.IsReading() {
		o.touch()
	}
	if hook := o.itemHooks[name]; hook != nil {
		hook(old, child)
	}
}

// Items returns a copy of a relationship's children in order.
func (o *Object) Items(name string) []Persistent {
	o.mustRelationship(name)
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Persistent(nil), o.rels[name]...)
}

// Len returns the number of children in a relationship.
func (o *Object) Len(name string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.rels[name])
}

// IndexOf returns the position of child in a relationship, or -1.
func (o *Object) IndexOf(name string, child Persistent) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for i, c := range o.rels[name] {
		if c == child {
			return i
		}
	}
	return -1
}

// InsertItem places child at index in a relationship. A child already
// present, or an out of range index, is a programming error.
func (o *Object) InsertItem(name string, index int, child Persistent) {
	o.mustRelationship(name)
	if child == nil {
		panic(fmt.Sprintf("entity: nil child inserted into %s.%s", o.schema.typ, name))
	}
	o.mu.Lock()
	list := o.rels[name]
	if index < 0 || index > len(list) {
		o.mu.Unlock()
		panic(fmt.Sprintf("entity: index %d out of range for %s.%s", index, o.schema.typ, name))
	}
	for _, c := range list {
		if c == child {
			o.mu.Unlock()
			panic(fmt.Errorf("%w: %s in %s.%s", ErrDuplicateChild, child.UUID(), o.schema.typ, name))
		}
	}
	list = append(list, nil)
	copy(list[index+1:], list[index:])
	list[index] = child
	o.rels[name] = list
	o.mu.Unlock()
	child.Base().setParent(o)
	if !o.IsReading() {
		o.touch()
	}
	if hook := o.insertHooks[name]; hook != nil {
		hook(index, child)
	}
}

// AppendItem adds child at the end of a relationship.
func (o *Object) AppendItem(name string, child Persistent) {
	o.InsertItem(name, o.Len(name), child)
}

// RemoveItem takes child out of a relationship and returns its former index.
func (o *Object) RemoveItem(name string, child Persistent) int {
	o.mustRelationship(name)
	o.mu.Lock()
	list := o.rels[name]
	index := -1
	for i, c := range list {
		if c == child {
			index = i
			break
		}
	}
	if index < 0 {
		o.mu.Unlock()
		panic(fmt.Sprintf("entity: child not found in %s.%s", o.schema.typ, name))
	}
	o.rels[name] = append(list[:index:index], list[index+1:]...)
	o.mu.Unlock()
	if !o.IsReading() {
		o.touch()
	}
	if hook := o.removeHooks[name]; hook != nil {
		hook(index, child)
	}
	child.Base().setParent(nil)
	return index
}

// ReadFrom restores state written by WriteTo. Items and relationships are
// rebuilt first, each child placed in reading mode before it is read, then
// scalar properties are restored. The caller brackets the call with
// BeginReading and FinishReading; see Read.
func (o *Object) ReadFrom(props Properties) error {
	var errs []error
	if raw, ok := props["uuid"].(string); ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s uuid: %w", o.schema.typ, err))
		} else {
			o.SetUUID(id)
		}
	}
	for _, spec := range o.schema.items {
		raw, ok := props[spec.Name]
		if !ok || raw == nil {
			continue
		}
		childProps, ok := raw.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("%s.%s: unexpected %T", o.schema.typ, spec.Name, raw))
			continue
		}
		child, err := readChild(spec.Factory, childProps)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", o.schema.typ, spec.Name, err))
		}
		if child != nil {
			o.SetItem(spec.Name, child)
		}
	}
	for _, spec := range o.schema.rels {
		list, err := asList(props[spec.Name])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", o.schema.typ, spec.Name, err))
			continue
		}
		for _, childProps := range list {
			child, err := readChild(spec.Factory, childProps)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", o.schema.typ, spec.Name, err))
			}
			if child != nil {
				o.AppendItem(spec.Name, child)
			}
		}
	}
	for _, spec := range o.schema.props {
		raw, ok := props[spec.Name]
		if !ok || spec.Hidden {
			continue
		}
		v := raw
		if spec.Converter != nil && raw != nil {
			conv, err := spec.Converter.FromStored(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", o.schema.typ, spec.Name, err))
				continue
			}
			v = conv
		}
		if err := o.Set(spec.Name, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readChild(factory Factory, props Properties) (Persistent, error) {
	typ, _ := props["type"].(string)
	if factory == nil {
		return nil, &UnknownTypeError{Type: typ}
	}
	child := factory(typ)
	if child == nil {
		return nil, &UnknownTypeError{Type: typ}
	}
	child.BeginReading()
	return child, child.ReadFrom(props)
}

func asList(raw any) ([]Properties, error) {
	switch list := raw.(type) {
	case nil:
		return nil, nil
	case []Properties:
		return list, nil
	case []any:
		out := make([]Properties, 0, len(list))
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("entry %d: unexpected %T", i, item)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected %T", raw)
	}
}

// WriteTo returns the storage form: type, uuid, every non-hidden property
// that has a value, every item and every relationship.
func (o *Object) WriteTo() Properties {
	o.mu.RLock()
	props := Properties{"type": o.schema.typ, "uuid": o.id.String()}
	for _, spec := range o.schema.props {
		v, ok := o.values[spec.Name]
		if !ok || spec.Hidden {
			continue
		}
		if spec.Converter != nil {
			props[spec.Name] = spec.Converter.ToStored(v)
		} else {
			props[spec.Name] = DeepCopy(v)
		}
	}
	items := make(map[string]Persistent, len(o.items))
	for k, v := range o.items {
		items[k] = v
	}
	rels := make(map[string][]Persistent, len(o.rels))
	for k, v := range o.rels {
		rels[k] = append([]Persistent(nil), v...)
	}
	o.mu.RUnlock()

	for name, child := range items {
		props[name] = child.WriteTo()
	}
	for _, spec := range o.schema.rels {
		list := make([]any, 0, len(rels[spec.Name]))
		for _, child := range rels[spec.Name] {
			list = append(list, child.WriteTo())
		}
		props[spec.Name] = list
	}
	return props
}

// SnapshotProperties returns deep copies of the non-hidden property values
// in their in-memory form.
func (o *Object) SnapshotProperties() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.values))
	for _, spec := range o.schema.props {
		if spec.Hidden {
			continue
		}
		if v, ok := o.values[spec.Name]; ok {
			out[spec.Name] = DeepCopy(v)
		}
	}
	return out
}

// Read reconstructs p from props inside a reading bracket.
func Read(p Persistent, props Properties) error {
	p.BeginReading()
	defer p.FinishReading()
	return p.ReadFrom(props)
}
