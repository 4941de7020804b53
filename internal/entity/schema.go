// Package entity implements the declarative persistence layer shared by every
// document entity: a static Schema describes properties, owned sub-items and
// ordered relationships, and a generic Object reads and writes any entity
// from that description.
package entity

import (
	"fmt"

	"github.com/google/uuid"
)

// Properties is the storage form of an entity: a JSON-compatible map.
type Properties = map[string]any

// Persistent is implemented by every entity that can live inside another
// entity's item or relationship. Embedding *Object satisfies it; owners
// override ReadFrom, FinishReading or WriteTo when they need extra steps.
type Persistent interface {
	UUID() uuid.UUID
	BeginReading()
	ReadFrom(Properties) error
	FinishReading()
	WriteTo() Properties
	Base() *Object
}

// Factory builds an empty entity for the stored type discriminator. It
// returns nil for types it does not know.
type Factory func(typ string) Persistent

// Converter translates between the in-memory value of a property and its
// storage form.
type Converter interface {
	ToStored(v any) any
	FromStored(v any) (any, error)
}

// PropertySpec declares a scalar property.
type PropertySpec struct {
	Name    string
	Default any
	// Converter, when set, maps the value to and from storage.
	Converter Converter
	// Hidden properties are kept out of WriteTo, SnapshotProperties and the
	// PropertyChanged event. They hold session-only state.
	Hidden bool
	// CopyOnRead properties hand out deep copies from Get.
	CopyOnRead bool
	// Validate may normalise the value or reject it.
	Validate func(v any) (any, error)
}

// ItemSpec declares a single owned sub-entity.
type ItemSpec struct {
	Name    string
	Factory Factory
}

// RelationshipSpec declares an ordered list of owned sub-entities.
type RelationshipSpec struct {
	Name    string
	Factory Factory
}

// Schema is the static description of an entity type. Build it once at
// package level and share it between instances.
type Schema struct {
	typ   string
	props []PropertySpec
	items []ItemSpec
	rels  []RelationshipSpec
	index map[string]int
}

// NewSchema starts a schema for the given type discriminator.
func NewSchema(typ string) *Schema {
	return &Schema{typ: typ, index: make(map[string]int)}
}

func (s *Schema) claim(name string, pos int) {
	if name == "" {
		panic("entity: empty field name in schema " + s.typ)
	}
	if _, dup := s.index[name]; dup {
		panic(fmt.Sprintf("entity: duplicate field %q in schema %s", name, s.typ))
	}
	s.index[name] = pos
}

// Property adds a scalar property.
func (s *Schema) Property(spec PropertySpec) *Schema {
	s.claim(spec.Name, len(s.props))
	s.props = append(s.props, spec)
	return s
}

// Item adds an owned sub-item.
func (s *Schema) Item(spec ItemSpec) *Schema {
	s.claim(spec.Name, len(s.items))
	s.items = append(s.items, spec)
	return s
}

// Relationship adds an ordered owned relationship.
func (s *Schema) Relationship(spec RelationshipSpec) *Schema {
	s.claim(spec.Name, len(s.rels))
	s.rels = append(s.rels, spec)
	return s
}

// Type returns the discriminator written under the "type" key.
func (s *Schema) Type() string { return s.typ }

// PropertyNames lists the declared property names in declaration order.
func (s *Schema) PropertyNames() []string {
	out := make([]string, 0, len(s.props))
	for _, p := range s.props {
		out = append(out, p.Name)
	}
	return out
}

func (s *Schema) property(name string) *PropertySpec {
	for i := range s.props {
		if s.props[i].Name == name {
			return &s.props[i]
		}
	}
	panic(fmt.Sprintf("entity: %s has no property %q", s.typ, name))
}

func (s *Schema) hasItem(name string) bool {
	for _, it := range s.items {
		if it.Name == name {
			return true
		}
	}
	return false
}

func (s *Schema) hasRelationship(name string) bool {
	for _, r := range s.rels {
		if r.Name == name {
			return true
		}
	}
	return false
}
