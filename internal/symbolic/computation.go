// Package symbolic provides the Computation entity: an expression plus the
// named inputs it reads. The document core only observes computations; it
// never evaluates them.
package symbolic

import (
	"fmt"

	"imagecore/internal/entity"
	"imagecore/internal/event"
)

// Variable is one named input of a computation. Specifier identifies the
// source object, for example {"type": "region", "uuid": "..."}.
// CascadeDelete inputs take the computation's result down with them when the
// source goes away.
type Variable struct {
	Name          string
	Specifier     map[string]any
	CascadeDelete bool
}

// SpecifierType returns the "type" entry of the specifier.
func (v Variable) SpecifierType() string {
	s, _ := v.Specifier["type"].(string)
	return s
}

var variableSchema = entity.NewSchema("variable").
	Property(entity.PropertySpec{Name: "name", Default: ""}).
	Property(entity.PropertySpec{Name: "specifier", CopyOnRead: true}).
	Property(entity.PropertySpec{Name: "cascade_delete", Default: false})

type variable struct {
	*entity.Object
}

func newVariable(v Variable) *variable {
	obj := &variable{Object: entity.New(variableSchema)}
	obj.MustSet("name", v.Name)
	if v.Specifier != nil {
		obj.MustSet("specifier", v.Specifier)
	}
	obj.MustSet("cascade_delete", v.CascadeDelete)
	return obj
}

func (v *variable) value() Variable {
	out := Variable{}
	out.Name, _ = v.Get("name").(string)
	out.Specifier, _ = v.Get("specifier").(map[string]any)
	out.CascadeDelete, _ = v.Get("cascade_delete").(bool)
	return out
}

var computationSchema = entity.NewSchema("computation").
	Property(entity.PropertySpec{Name: "expression", Default: ""}).
	Property(entity.PropertySpec{Name: "label", Default: ""}).
	Relationship(entity.RelationshipSpec{Name: "variables", Factory: func(typ string) entity.Persistent {
		if typ == "variable" || typ == "" {
			return &variable{Object: entity.New(variableSchema)}
		}
		return nil
	}})

// Computation is a persistent expression with ordered input variables.
type Computation struct {
	*entity.Object

	mutated       event.Event[struct{}]
	cascadeDelete event.Event[struct{}]
}

// New returns a computation for the given expression.
func New(expression string) *Computation {
	c := newEmpty()
	c.MustSet("expression", expression)
	return c
}

func newEmpty() *Computation {
	c := &Computation{Object: entity.New(computationSchema)}
	notify := func(any) { c.mutated.Fire(struct{}{}) }
	c.OnPropertyChanged("expression", notify)
	c.OnPropertyChanged("label", notify)
	structural := func(int, entity.Persistent) {
		if !c.IsReading() {
			c.mutated.Fire(struct{}{})
		}
	}
	c.OnInsert("variables", structural)
	c.OnRemove("variables", structural)
	return c
}

// Factory builds computations from their stored discriminator.
func Factory(typ string) entity.Persistent {
	if typ == "computation" || typ == "" {
		return newEmpty()
	}
	return nil
}

// Mutated fires whenever the expression or the variable list changes.
func (c *Computation) Mutated() *event.Event[struct{}] { return &c.mutated }

// CascadeDelete fires when a cascade-delete input disappears.
func (c *Computation) CascadeDelete() *event.Event[struct{}] { return &c.cascadeDelete }

// Expression returns the expression text.
func (c *Computation) Expression() string {
	s, _ := c.Get("expression").(string)
	return s
}

// SetExpression replaces the expression text.
func (c *Computation) SetExpression(expr string) { c.MustSet("expression", expr) }

// Label returns the display label.
func (c *Computation) Label() string {
	s, _ := c.Get("label").(string)
	return s
}

// SetLabel replaces the display label.
func (c *Computation) SetLabel(label string) { c.MustSet("label", label) }

// AddVariable appends an input. Names must be unique.
func (c *Computation) AddVariable(v Variable) error {
	for _, existing := range c.Variables() {
		if existing.Name == v.Name {
			return fmt.Errorf("computation variable %q already exists", v.Name)
		}
	}
	c.AppendItem("variables", newVariable(v))
	return nil
}

// RemoveVariable drops the named input. It reports whether one was found.
func (c *Computation) RemoveVariable(name string) bool {
	for _, child := range c.Items("variables") {
		if child.(*variable).value().Name == name {
			c.RemoveItem("variables", child)
			return true
		}
	}
	return false
}

// Variables returns the inputs in order.
func (c *Computation) Variables() []Variable {
	children := c.Items("variables")
	out := make([]Variable, 0, len(children))
	for _, child := range children {
		out = append(out, child.(*variable).value())
	}
	return out
}

// VariableSourceRemoved tells the computation that the object named by
// specifier is gone. If a cascade-delete input referenced it the
// CascadeDelete event fires once and true is returned.
func (c *Computation) VariableSourceRemoved(specifier map[string]any) bool {
	for _, v := range c.Variables() {
		if v.CascadeDelete && sameSpecifier(v.Specifier, specifier) {
			c.cascadeDelete.Fire(struct{}{})
			return true
		}
	}
	return false
}

func sameSpecifier(a, b map[string]any) bool {
	if a == nil || b == nil {
		return false
	}
	return a["type"] == b["type"] && a["uuid"] == b["uuid"]
}

// Clone returns an independent copy with fresh identities.
func (c *Computation) Clone() (*Computation, error) {
	out, err := entity.Clone(c, Factory)
	if out == nil {
		return nil, err
	}
	return out.(*Computation), err
}
