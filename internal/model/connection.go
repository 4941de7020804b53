package model

import (
	"sync"

	"github.com/google/uuid"

	"imagecore/internal/entity"
	"imagecore/internal/event"
)

// ConnectionType is the stored discriminator of property connections.
const ConnectionType = "property-connection"

var connectionSchema = entity.NewSchema(ConnectionType).
	Property(entity.PropertySpec{Name: "source_uuid"}).
	Property(entity.PropertySpec{Name: "source_property", Default: ""}).
	Property(entity.PropertySpec{Name: "target_uuid"}).
	Property(entity.PropertySpec{Name: "target_property", Default: ""})

// ConnectionFactory builds connections from their stored discriminator.
func ConnectionFactory(typ string) entity.Persistent {
	if typ == ConnectionType {
		return &PropertyConnection{Object: entity.New(connectionSchema)}
	}
	return nil
}

// PropertyConnection keeps a property of one object in step with a property
// of another. The owning data item closes it on removal.
type PropertyConnection struct {
	*entity.Object

	mu     sync.Mutex
	closed bool

	// Closed fires once when the connection is closed.
	Closed event.Event[struct{}]
}

// NewPropertyConnection links source.sourceProperty to target.targetProperty.
func NewPropertyConnection(source uuid.UUID, sourceProperty string, target uuid.UUID, targetProperty string) *PropertyConnection {
	c := &PropertyConnection{Object: entity.New(connectionSchema)}
	c.MustSet("source_uuid", source.String())
	c.MustSet("source_property", sourceProperty)
	c.MustSet("target_uuid", target.String())
	c.MustSet("target_property", targetProperty)
	return c
}

// Source returns the source object and property name.
func (c *PropertyConnection) Source() (uuid.UUID, string) {
	return parseUUIDProperty(c.Get("source_uuid")), stringProperty(c.Get("source_property"))
}

// Target returns the target object and property name.
func (c *PropertyConnection) Target() (uuid.UUID, string) {
	return parseUUIDProperty(c.Get("target_uuid")), stringProperty(c.Get("target_property"))
}

// IsClosed reports whether Close ran.
func (c *PropertyConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases the connection. Closing twice is a no-op.
func (c *PropertyConnection) Close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.Closed.Fire(struct{}{})
	}
}

func parseUUIDProperty(v any) uuid.UUID {
	s, _ := v.(string)
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func stringProperty(v any) string {
	s, _ := v.(string)
	return s
}
