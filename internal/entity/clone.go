package entity

// Clone duplicates p through its storage form. The copy and every entity
// inside it receive fresh UUIDs.
func Clone(p Persistent, factory Factory) (Persistent, error) {
	props := p.WriteTo()
	stripIdentity(props)
	typ, _ := props["type"].(string)
	out := factory(typ)
	if out == nil {
		return nil, &UnknownTypeError{Type: typ}
	}
	if err := Read(out, props); err != nil {
		return out, err
	}
	return out, nil
}

func stripIdentity(v any) {
	switch t := v.(type) {
	case map[string]any:
		if _, entity := t["type"].(string); entity {
			delete(t, "uuid")
		}
		for _, e := range t {
			stripIdentity(e)
		}
	case []any:
		for _, e := range t {
			stripIdentity(e)
		}
	}
}
