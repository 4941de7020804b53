// Package calibration defines the origin/scale/units triple that maps buffer
// index space onto physical units.
package calibration

import (
	"fmt"
	"strconv"
)

// Calibration maps an index coordinate onto a calibrated value:
// calibrated = index*Scale + Origin.
//
// Calibrations are values. Owners hand out copies and accept replacements
// wholesale; nothing mutates a stored calibration in place.
type Calibration struct {
	Origin float64 `json:"origin"`
	Scale  float64 `json:"scale"`
	Units  string  `json:"units,omitempty"`
}

// Default returns the identity calibration (origin 0, scale 1, no units).
func Default() Calibration {
	return Calibration{Scale: 1}
}

// New builds a calibration from its three components.
func New(origin, scale float64, units string) Calibration {
	return Calibration{Origin: origin, Scale: scale, Units: units}
}

// IsIdentity reports whether the calibration leaves values unchanged.
func (c Calibration) IsIdentity() bool {
	return c.Origin == 0 && c.Scale == 1 && c.Units == ""
}

// Convert maps an index value into calibrated units.
func (c Calibration) Convert(value float64) float64 {
	return value*c.Scale + c.Origin
}

// ConvertBack maps a calibrated value back into index space. A zero scale
// yields the origin-relative value unscaled.
func (c Calibration) ConvertBack(value float64) float64 {
	if c.Scale == 0 {
		return value - c.Origin
	}
	return (value - c.Origin) / c.Scale
}

func (c Calibration) String() string {
	if c.Units == "" {
		return fmt.Sprintf("x%g%+g", c.Scale, c.Origin)
	}
	return fmt.Sprintf("x%g%+g %s", c.Scale, c.Origin, c.Units)
}

// WriteMap returns the storage form of the calibration.
func (c Calibration) WriteMap() map[string]any {
	m := map[string]any{
		"origin": c.Origin,
		"scale":  c.Scale,
	}
	if c.Units != "" {
		m["units"] = c.Units
	}
	return m
}

// ReadMap restores a calibration from its storage form. Missing fields fall
// back to the defaults; fields of the wrong type are reported.
func ReadMap(m map[string]any) (Calibration, error) {
	c := Default()
	if m == nil {
		return c, nil
	}
	if v, ok := m["origin"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return Default(), fmt.Errorf("calibration origin: %w", err)
		}
		c.Origin = f
	}
	if v, ok := m["scale"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return Default(), fmt.Errorf("calibration scale: %w", err)
		}
		c.Scale = f
	}
	if v, ok := m["units"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return Default(), fmt.Errorf("calibration units: unexpected %T", v)
		}
		c.Units = s
	}
	return c, nil
}

// CloneList copies a calibration slice. A nil input yields an empty list.
func CloneList(in []Calibration) []Calibration {
	out := make([]Calibration, len(in))
	copy(out, in)
	return out
}

// EqualLists reports whether two calibration lists hold identical entries.
func EqualLists(a, b []Calibration) bool {
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

// WriteList returns the storage form of a calibration list.
func WriteList(list []Calibration) []any {
	out := make([]any, 0, len(list))
	for _, c := range list {
		out = append(out, c.WriteMap())
	}
	return out
}

// ReadList restores a calibration list written by WriteList. It accepts
// both []any (decoded JSON) and []map[string]any (in-process copies).
func ReadList(v any) ([]Calibration, error) {
	switch list := v.(type) {
	case nil:
		return []Calibration{}, nil
	case []Calibration:
		return CloneList(list), nil
	case []map[string]any:
		out := make([]Calibration, 0, len(list))
		for i, m := range list {
			c, err := ReadMap(m)
			if err != nil {
				return nil, fmt.Errorf("calibration %d: %w", i, err)
			}
			out = append(out, c)
		}
		return out, nil
	case []any:
		out := make([]Calibration, 0, len(list))
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("calibration %d: unexpected %T", i, item)
			}
			c, err := ReadMap(m)
			if err != nil {
				return nil, fmt.Errorf("calibration %d: %w", i, err)
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("calibration list: unexpected %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}
