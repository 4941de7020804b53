package entity

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// TimeConverter stores time.Time values as RFC 3339 strings in UTC.
type TimeConverter struct{}

func (TimeConverter) ToStored(v any) any {
	t, ok := v.(time.Time)
	if !ok || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (TimeConverter) FromStored(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, err
		}
		return parsed.UTC(), nil
	default:
		return nil, fmt.Errorf("time: unexpected %T", v)
	}
}

// UUIDListConverter stores []uuid.UUID as a list of strings.
type UUIDListConverter struct{}

func (UUIDListConverter) ToStored(v any) any {
	ids, _ := v.([]uuid.UUID)
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func (UUIDListConverter) FromStored(v any) (any, error) {
	var raw []string
	switch list := v.(type) {
	case []uuid.UUID:
		return append([]uuid.UUID{}, list...), nil
	case []string:
		raw = list
	case []any:
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("uuid %d: unexpected %T", i, item)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("uuid list: unexpected %T", v)
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// IntListConverter stores []int, accepting the float64 numbers JSON
// decoding produces.
type IntListConverter struct{}

func (IntListConverter) ToStored(v any) any {
	ints, _ := v.([]int)
	out := make([]any, 0, len(ints))
	for _, n := range ints {
		out = append(out, n)
	}
	return out
}

func (IntListConverter) FromStored(v any) (any, error) {
	switch list := v.(type) {
	case []int:
		return append([]int{}, list...), nil
	case []any:
		out := make([]int, 0, len(list))
		for i, item := range list {
			switch n := item.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			case int64:
				out = append(out, int(n))
			default:
				return nil, fmt.Errorf("int %d: unexpected %T", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("int list: unexpected %T", v)
	}
}

// DeepCopy duplicates maps and slices recursively so the result shares no
// mutable storage with v. Other values are returned as they are.
func DeepCopy(v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	case string, bool, int, int64, float64, time.Time, uuid.UUID:
		return v
	}
	return deepCopyValue(reflect.ValueOf(v)).Interface()
}

func deepCopyValue(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopyValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(deepCopyValue(rv.Index(i)))
		}
		return out
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		inner := deepCopyValue(rv.Elem())
		out := reflect.New(rv.Type()).Elem()
		out.Set(inner)
		return out
	default:
		return rv
	}
}
