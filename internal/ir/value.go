package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface for property and argument values.
// Only Str, Int, Bool, List and Object implement it.
//
// There is no float and no null: floats make content hashes depend on
// formatting, and a missing property is expressed by absence.
type Value interface {
	value() // Sealed
}

// Str is a string value.
type Str string

func (Str) value() {}

// Int is an integer value. Always int64.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// List is an ordered list of values.
type List []Value

func (List) value() {}

// Object is a map of string keys to values. Vertex and edge properties
// are Objects. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// Pair is a key/value pair for Object construction.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
// Example: NewObject(P("name", Str("a")), P("weight", Int(3)))
func P(key string, v Value) Pair {
	return Pair{Key: key, Value: v}
}

// NewObject builds an Object from typed pairs.
func NewObject(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// Clone returns a shallow copy of the object. A nil object clones to an
// empty one so callers can mutate the result.
func (obj Object) Clone() Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's sort.Strings orders by UTF-8 bytes, which differs outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Equal reports whether two values are structurally equal.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Str:
		bv, ok := b.(Str)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

// FromGo converts a decoded Go value (from YAML, JSON or CUE) into a Value.
// Floats with no fractional part are accepted as Int; nil and real floats
// are rejected.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a valid value")
	case Value:
		return val, nil
	case string:
		return Str(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		return Int(int64(val)), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not allowed: %v", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		return numberToInt(val)
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			ev, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(val))
		for k, elem := range val {
			ev, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// ObjectFromGo converts a decoded map into an Object.
func ObjectFromGo(m map[string]any) (Object, error) {
	if m == nil {
		return Object{}, nil
	}
	v, err := FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(Object), nil
}

// ToGo converts a Value back into plain Go values for display and export.
func ToGo(v Value) any {
	switch val := v.(type) {
	case Str:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for List.
func (l *List) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}
	arr, ok := v.(List)
	if !ok {
		return fmt.Errorf("expected array, got %T", v)
	}
	*l = arr
	return nil
}

// MarshalJSON implements json.Marshaler for Object using canonical encoding.
func (obj Object) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// MarshalJSON implements json.Marshaler for List using canonical encoding.
func (l List) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(l)
}

// ParseValue decodes JSON into a Value with strict validation.
// Rejects floats and null.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return convertJSON(raw)
}

func convertJSON(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden: only string, int, bool, array, object allowed")
	case bool:
		return Bool(val), nil
	case string:
		return Str(val), nil
	case json.Number:
		return numberToInt(val)
	case []any:
		arr := make(List, len(val))
		for i, elem := range val {
			ev, err := convertJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			ev, err := convertJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func numberToInt(n json.Number) (Value, error) {
	s := string(n)
	if strings.ContainsAny(s, ".eE") {
		return nil, fmt.Errorf("floats are forbidden: %s", s)
	}
	i, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("number out of int64 range: %s", s)
	}
	return Int(i), nil
}
