package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Type enumerates the runtime types a Value can carry.
type Type uint8

// Value types. TypeAny is only used in operator signatures and static type
// inference; no Value ever reports it.
const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeDuration
	TypeList
	TypeMap
	TypeAny
)

var typeNames = [...]string{
	TypeNull:     "null",
	TypeBool:     "bool",
	TypeInt:      "int",
	TypeFloat:    "float",
	TypeString:   "string",
	TypeDuration: "duration",
	TypeList:     "list",
	TypeMap:      "map",
	TypeAny:      "any",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// ParseType maps a type name back to its Type.
func ParseType(name string) (Type, bool) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), true
		}
	}
	return TypeNull, false
}

// Accepts reports whether a parameter of type t admits an argument of type
// other. There is no implicit coercion: only TypeAny widens.
func (t Type) Accepts(other Type) bool {
	return t == TypeAny || other == TypeAny || t == other
}

// Value is a dynamically typed runtime value. The zero Value is Null.
type Value struct {
	typ  Type
	b    bool
	i    int64
	f    float64
	s    string
	d    time.Duration
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }

// Int wraps a signed integer.
func Int(i int64) Value { return Value{typ: TypeInt, i: i} }

// Float wraps a floating point number.
func Float(f float64) Value { return Value{typ: TypeFloat, f: f} }

// String wraps a string.
func String(s string) Value { return Value{typ: TypeString, s: s} }

// Duration wraps a time.Duration.
func Duration(d time.Duration) Value { return Value{typ: TypeDuration, d: d} }

// List wraps a list of values. The slice is copied.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{typ: TypeList, list: cp}
}

// Map wraps a string keyed map. The map is copied.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{typ: TypeMap, m: cp}
}

// Type returns the runtime type of v.
func (v Value) Type() Type { return v.typ }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.typ == TypeNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }

func (v Value) AsInt() (int64, bool) { return v.i, v.typ == TypeInt }

func (v Value) AsFloat() (float64, bool) { return v.f, v.typ == TypeFloat }

func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }

func (v Value) AsDuration() (time.Duration, bool) { return v.d, v.typ == TypeDuration }

// AsList returns a copy of the list elements.
func (v Value) AsList() ([]Value, bool) {
	if v.typ != TypeList {
		return nil, false
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// AsMap returns a copy of the map entries.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.typ != TypeMap {
		return nil, false
	}
	cp := make(map[string]Value, len(v.m))
	for k, e := range v.m {
		cp[k] = e
	}
	return cp, true
}

// Len returns the length of a string, list or map and -1 for other types.
func (v Value) Len() int {
	switch v.typ {
	case TypeString:
		return len(v.s)
	case TypeList:
		return len(v.list)
	case TypeMap:
		return len(v.m)
	default:
		return -1
	}
}

// Field returns the entry stored under key when v is a map.
func (v Value) Field(key string) (Value, bool) {
	if v.typ != TypeMap {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Index returns the i-th list element.
func (v Value) Index(i int) (Value, bool) {
	if v.typ != TypeList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

// Truthy reports whether v is the boolean true.
func (v Value) Truthy() bool { return v.typ == TypeBool && v.b }

// Equal compares two values structurally. Int and Float never compare equal.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f
	case TypeString:
		return v.s == o.s
	case TypeDuration:
		return v.d == o.d
	case TypeList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v for display. Strings render unquoted.
func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "null"
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return v.s
	case TypeDuration:
		return v.d.String()
	case TypeList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.literal()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeMap:
		keys := v.sortedKeys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + ": " + v.m[k].literal()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("value(%d)", v.typ)
}

// literal renders v the way it would be written in source, quoting strings.
func (v Value) literal() string {
	if v.typ == TypeString {
		return strconv.Quote(v.s)
	}
	return v.String()
}

func (v Value) sortedKeys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Native converts v into plain Go values: nil, bool, int64, float64, string,
// time.Duration, []any and map[string]any.
func (v Value) Native() any {
	switch v.typ {
	case TypeBool:
		return v.b
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeString:
		return v.s
	case TypeDuration:
		return v.d
	case TypeList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Native()
		}
		return out
	case TypeMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Native()
		}
		return out
	default:
		return nil
	}
}

// FromNative converts decoded JSON, YAML or SQL values into a Value.
func FromNative(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		if t == float64(int64(t)) && t >= -1<<53 && t <= 1<<53 {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case time.Duration:
		return Duration(t), nil
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = ev
		}
		return Value{typ: TypeList, list: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromNative(e)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			m[k] = ev
		}
		return Value{typ: TypeMap, m: m}, nil
	case map[string]string:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = String(e)
		}
		return Value{typ: TypeMap, m: m}, nil
	case []string:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = String(e)
		}
		return Value{typ: TypeList, list: items}, nil
	}
	return Value{}, fmt.Errorf("%w: unsupported native type %T", ErrTypeMismatch, x)
}
