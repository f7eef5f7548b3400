package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireValue is the tagged JSON form used by remote and authoritative cache
// tiers. Tags keep int/float and duration distinct across a round trip.
type wireValue struct {
	T string               `json:"t"`
	B *bool                `json:"b,omitempty"`
	I *int64               `json:"i,omitempty"`
	F *float64             `json:"f,omitempty"`
	S *string              `json:"s,omitempty"`
	D *int64               `json:"d,omitempty"`
	L []wireValue          `json:"l,omitempty"`
	M map[string]wireValue `json:"m,omitempty"`
}

// EncodeValue serializes v into its tagged JSON form.
func EncodeValue(v Value) ([]byte, error) {
	return json.Marshal(toWire(v))
}

// DecodeValue parses the tagged JSON form produced by EncodeValue.
func DecodeValue(data []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}
	return fromWire(w)
}

// MarshalJSON renders v as plain JSON (durations as strings). Use EncodeValue
// when the value must be decoded back without loss.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.typ == TypeDuration {
		return json.Marshal(v.d.String())
	}
	if v.typ == TypeList || v.typ == TypeMap {
		return json.Marshal(jsonNative(v))
	}
	return json.Marshal(v.Native())
}

func jsonNative(v Value) any {
	switch v.typ {
	case TypeDuration:
		return v.d.String()
	case TypeList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = jsonNative(e)
		}
		return out
	case TypeMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = jsonNative(e)
		}
		return out
	default:
		return v.Native()
	}
}

func toWire(v Value) wireValue {
	w := wireValue{T: v.typ.String()}
	switch v.typ {
	case TypeBool:
		b := v.b
		w.B = &b
	case TypeInt:
		i := v.i
		w.I = &i
	case TypeFloat:
		f := v.f
		w.F = &f
	case TypeString:
		s := v.s
		w.S = &s
	case TypeDuration:
		d := int64(v.d)
		w.D = &d
	case TypeList:
		w.L = make([]wireValue, len(v.list))
		for i, e := range v.list {
			w.L[i] = toWire(e)
		}
	case TypeMap:
		w.M = make(map[string]wireValue, len(v.m))
		for k, e := range v.m {
			w.M[k] = toWire(e)
		}
	}
	return w
}

func fromWire(w wireValue) (Value, error) {
	t, ok := ParseType(w.T)
	if !ok || t == TypeAny {
		return Value{}, fmt.Errorf("decode value: unknown type tag %q", w.T)
	}
	switch t {
	case TypeNull:
		return Null(), nil
	case TypeBool:
		if w.B == nil {
			return Bool(false), nil
		}
		return Bool(*w.B), nil
	case TypeInt:
		if w.I == nil {
			return Int(0), nil
		}
		return Int(*w.I), nil
	case TypeFloat:
		if w.F == nil {
			return Float(0), nil
		}
		return Float(*w.F), nil
	case TypeString:
		if w.S == nil {
			return String(""), nil
		}
		return String(*w.S), nil
	case TypeDuration:
		if w.D == nil {
			return Duration(0), nil
		}
		return Duration(time.Duration(*w.D)), nil
	case TypeList:
		items := make([]Value, len(w.L))
		for i, e := range w.L {
			v, err := fromWire(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{typ: TypeList, list: items}, nil
	default:
		m := make(map[string]Value, len(w.M))
		for k, e := range w.M {
			v, err := fromWire(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{typ: TypeMap, m: m}, nil
	}
}
