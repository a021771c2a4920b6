package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a single field value inside a Payload. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	list []Value
	m    *Payload
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func Map(p Payload) Value {
	c := p.Clone()
	return Value{kind: KindMap, m: &c}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) AsInt() (int64, bool) {
	return v.i, v.kind == KindInt
}

func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

func (v Value) AsTime() (time.Time, bool) {
	return v.t, v.kind == KindTime
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	out := make([]Value, len(v.list))
	for i, item := range v.list {
		out[i] = item.Clone()
	}
	return out, true
}

func (v Value) AsMap() (Payload, bool) {
	if v.kind != KindMap || v.m == nil {
		return Payload{}, false
	}
	return v.m.Clone(), true
}

// AsNumber returns the value as float64 for both int and float variants.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

func (v Value) IsNumber() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		if v.m == nil {
			return Value{kind: KindMap, m: &Payload{}}
		}
		c := v.m.Clone()
		return Value{kind: KindMap, m: &c}
	default:
		return v
	}
}

// Equal compares two values structurally. Numbers compare numerically across
// int and float, strings compare after NFC normalization, and a time compares
// equal to an RFC 3339 string denoting the same instant.
func (v Value) Equal(o Value) bool {
	if v.IsNumber() && o.IsNumber() {
		if v.kind == KindInt && o.kind == KindInt {
			return v.i == o.i
		}
		a, _ := v.AsNumber()
		b, _ := o.AsNumber()
		return a == b
	}
	if v.kind == KindTime && o.kind == KindString {
		t, ok := parseTime(o.s)
		return ok && t.Equal(v.t)
	}
	if v.kind == KindString && o.kind == KindTime {
		return o.Equal(v)
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return encoding.EqualText(v.s, o.s)
	case KindTime:
		return v.t.Equal(o.t)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		var a, b Payload
		if v.m != nil {
			a = *v.m
		}
		if o.m != nil {
			b = *o.m
		}
		return a.Equal(b)
	}
	return false
}

// Timestamp interprets the value as an instant: a time, epoch milliseconds, or an RFC 3339 string.
func (v Value) Timestamp() (time.Time, bool) {
	switch v.kind {
	case KindTime:
		return v.t, true
	case KindInt:
		return time.UnixMilli(v.i), true
	case KindString:
		return parseTime(v.s)
	default:
		return time.Time{}, false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		b, _ := v.MarshalJSON()
		return string(b)
	}
}

// Any converts the value into plain Go types (for logging and drivers).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTime:
		return v.t
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		if v.m == nil {
			return map[string]any{}
		}
		return v.m.ToMap()
	default:
		return nil
	}
}

// FromAny converts plain Go values (as produced by encoding/json or a driver) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t.Clone(), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case json.Number:
		return numberValue(t)
	case string:
		return String(t), nil
	case time.Time:
		return Time(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		p, err := PayloadFromMap(t)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindMap, m: &p}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindTime:
		return json.Marshal(v.t.UTC().Format(time.RFC3339Nano))
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return v.m.MarshalJSON()
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	val, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			p := NewPayload()
			if err := decodeObject(dec, &p); err != nil {
				return Value{}, err
			}
			return Value{kind: KindMap, m: &p}, nil
		case '[':
			var items []Value
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(items...), nil
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t)
		}
	case bool:
		return Bool(t), nil
	case json.Number:
		return numberValue(t)
	case string:
		return String(t), nil
	case nil:
		return Null(), nil
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

func numberValue(n json.Number) (Value, error) {
	if i, err := n.Int64(); err == nil {
		return Int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q: %w", n, err)
	}
	return Float(f), nil
}

func parseTime(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Compare orders two values of comparable kinds: numbers, strings and instants.
// The second result is false when the kinds cannot be ordered against each other.
func Compare(a, b Value) (int, bool) {
	if a.IsNumber() && b.IsNumber() {
		x, _ := a.AsNumber()
		y, _ := b.AsNumber()
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if at, ok := a.Timestamp(); ok && (a.kind == KindTime || b.kind == KindTime) {
		if bt, ok := b.Timestamp(); ok {
			return at.Compare(bt), true
		}
		return 0, false
	}
	if a.kind == KindString && b.kind == KindString {
		return strings.Compare(encoding.NormalizeText(a.s), encoding.NormalizeText(b.s)), true
	}
	return 0, false
}
