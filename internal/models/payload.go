package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is an ordered mapping of field name to Value. Insertion order is kept
// so that serialized payloads and diffs are deterministic.
type Payload struct {
	keys   []string
	values map[string]Value
}

func NewPayload() Payload {
	return Payload{values: make(map[string]Value)}
}

// PayloadOf builds a payload from alternating key/value pairs.
func PayloadOf(kv ...any) Payload {
	p := NewPayload()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("PayloadOf: key at %d is %T, not string", i, kv[i]))
		}
		v, err := FromAny(kv[i+1])
		if err != nil {
			panic(fmt.Sprintf("PayloadOf: %s: %v", key, err))
		}
		p.Set(key, v)
	}
	return p
}

// PayloadFromMap converts a plain map. Keys are sorted since map order is lost.
func PayloadFromMap(m map[string]any) (Payload, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := NewPayload()
	for _, k := range keys {
		v, err := FromAny(m[k])
		if err != nil {
			return Payload{}, fmt.Errorf("field %s: %w", k, err)
		}
		p.Set(k, v)
	}
	return p, nil
}

func (p *Payload) Set(key string, v Value) {
	if p.values == nil {
		p.values = make(map[string]Value)
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = v
}

func (p Payload) Get(key string) (Value, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p Payload) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

func (p *Payload) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			break
		}
	}
}

func (p Payload) Len() int { return len(p.keys) }

func (p Payload) IsEmpty() bool { return len(p.keys) == 0 }

// Keys returns field names in insertion order.
func (p Payload) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Range calls fn for every field in order until fn returns false.
func (p Payload) Range(fn func(key string, v Value) bool) {
	for _, k := range p.keys {
		if !fn(k, p.values[k]) {
			return
		}
	}
}

// Clone returns a deep copy that shares nothing with p.
func (p Payload) Clone() Payload {
	c := Payload{
		keys:   make([]string, len(p.keys)),
		values: make(map[string]Value, len(p.values)),
	}
	copy(c.keys, p.keys)
	for k, v := range p.values {
		c.values[k] = v.Clone()
	}
	return c
}

// Merge returns a copy of p with every field of other written over it.
func (p Payload) Merge(other Payload) Payload {
	out := p.Clone()
	other.Range(func(k string, v Value) bool {
		out.Set(k, v.Clone())
		return true
	})
	return out
}

// Equal compares field sets and values, ignoring order.
func (p Payload) Equal(o Payload) bool {
	if p.Len() != o.Len() {
		return false
	}
	for k, v := range p.values {
		ov, ok := o.values[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (p Payload) ToMap() map[string]any {
	m := make(map[string]any, len(p.keys))
	for k, v := range p.values {
		m[k] = v.Any()
	}
	return m
}

func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := p.values[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = NewPayload()
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("payload must be a JSON object, got %v", tok)
	}

	out := NewPayload()
	if err := decodeObject(dec, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

// decodeObject reads fields up to and including the closing brace.
func decodeObject(dec *json.Decoder, p *Payload) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		p.Set(key, v)
	}
	_, err := dec.Token()
	return err
}
