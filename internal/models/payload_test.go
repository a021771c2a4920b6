package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadKeepsInsertionOrder(t *testing.T) {
	p := NewPayload()
	p.Set("zeta", Int(1))
	p.Set("alpha", String("a"))
	p.Set("mid", Bool(true))
	p.Set("zeta", Int(2))

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, p.Keys())

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"zeta":2,"alpha":"a","mid":true}`, string(b))
	assert.Equal(t, `{"zeta":2,"alpha":"a","mid":true}`, string(b))

	p.Delete("alpha")
	assert.Equal(t, []string{"zeta", "mid"}, p.Keys())
}

func TestPayloadDecodeNumbersAndNesting(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"b":1,"a":2.5,"n":{"y":[1,"x",null]}}`), &p))

	assert.Equal(t, []string{"b", "a", "n"}, p.Keys())

	b, _ := p.Get("b")
	assert.Equal(t, KindInt, b.Kind())
	a, _ := p.Get("a")
	assert.Equal(t, KindFloat, a.Kind())

	n, _ := p.Get("n")
	nested, ok := n.AsMap()
	require.True(t, ok)
	y, _ := nested.Get("y")
	items, ok := y.AsList()
	require.True(t, ok)
	require.Len(t, items, 3)
	assert.True(t, items[2].IsNull())
}

func TestPayloadCloneIsDeep(t *testing.T) {
	inner := PayloadOf("street", "Main")
	p := NewPayload()
	p.Set("addr", Map(inner))

	c := p.Clone()
	c.Set("extra", Int(1))

	assert.False(t, p.Has("extra"))
	assert.True(t, p.Equal(PayloadOf("addr", map[string]any{"street": "Main"})))
}

func TestValueEqual(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int float", Int(5), Float(5), true},
		{"int differs", Int(5), Int(6), false},
		{"nfc strings", String("Caf\u00e9"), String("Cafe\u0301"), true},
		{"time vs rfc3339", Time(ts), String("2026-03-01T10:00:00Z"), true},
		{"kind mismatch", String("1"), Int(1), false},
		{"null", Null(), Null(), true},
		{"lists", List(Int(1), String("a")), List(Int(1), String("a")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}
}

func TestValueTimestamp(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)

	got, ok := Int(1_700_000_000_000).Timestamp()
	require.True(t, ok)
	assert.True(t, got.Equal(ts))

	got, ok = String(ts.UTC().Format(time.RFC3339Nano)).Timestamp()
	require.True(t, ok)
	assert.True(t, got.Equal(ts))

	_, ok = String("yesterday").Timestamp()
	assert.False(t, ok)
}

func TestByDispatchOrder(t *testing.T) {
	now := time.Now()
	low := &SyncOperation{OperationID: "low", Priority: 0, CreatedAt: now.Add(-time.Hour)}
	high := &SyncOperation{OperationID: "high", Priority: 5, CreatedAt: now}
	older := &SyncOperation{OperationID: "older", Priority: 0, CreatedAt: now.Add(-2 * time.Hour)}

	assert.Negative(t, ByDispatchOrder(high, low))
	assert.Negative(t, ByDispatchOrder(older, low))
	assert.Positive(t, ByDispatchOrder(low, older))
}
