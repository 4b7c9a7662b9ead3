package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Str("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = List{Str("a"), Int(1)}
	var _ Value = Object{"key": Str("value")}
}

func TestObjectSortedKeysRFC8785Order(t *testing.T) {
	obj := Object{
		"a":  Int(1),
		"A":  Int(2),
		"aa": Int(3),
		"aA": Int(4),
		"Aa": Int(5),
		"AA": Int(6),
	}
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestObjectSortedKeysSurrogates(t *testing.T) {
	// U+10000 encodes as 0xD800 0xDC00 in UTF-16 and sorts before U+E000,
	// the reverse of UTF-8 byte order.
	obj := Object{"\uE000": Int(1), "\U00010000": Int(2)}
	assert.Equal(t, []string{"\U00010000", "\uE000"}, obj.SortedKeys())
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same string", Str("x"), Str("x"), true},
		{"different kind", Str("1"), Int(1), false},
		{"int", Int(3), Int(3), true},
		{"bool", Bool(true), Bool(false), false},
		{"list order matters", List{Int(1), Int(2)}, List{Int(2), Int(1)}, false},
		{"list", List{Int(1), Str("a")}, List{Int(1), Str("a")}, true},
		{"object key order irrelevant", Object{"a": Int(1), "b": Int(2)}, Object{"b": Int(2), "a": Int(1)}, true},
		{"object missing key", Object{"a": Int(1)}, Object{"b": Int(1)}, false},
		{"nested", Object{"x": List{Object{"y": Bool(true)}}}, Object{"x": List{Object{"y": Bool(true)}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{
		"name":   "a",
		"weight": 3,
		"whole":  float64(7),
		"tags":   []any{"x", true},
	})
	require.NoError(t, err)
	assert.True(t, Equal(Object{
		"name":   Str("a"),
		"weight": Int(3),
		"whole":  Int(7),
		"tags":   List{Str("x"), Bool(true)},
	}, v))

	_, err = FromGo(1.5)
	assert.Error(t, err)

	_, err = FromGo(map[string]any{"k": nil})
	assert.Error(t, err)
}

func TestToGoRoundTrip(t *testing.T) {
	obj := Object{"a": List{Int(1), Str("b")}, "c": Bool(false)}
	back, err := FromGo(ToGo(obj))
	require.NoError(t, err)
	assert.True(t, Equal(obj, back))
}

func TestParseValueRejectsFloatsAndNull(t *testing.T) {
	for _, input := range []string{`1.5`, `1e3`, `null`, `{"a":null}`, `[1,2.0]`} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseValue([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestObjectJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Props Object `json:"props"`
	}
	in := wrapper{Props: Object{"z": Int(1), "a": Str("<tag>")}}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, Equal(in.Props, out.Props))
}

func TestObjectCloneNil(t *testing.T) {
	var obj Object
	c := obj.Clone()
	require.NotNil(t, c)
	c["k"] = Int(1)
	assert.Nil(t, obj)
}
