package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", Str("hello"), `"hello"`},
		{"empty string", Str(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"min int64", Int(-9223372036854775808), "-9223372036854775808"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"empty list", List{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"nil object", Object(nil), "{}"},
		{"list of ints", List{Int(1), Int(2), Int(3)}, "[1,2,3]"},
		{"sorted keys", Object{"zebra": Int(1), "alpha": Int(2)}, `{"alpha":2,"zebra":1}`},
		{"nested", Object{"z": Object{"b": Int(1), "a": Int(2)}, "a": Int(3)}, `{"a":3,"z":{"a":2,"b":1}}`},
		{"go map", map[string]any{"b": 1, "a": "x"}, `{"a":"x","b":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no html escaping", "a<b>&c", `"a<b>&c"`},
		{"quote and backslash", `say "hi" \ bye`, `"say \"hi\" \\ bye"`},
		{"newline and tab", "a\nb\tc", `"a\nb\tc"`},
		{"control char", "\x01", `"\u0001"`},
		{"unit separator", "\x1f", `"\u001f"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
		{"paragraph separator literal", "a\u2029b", "\"a\u2029b\""},
		{"backslash u text stays escaped", `\u2028`, `"\\u2028"`},
		{"NFC normalization", "e\u0301", "\"\u00e9\""},
		{"emoji", "\U0001F600", "\"\U0001F600\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(Str(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalRejects(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"nil", nil},
		{"float64", 1.5},
		{"float32", float32(2)},
		{"nested nil", Object{"a": nil}},
		{"unsupported", struct{}{}},
		{"float in go map", map[string]any{"x": 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	obj := Object{}
	for _, k := range []string{"q", "w", "e", "r", "t", "y", "u", "i", "o", "p"} {
		obj[k] = Str(k)
	}
	first := MustMarshalCanonical(obj)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, MustMarshalCanonical(obj))
	}
}

func TestMarshalCanonicalParseRoundTrip(t *testing.T) {
	obj := Object{
		"name":  Str("graph <1>"),
		"count": Int(-7),
		"tags":  List{Str("a"), Bool(true), Object{"k": Int(0)}},
	}
	data := MustMarshalCanonical(obj)
	back, err := ParseValue(data)
	require.NoError(t, err)
	assert.True(t, Equal(obj, back))
	assert.Equal(t, data, MustMarshalCanonical(back))
}
