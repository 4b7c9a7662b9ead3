package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trianglePatch() *Patch {
	return &Patch{
		Adds: Adds{E: []NewEdge{{Ref: "e3", Src: ToID(1), Dst: ToID(3), Type: "E"}}},
		Dels: Dels{V: []StableID{2}, E: []StableID{4, 5}},
	}
}

func TestMarshalPatchCanonical(t *testing.T) {
	data, err := MarshalPatch(trianglePatch())
	require.NoError(t, err)
	assert.Equal(t,
		`{"patch":{"adds":{"e":[{"dst":{"id":3},"props":{},"ref":"e3","src":{"id":1},"type":"E"}],"v":[]},`+
			`"dels":{"e":[4,5],"v":[2]},"updates":{"props":[],"relink":[]}}}`,
		string(data))
}

func TestPatchRoundTripKeepsHash(t *testing.T) {
	p := &Patch{
		Adds: Adds{
			V: []NewVertex{{Ref: "n", Type: "V", Props: Object{"name": Str("x")}}},
			E: []NewEdge{{Ref: "e", Src: ToRef("n"), Dst: ToID(7), Type: "E"}},
		},
		Dels: Dels{E: []StableID{9}},
		Updates: Updates{
			Props:  []PropUpdate{{ID: 7, Set: Object{"w": Int(2)}, Unset: []string{"old"}}},
			Relink: []Relink{{ID: 8, Src: ToID(7), Dst: ToRef("n")}},
		},
	}
	require.NoError(t, p.Validate())

	data, err := MarshalPatch(p)
	require.NoError(t, err)
	back, err := ParsePatch(data)
	require.NoError(t, err)
	assert.Equal(t, p.Hash(), back.Hash())

	again, err := MarshalPatch(back)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestPatchValidate(t *testing.T) {
	tests := []struct {
		name  string
		patch Patch
	}{
		{"vertex without ref", Patch{Adds: Adds{V: []NewVertex{{Type: "V"}}}}},
		{"vertex without type", Patch{Adds: Adds{V: []NewVertex{{Ref: "a"}}}}},
		{"duplicate ref", Patch{Adds: Adds{V: []NewVertex{{Ref: "a", Type: "V"}, {Ref: "a", Type: "V"}}}}},
		{"edge to unknown ref", Patch{Adds: Adds{E: []NewEdge{{Ref: "e", Src: ToRef("x"), Dst: ToID(1), Type: "E"}}}}},
		{"edge endpoint empty", Patch{Adds: Adds{E: []NewEdge{{Ref: "e", Dst: ToID(1), Type: "E"}}}}},
		{"edge endpoint names an edge ref", Patch{Adds: Adds{E: []NewEdge{
			{Ref: "e", Src: ToID(1), Dst: ToID(2), Type: "E"},
			{Ref: "f", Src: ToRef("e"), Dst: ToID(2), Type: "E"},
		}}}},
		{"relink to unknown ref", Patch{Updates: Updates{Relink: []Relink{{ID: 3, Src: ToRef("q"), Dst: ToID(1)}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			require.Error(t, err)
			assert.True(t, IsStructuralViolation(err))
		})
	}
}

func TestPatchTouchedAndEmpty(t *testing.T) {
	assert.True(t, (&Patch{}).IsEmpty())
	p := trianglePatch()
	assert.False(t, p.IsEmpty())
	p.Updates.Props = []PropUpdate{{ID: 1, Set: Object{"a": Int(1)}}}
	assert.ElementsMatch(t, []StableID{2, 4, 5, 1}, p.Touched())
}

func TestParsePatchRejectsGarbage(t *testing.T) {
	_, err := ParsePatch([]byte(`{"patch":{"adds":{"v":[{"ref":"a","type":"V","props":{"f":1.5}}]}}}`))
	assert.Error(t, err)
	_, err = ParsePatch([]byte(`{"nope":{}}`))
	assert.Error(t, err)
}
