package graph_test

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/testutil"
)

func TestExportNodeLinkGolden(t *testing.T) {
	data, err := graph.ExportNodeLink(testutil.Chain(3))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "chain3_nodelink", data)
}

func TestNodeLinkRoundTrip(t *testing.T) {
	original := testutil.Triangle()
	data, err := graph.ExportNodeLink(original)
	require.NoError(t, err)

	doc, err := graph.ParseNodeLink(data)
	require.NoError(t, err)
	p, err := doc.Patch()
	require.NoError(t, err)

	imported := testutil.Build(graph.Empty(), p)
	assert.Equal(t, original.Root(), imported.Root())
}

func TestNodeLinkPatchErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"two labels", `{"nodes":[{"id":"a","labels":["V","W"]}],"edges":[],"props":{}}`},
		{"duplicate id", `{"nodes":[{"id":"a","labels":["V"]},{"id":"a","labels":["V"]}],"edges":[],"props":{}}`},
		{"unknown endpoint", `{"nodes":[{"id":"a","labels":["V"]}],"edges":[{"id":"e","src":"a","dst":"b","label":"E"}],"props":{}}`},
		{"stray props", `{"nodes":[],"edges":[],"props":{"q":{"k":1}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := graph.ParseNodeLink([]byte(tt.doc))
			require.NoError(t, err)
			_, err = doc.Patch()
			assert.Error(t, err)
		})
	}

	_, err := graph.ParseNodeLink([]byte(`{"nodes":[],"extra":1}`))
	assert.Error(t, err)
	_, err = graph.ParseNodeLink([]byte(`{"nodes":[],"edges":[],"props":{"a":{"w":0.5}}}`))
	assert.Error(t, err)
}
