package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/ir"
)

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs()
	assert.Equal(t, "tx-000001", g.NewID())
	assert.Equal(t, "tx-000002", g.NewID())
	assert.Equal(t, int64(2), g.Issued())

	g.Reset()
	assert.Equal(t, "tx-000001", g.NewID())
}

func TestSequentialIDsThreadSafe(t *testing.T) {
	g := NewSequentialIDs()
	const workers, calls = 20, 50

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				id := g.NewID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*calls)
}

func TestTriangleFixture(t *testing.T) {
	g := Triangle()
	assert.Equal(t, 5, g.VertexCount())
	assert.Equal(t, 4, g.EdgeCount())
	assert.Equal(t, int64(1), g.Seq())

	e1, ok := g.Edge(TriE1)
	require.True(t, ok)
	assert.Equal(t, TriU, e1.Src)
	assert.Equal(t, TriV, e1.Dst)

	e4, ok := g.Edge(TriE4)
	require.True(t, ok)
	assert.Equal(t, TriW, e4.Src)
	assert.Equal(t, TriY, e4.Dst)

	assert.Equal(t, 2, g.OutDegree(TriU)+g.InDegree(TriU))
	assert.Equal(t, 2, g.OutDegree(TriW)+g.InDegree(TriW))
}

func TestChainFixture(t *testing.T) {
	g := Chain(4)
	assert.Equal(t, 4, g.VertexCount())
	assert.Equal(t, 3, g.EdgeCount())
}

func TestRuleFixturesValidate(t *testing.T) {
	cat := Catalog()
	for _, r := range []*ir.Rule{TriangleRule(), GrowRule(), DropEdgeRule(), DeleteVertexRule()} {
		t.Run(r.Name, func(t *testing.T) {
			assert.Empty(t, r.Validate())
			assert.NoError(t, cat.CheckRule(r))
		})
	}
}
