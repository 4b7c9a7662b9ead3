package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/testutil"
)

// createTestStore creates a new in-memory store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := InMemoryConfig()
	cfg.Logger = testutil.DiscardLogger()
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// openDirStore opens a store in dir with the given backend. The caller
// closes it.
func openDirStore(t *testing.T, dir string, backend Backend) *Store {
	t.Helper()
	cfg := DefaultConfig(dir)
	cfg.Backend = backend
	cfg.SyncWrites = false
	cfg.CompactInterval = 0
	cfg.Logger = testutil.DiscardLogger()
	s, err := Open(cfg)
	require.NoError(t, err)
	return s
}

// commitPatch applies p to the current head and commits it.
func commitPatch(t *testing.T, s *Store, p *ir.Patch) *graph.Ref {
	t.Helper()
	base := s.Head()
	next, _, err := graph.Apply(base, p, nil)
	require.NoError(t, err)
	out, err := s.Commit(context.Background(), base, next, p)
	require.NoError(t, err)
	return out
}

// renamePatch sets the name of vertex id.
func renamePatch(id ir.StableID, name string) *ir.Patch {
	return &ir.Patch{Updates: ir.Updates{Props: []ir.PropUpdate{
		{ID: id, Set: ir.Object{"name": ir.Str(name)}},
	}}}
}
