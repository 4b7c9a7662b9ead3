package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates transaction ids "tx-000001", "tx-000002", ...
//
// Unlike the uuid v7 default, SequentialIDs can be reset, so the same
// scenario run twice produces byte-identical traces.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu  sync.Mutex
	seq int64
}

// NewSequentialIDs creates a generator whose first id is "tx-000001".
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

// NewID returns the next id. Implements txn.IDGenerator.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("tx-%06d", g.seq)
}

// Issued returns how many ids have been handed out.
func (g *SequentialIDs) Issued() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts the sequence.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
