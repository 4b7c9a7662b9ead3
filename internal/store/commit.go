package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

// Head returns the current head version.
func (s *Store) Head() *graph.Ref {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Commit makes next, derived from base by patch, the new head.
//
// The head must still be base; otherwise Commit fails with CONFLICT and
// nothing is written. next is an unsealed Ref from graph.Apply; Commit
// seals it as base's child with the next sequence number. Commit returns
// only after the WAL record is on disk.
func (s *Store) Commit(ctx context.Context, base, next *graph.Ref, patch *ir.Patch) (*graph.Ref, error) {
	start := time.Now()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, ir.Wrap(ir.CodeCancelled, err, "commit cancelled")
	}

	s.mu.RLock()
	head, closed := s.head, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("commit: store is closed")
	}
	if head.Version() != base.Version() {
		s.metrics.IncConflict()
		return nil, ir.Errorf(ir.CodeConflict, "head moved since the transaction began").
			With("base", base.Version().Short()).
			With("head", head.Version().Short())
	}

	seq := head.Seq() + 1
	sealed := next.Seal([]ir.Hash{base.Version()}, patch.Hash(), seq)

	frame, err := encodeWALEntry(seq, sealed.Version(), base.Version(), sealed.Root(), sealed.NextID(), patch)
	if err != nil {
		return nil, err
	}
	n, err := s.wal.append(frame)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.head = sealed
	s.versions[sealed.Version()] = sealed
	s.walOnly[sealed.Version()] = patch
	s.pending = append(s.pending, pendingVersion{ref: sealed, patch: patch})
	s.mu.Unlock()

	s.metrics.ObserveCommit(start, n)
	s.logger.Debug("committed version",
		"version", sealed.Version().Short(),
		"seq", seq,
		"vertices", sealed.VertexCount(),
		"edges", sealed.EdgeCount())
	return sealed, nil
}

// OpenVersion returns the version with hash h. Versions not in memory are
// loaded from their manifest and verified on the way; an unknown hash is
// NOT_FOUND and a hash mismatch is INTEGRITY_ERROR.
func (s *Store) OpenVersion(ctx context.Context, h ir.Hash) (*graph.Ref, error) {
	s.mu.RLock()
	r, ok := s.versions[h]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}

	m, err := s.readManifest(ctx, h)
	if err != nil {
		return nil, err
	}
	r, err = s.materialize(m, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.versions[h] = r
	s.mu.Unlock()
	return r, nil
}

// Patch returns the patch that produced version h. Genesis has an empty
// patch.
func (s *Store) Patch(ctx context.Context, h ir.Hash) (*ir.Patch, error) {
	s.mu.RLock()
	p, ok := s.walOnly[h]
	r, known := s.versions[h]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	if known && r.Seq() == 0 {
		return &ir.Patch{}, nil
	}

	m, err := s.readManifest(ctx, h)
	if err != nil {
		return nil, err
	}
	p, err = ir.ParsePatch(m.Patch)
	if err != nil {
		return nil, ir.Wrap(ir.CodeIntegrity, err, "version %s patch", h.Short())
	}
	if p.Hash() != m.PatchHash {
		return nil, ir.Errorf(ir.CodeIntegrity, "patch hash mismatch for version %s", h.Short())
	}
	return p, nil
}
