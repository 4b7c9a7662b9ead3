package txn

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/grafting/internal/ir"
)

// Rebase moves an active transaction whose commit hit CONFLICT onto the
// current head. The old transaction is aborted and a new one, staged with
// the same patch, is returned.
//
// Rebasing succeeds only when the staged patch does not overlap anything
// committed since the old base: neither side may delete or update an
// element the other deletes, updates or uses as an endpoint. Overlap is
// CONFLICT; a patch that no longer stages on the new head is
// STRUCTURAL_VIOLATION. Patches name new elements by ref, so new StableIds
// are assigned afresh from the new head.
func (m *Manager) Rebase(ctx context.Context, tx *Tx) (*Tx, error) {
	tx.mu.Lock()
	status, patch, base := tx.status, tx.patch, tx.base
	tx.mu.Unlock()
	if status != StatusActive {
		return nil, fmt.Errorf("rebase %s: %w", tx.id, ErrNotActive)
	}
	if patch == nil {
		return nil, fmt.Errorf("rebase %s: nothing staged", tx.id)
	}

	head := m.store.Head()
	if head.Version() != base.Version() {
		theirs, err := m.committedSince(ctx, base.Version(), base.Seq())
		if err != nil {
			return nil, err
		}
		if id, ok := overlap(patch, theirs); ok {
			return nil, ir.Errorf(ir.CodeConflict, "patch overlaps a concurrent commit at element %d", id).
				With("tx", tx.id).
				With("base", base.Version().Short()).
				With("head", head.Version().Short())
		}
	}

	next := m.Begin(head)
	if err := m.Stage(next, patch); err != nil {
		next.status = StatusAborted
		return nil, err
	}
	if err := m.Abort(tx); err != nil {
		return nil, err
	}
	m.logger.Debug("rebased transaction", "from", tx.id, "to", next.id, "head", head.Version().Short())
	return next, nil
}

// committedSince returns the patches on the first-parent path from the
// head back to base, oldest first. base not being an ancestor of the
// head is CONFLICT.
func (m *Manager) committedSince(ctx context.Context, base ir.Hash, baseSeq int64) ([]*ir.Patch, error) {
	var out []*ir.Patch
	cur := m.store.Head()
	for cur.Version() != base {
		if cur.Seq() <= baseSeq || len(cur.Parents()) == 0 {
			return nil, ir.Errorf(ir.CodeConflict, "base %s is not an ancestor of the head", base.Short())
		}
		p, err := m.store.Patch(ctx, cur.Version())
		if err != nil {
			return nil, fmt.Errorf("rebase: %w", err)
		}
		out = append(out, p)
		parent, err := m.store.OpenVersion(ctx, cur.Parents()[0])
		if err != nil {
			return nil, fmt.Errorf("rebase: %w", err)
		}
		cur = parent
	}
	slices.Reverse(out)
	return out, nil
}

// overlap reports the smallest element id that ours writes and theirs
// reads or writes, or the reverse.
func overlap(ours *ir.Patch, theirs []*ir.Patch) (ir.StableID, bool) {
	ourWrites, ourReads := footprint(ours)
	var hits []ir.StableID
	for _, p := range theirs {
		w, r := footprint(p)
		for id := range ourWrites {
			if w[id] || r[id] {
				hits = append(hits, id)
			}
		}
		for id := range ourReads {
			if w[id] {
				hits = append(hits, id)
			}
		}
	}
	if len(hits) == 0 {
		return 0, false
	}
	return slices.Min(hits), true
}

// footprint splits a patch's existing-element references into writes
// (deleted or updated) and reads (used as an endpoint).
func footprint(p *ir.Patch) (writes, reads map[ir.StableID]bool) {
	writes = map[ir.StableID]bool{}
	reads = map[ir.StableID]bool{}
	for _, id := range p.Touched() {
		writes[id] = true
	}
	endpoint := func(e ir.EndpointRef) {
		if !e.IsRef() {
			reads[e.ID] = true
		}
	}
	for _, e := range p.Adds.E {
		endpoint(e.Src)
		endpoint(e.Dst)
	}
	for _, r := range p.Updates.Relink {
		endpoint(r.Src)
		endpoint(r.Dst)
	}
	return writes, reads
}
