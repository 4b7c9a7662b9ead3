package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/grafting/internal/ir"
)

// Compact materializes every version that exists only in the WAL: it
// writes their new segments to the object store, records their manifests
// and advances the head ref and checkpoint in one SQLite transaction, and
// finally drops the folded records from the WAL. It returns the number of
// versions materialized.
//
// Readers are not blocked. Commits are blocked only while the WAL file is
// rewritten.
func (s *Store) Compact(ctx context.Context) (int, error) {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	s.mu.RLock()
	batch := append([]pendingVersion(nil), s.pending...)
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return 0, fmt.Errorf("compact: store is closed")
	}
	if len(batch) == 0 {
		return 0, nil
	}

	written := 0
	for _, pv := range batch {
		vsegs, esegs := pv.ref.Segments()
		for _, seg := range append(vsegs, esegs...) {
			if err := ctx.Err(); err != nil {
				return 0, ir.Wrap(ir.CodeCancelled, err, "compaction cancelled")
			}
			has, err := s.objects.Has(seg.Hash())
			if err != nil {
				return 0, fmt.Errorf("compact: %w", err)
			}
			if has {
				continue
			}
			if err := s.objects.Put(seg.Hash(), compressSegment(seg.Encode())); err != nil {
				return 0, fmt.Errorf("compact: %w", err)
			}
			written++
		}
	}

	last := batch[len(batch)-1].ref
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	defer tx.Rollback()

	for _, pv := range batch {
		patch, err := ir.MarshalPatch(pv.patch)
		if err != nil {
			return 0, fmt.Errorf("compact: %w", err)
		}
		if err := insertManifest(ctx, tx, newManifest(pv.ref, patch)); err != nil {
			return 0, fmt.Errorf("compact: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refs (name, hash) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET hash = excluded.hash
	`, headRef, last.Version().String()); err != nil {
		return 0, fmt.Errorf("compact: update head: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint (id, seq) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET seq = excluded.seq
	`, last.Seq()); err != nil {
		return 0, fmt.Errorf("compact: update checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}

	// The manifests are durable; a crash from here on only leaves records
	// that load skips as already checkpointed.
	s.commitMu.Lock()
	err = s.wal.dropThrough(last.Seq())
	s.commitMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}

	s.mu.Lock()
	s.pending = s.pending[len(batch):]
	for _, pv := range batch {
		delete(s.walOnly, pv.ref.Version())
		vsegs, esegs := pv.ref.Segments()
		for _, seg := range append(vsegs, esegs...) {
			s.segCache[seg.Hash()] = seg
		}
	}
	s.mu.Unlock()

	if gc, ok := s.objects.(garbageCollector); ok {
		gc.collectGarbage()
	}
	s.metrics.ObserveCompaction(written)
	s.logger.Debug("compacted",
		"versions", len(batch),
		"segments_written", written,
		"checkpoint", last.Seq())
	return len(batch), nil
}

// runCompactor calls Compact every interval until Close.
func (s *Store) runCompactor(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.Compact(context.Background()); err != nil {
				s.logger.Warn("background compaction failed", "error", err)
			}
		}
	}
}
