package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

const headRef = "head"

// manifest is one row of the versions table.
type manifest struct {
	Hash      ir.Hash
	Seq       int64
	Root      ir.Hash
	Parents   []ir.Hash
	PatchHash ir.Hash
	Patch     []byte
	NextID    ir.StableID
	Segments  segmentList
	Vertices  int
	Edges     int
}

// segmentList names a version's segments in bucket order.
type segmentList struct {
	V []ir.Hash `json:"v"`
	E []ir.Hash `json:"e"`
}

func newManifest(r *graph.Ref, patch []byte) manifest {
	vsegs, esegs := r.Segments()
	m := manifest{
		Hash:      r.Version(),
		Seq:       r.Seq(),
		Root:      r.Root(),
		Parents:   r.Parents(),
		PatchHash: r.PatchHash(),
		Patch:     patch,
		NextID:    r.NextID(),
		Segments:  segmentList{V: make([]ir.Hash, len(vsegs)), E: make([]ir.Hash, len(esegs))},
		Vertices:  r.VertexCount(),
		Edges:     r.EdgeCount(),
	}
	for i, s := range vsegs {
		m.Segments.V[i] = s.Hash()
	}
	for i, s := range esegs {
		m.Segments.E[i] = s.Hash()
	}
	return m
}

func insertManifest(ctx context.Context, tx *sql.Tx, m manifest) error {
	parents, err := json.Marshal(hexList(m.Parents))
	if err != nil {
		return err
	}
	segments, err := json.Marshal(m.Segments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO versions
		(hash, seq, root, parents, patch_hash, patch, next_id, segments, vertices, edges)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`,
		m.Hash.String(),
		m.Seq,
		m.Root.String(),
		string(parents),
		m.PatchHash.String(),
		m.Patch,
		int64(m.NextID),
		string(segments),
		m.Vertices,
		m.Edges,
	)
	if err != nil {
		return fmt.Errorf("insert manifest %s: %w", m.Hash.Short(), err)
	}
	return nil
}

// readManifest returns the manifest row for h, or NOT_FOUND.
func (s *Store) readManifest(ctx context.Context, h ir.Hash) (manifest, error) {
	var (
		m                              manifest
		root, parents, patchHash, segs string
		seq, nextID                    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, root, parents, patch_hash, patch, next_id, segments, vertices, edges
		FROM versions WHERE hash = ?
	`, h.String()).Scan(&seq, &root, &parents, &patchHash, &m.Patch, &nextID, &segs, &m.Vertices, &m.Edges)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ir.Errorf(ir.CodeNotFound, "version %s not found", h.Short())
	}
	if err != nil {
		return m, fmt.Errorf("read manifest %s: %w", h.Short(), err)
	}

	m.Hash = h
	m.Seq = seq
	m.NextID = ir.StableID(nextID)
	if m.Root, err = ir.ParseHash(root); err != nil {
		return m, ir.Wrap(ir.CodeIntegrity, err, "manifest %s root", h.Short())
	}
	if m.PatchHash, err = ir.ParseHash(patchHash); err != nil {
		return m, ir.Wrap(ir.CodeIntegrity, err, "manifest %s patch hash", h.Short())
	}
	if err := json.Unmarshal([]byte(parents), &m.Parents); err != nil {
		return m, ir.Wrap(ir.CodeIntegrity, err, "manifest %s parents", h.Short())
	}
	if err := json.Unmarshal([]byte(segs), &m.Segments); err != nil {
		return m, ir.Wrap(ir.CodeIntegrity, err, "manifest %s segments", h.Short())
	}
	return m, nil
}

// materialize rebuilds the version a manifest describes, verifying every
// segment hash, every element hash, the content root and the version hash.
// With cached set, decoded segments are shared through the segment cache.
func (s *Store) materialize(m manifest, cached bool) (*graph.Ref, error) {
	load := func(hashes []ir.Hash) ([]*graph.Segment, error) {
		out := make([]*graph.Segment, len(hashes))
		for i, h := range hashes {
			seg, err := s.segment(h, cached)
			if err != nil {
				return nil, fmt.Errorf("version %s: %w", m.Hash.Short(), err)
			}
			out[i] = seg
		}
		return out, nil
	}
	vsegs, err := load(m.Segments.V)
	if err != nil {
		return nil, err
	}
	esegs, err := load(m.Segments.E)
	if err != nil {
		return nil, err
	}

	r, err := graph.Assemble(vsegs, esegs, m.NextID)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", m.Hash.Short(), err)
	}
	if r.Root() != m.Root {
		return nil, ir.Errorf(ir.CodeIntegrity, "content root mismatch").
			With("version", m.Hash.Short()).With("want", m.Root.Short()).With("got", r.Root().Short())
	}
	sealed := r.Seal(m.Parents, m.PatchHash, m.Seq)
	if sealed.Version() != m.Hash {
		return nil, ir.Errorf(ir.CodeIntegrity, "version hash mismatch").
			With("want", m.Hash.Short()).With("got", sealed.Version().Short())
	}
	return sealed, nil
}

func (s *Store) segment(h ir.Hash, cached bool) (*graph.Segment, error) {
	if cached {
		s.mu.RLock()
		seg, ok := s.segCache[h]
		s.mu.RUnlock()
		if ok {
			return seg, nil
		}
	}

	data, err := s.objects.Get(h)
	if ir.IsNotFound(err) {
		return nil, ir.Errorf(ir.CodeIntegrity, "segment %s is missing from the object store", h.Short())
	}
	if err != nil {
		return nil, err
	}
	raw, err := decompressSegment(data)
	if err != nil {
		return nil, ir.Wrap(ir.CodeIntegrity, err, "segment %s", h.Short())
	}
	seg, err := graph.DecodeSegment(raw, h)
	if err != nil {
		return nil, err
	}

	if cached {
		s.mu.Lock()
		s.segCache[h] = seg
		s.mu.Unlock()
	}
	return seg, nil
}

// load establishes the head at Open: genesis, then the materialized head
// from the manifest database, then every WAL record past it.
func (s *Store) load(ctx context.Context) error {
	genesis := graph.Empty()
	s.versions[genesis.Version()] = genesis
	s.head = genesis

	var headHex string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM refs WHERE name = ?`, headRef).Scan(&headHex)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read head ref: %w", err)
	default:
		h, err := ir.ParseHash(headHex)
		if err != nil {
			return ir.Wrap(ir.CodeIntegrity, err, "head ref")
		}
		m, err := s.readManifest(ctx, h)
		if err != nil {
			if ir.IsNotFound(err) {
				return ir.Errorf(ir.CodeIntegrity, "head %s has no manifest", h.Short())
			}
			return err
		}
		r, err := s.materialize(m, true)
		if err != nil {
			return err
		}
		s.versions[h] = r
		s.head = r
	}

	var checkpoint int64
	err = s.db.QueryRowContext(ctx, `SELECT seq FROM checkpoint WHERE id = 1`).Scan(&checkpoint)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if checkpoint != s.head.Seq() {
		return ir.Errorf(ir.CodeIntegrity, "checkpoint %d does not match head sequence %d", checkpoint, s.head.Seq())
	}

	entries, torn, err := s.wal.read()
	if err != nil {
		return err
	}
	if torn {
		s.logger.Warn("discarded torn wal tail", "path", s.wal.path)
	}
	replayed := 0
	for _, e := range entries {
		// Records at or below the checkpoint were materialized but the
		// WAL was not rewritten before shutdown.
		if e.Seq <= checkpoint {
			continue
		}
		if err := s.replay(e); err != nil {
			return err
		}
		replayed++
	}
	if replayed > 0 {
		s.logger.Info("replayed wal", "records", replayed, "head", s.head.Version().Short(), "seq", s.head.Seq())
	}
	return nil
}

// replay re-applies one WAL record on the current head and checks that it
// reproduces the recorded root, next id and version hash.
func (s *Store) replay(e *walEntry) error {
	if e.Base != s.head.Version() {
		return ir.Errorf(ir.CodeIntegrity, "wal record %d does not extend the head", e.Seq).
			With("base", e.Base.Short()).With("head", s.head.Version().Short())
	}
	p, err := e.patch()
	if err != nil {
		return ir.Wrap(ir.CodeIntegrity, err, "wal record %d patch", e.Seq)
	}
	next, _, err := graph.Apply(s.head, p, nil)
	if err != nil {
		return ir.Wrap(ir.CodeIntegrity, err, "wal record %d no longer applies", e.Seq)
	}
	if next.Root() != e.Root || next.NextID() != e.NextID {
		return ir.Errorf(ir.CodeIntegrity, "wal record %d replays to different content", e.Seq).
			With("want", e.Root.Short()).With("got", next.Root().Short())
	}
	sealed := next.Seal([]ir.Hash{e.Base}, p.Hash(), e.Seq)
	if sealed.Version() != e.Version {
		return ir.Errorf(ir.CodeIntegrity, "wal record %d version hash mismatch", e.Seq).
			With("want", e.Version.Short()).With("got", sealed.Version().Short())
	}

	s.versions[sealed.Version()] = sealed
	s.walOnly[sealed.Version()] = p
	s.pending = append(s.pending, pendingVersion{ref: sealed, patch: p})
	s.head = sealed
	return nil
}

func hexList(hs []ir.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}
