package graph

import (
	"maps"
	"slices"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/ir"
)

// Assigned maps the refs of a patch's added elements to the StableIDs they
// received.
type Assigned map[string]ir.StableID

// Check validates p against base without building anything: deleted and
// updated elements exist, endpoints are live vertices or vertices added by
// the same patch, no deletion leaves a dangling edge, and, when cat is not
// nil, types and endpoint types are allowed.
func Check(base *Ref, p *ir.Patch, cat *catalog.Catalog) error {
	_, err := plan(base, p, cat)
	return err
}

// Apply applies p to base and returns the resulting unsealed graph. base is
// not modified; segments the patch does not touch are shared.
func Apply(base *Ref, p *ir.Patch, cat *catalog.Catalog) (*Ref, Assigned, error) {
	pl, err := plan(base, p, cat)
	if err != nil {
		return nil, nil, err
	}
	return pl.build()
}

type row struct {
	typ   string
	props ir.Object
	src   ir.StableID
	dst   ir.StableID
	hash  ir.Hash
}

type applyPlan struct {
	base     *Ref
	patch    *ir.Patch
	assigned Assigned
	delV     map[ir.StableID]bool
	delE     map[ir.StableID]bool
	relinks  map[ir.StableID][2]ir.StableID
}

func violation(reason, format string, args ...any) *ir.Error {
	return ir.Errorf(ir.CodeStructuralViolation, format, args...).With("reason", reason)
}

func plan(base *Ref, p *ir.Patch, cat *catalog.Catalog) (*applyPlan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	pl := &applyPlan{
		base:     base,
		patch:    p,
		assigned: make(Assigned, len(p.Adds.V)+len(p.Adds.E)),
		delV:     make(map[ir.StableID]bool, len(p.Dels.V)),
		delE:     make(map[ir.StableID]bool, len(p.Dels.E)),
		relinks:  make(map[ir.StableID][2]ir.StableID, len(p.Updates.Relink)),
	}

	next := base.NextID()
	newTypes := make(map[string]string, len(p.Adds.V))
	for _, v := range p.Adds.V {
		pl.assigned[v.Ref] = next
		newTypes[v.Ref] = v.Type
		next++
		if cat != nil {
			if err := cat.CheckVertex(v.Type); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range p.Adds.E {
		pl.assigned[e.Ref] = next
		next++
	}

	for _, id := range p.Dels.V {
		if !base.HasVertex(id) {
			return nil, violation("missing", "deleted vertex %d does not exist", id).With("id", id.String())
		}
		if pl.delV[id] {
			return nil, violation("duplicate", "vertex %d deleted twice", id)
		}
		pl.delV[id] = true
	}
	for _, id := range p.Dels.E {
		if !base.HasEdge(id) {
			return nil, violation("missing", "deleted edge %d does not exist", id).With("id", id.String())
		}
		if pl.delE[id] {
			return nil, violation("duplicate", "edge %d deleted twice", id)
		}
		pl.delE[id] = true
	}

	// resolve maps an endpoint to a live vertex id and its type.
	resolve := func(end ir.EndpointRef) (ir.StableID, string, error) {
		if end.IsRef() {
			return pl.assigned[end.Ref], newTypes[end.Ref], nil
		}
		v, ok := base.Vertex(end.ID)
		if !ok {
			return 0, "", violation("missing", "endpoint %d is not a vertex", end.ID).With("id", end.ID.String())
		}
		if pl.delV[end.ID] {
			return 0, "", violation("missing", "endpoint %d is deleted by the same patch", end.ID).With("id", end.ID.String())
		}
		return end.ID, v.Type, nil
	}

	for _, u := range p.Updates.Props {
		if !base.HasVertex(u.ID) && !base.HasEdge(u.ID) {
			return nil, violation("missing", "updated element %d does not exist", u.ID).With("id", u.ID.String())
		}
		if pl.delV[u.ID] || pl.delE[u.ID] {
			return nil, violation("missing", "updated element %d is deleted by the same patch", u.ID).With("id", u.ID.String())
		}
	}
	for _, rl := range p.Updates.Relink {
		e, ok := base.Edge(rl.ID)
		if !ok {
			return nil, violation("missing", "relinked edge %d does not exist", rl.ID).With("id", rl.ID.String())
		}
		if pl.delE[rl.ID] {
			return nil, violation("missing", "relinked edge %d is deleted by the same patch", rl.ID)
		}
		if _, dup := pl.relinks[rl.ID]; dup {
			return nil, violation("duplicate", "edge %d relinked twice", rl.ID)
		}
		src, srcType, err := resolve(rl.Src)
		if err != nil {
			return nil, err
		}
		dst, dstType, err := resolve(rl.Dst)
		if err != nil {
			return nil, err
		}
		if cat != nil {
			if err := cat.CheckEdge(e.Type, srcType, dstType); err != nil {
				return nil, err
			}
		}
		pl.relinks[rl.ID] = [2]ir.StableID{src, dst}
	}
	for _, e := range p.Adds.E {
		_, srcType, err := resolve(e.Src)
		if err != nil {
			return nil, err
		}
		_, dstType, err := resolve(e.Dst)
		if err != nil {
			return nil, err
		}
		if cat != nil {
			if err := cat.CheckEdge(e.Type, srcType, dstType); err != nil {
				return nil, err
			}
		}
	}

	// Dangling-edge condition: every edge incident to a deleted vertex is
	// deleted too, or relinked away from it.
	for _, id := range p.Dels.V {
		for _, e := range append(base.EdgesOut(id), base.EdgesIn(id)...) {
			if pl.delE[e.ID] {
				continue
			}
			if ends, ok := pl.relinks[e.ID]; ok && ends[0] != id && ends[1] != id {
				continue
			}
			return nil, violation("dangling_edge", "deleting vertex %d leaves edge %d dangling", id, e.ID).
				With("vertex", id.String()).With("edge", e.ID.String())
		}
	}
	return pl, nil
}

func (pl *applyPlan) build() (*Ref, Assigned, error) {
	base, p := pl.base, pl.patch
	vt := newTouched(base.vsegs, KindVertex)
	et := newTouched(base.esegs, KindEdge)

	for _, id := range p.Dels.V {
		delete(vt.rows(id), id)
	}
	for _, id := range p.Dels.E {
		delete(et.rows(id), id)
	}
	for _, u := range p.Updates.Props {
		t := vt
		if base.HasEdge(u.ID) {
			t = et
		}
		rows := t.rows(u.ID)
		r := rows[u.ID]
		props := r.props.Clone()
		for k, v := range u.Set {
			props[k] = v
		}
		for _, k := range u.Unset {
			delete(props, k)
		}
		r.props = props
		r.hash = ir.Hash{}
		rows[u.ID] = r
	}
	for id, ends := range pl.relinks {
		rows := et.rows(id)
		r := rows[id]
		r.src, r.dst = ends[0], ends[1]
		r.hash = ir.Hash{}
		rows[id] = r
	}
	for _, v := range p.Adds.V {
		id := pl.assigned[v.Ref]
		vt.rows(id)[id] = row{typ: v.Type, props: v.Props.Clone()}
	}
	for _, e := range p.Adds.E {
		id := pl.assigned[e.Ref]
		et.rows(id)[id] = row{
			typ:   e.Type,
			props: e.Props.Clone(),
			src:   pl.endpoint(e.Src),
			dst:   pl.endpoint(e.Dst),
		}
	}

	vsegs, err := vt.segments()
	if err != nil {
		return nil, nil, err
	}
	esegs, err := et.segments()
	if err != nil {
		return nil, nil, err
	}
	out := &Ref{
		nextID: base.nextID + ir.StableID(len(p.Adds.V)+len(p.Adds.E)),
		vsegs:  vsegs,
		esegs:  esegs,
		vcount: base.vcount - len(p.Dels.V) + len(p.Adds.V),
		ecount: base.ecount - len(p.Dels.E) + len(p.Adds.E),
		idx:    &lazyIndex{},
	}
	out.root = out.computeRoot()
	return out, pl.assigned, nil
}

func (pl *applyPlan) endpoint(end ir.EndpointRef) ir.StableID {
	if end.IsRef() {
		return pl.assigned[end.Ref]
	}
	return end.ID
}

// touched collects copy-on-write rows for the buckets a patch changes.
type touched struct {
	kind    string
	base    map[uint64]*Segment
	buckets map[uint64]map[ir.StableID]row
}

func newTouched(base map[uint64]*Segment, kind string) *touched {
	return &touched{kind: kind, base: base, buckets: map[uint64]map[ir.StableID]row{}}
}

// rows returns the mutable rows of the bucket holding id, copying the
// base segment on first touch.
func (t *touched) rows(id ir.StableID) map[ir.StableID]row {
	b := bucketOf(id)
	if rows, ok := t.buckets[b]; ok {
		return rows
	}
	rows := map[ir.StableID]row{}
	if s, ok := t.base[b]; ok {
		for i, eid := range s.IDs {
			r := row{typ: s.Types[i], props: s.Props[i], hash: s.Hashes[i]}
			if s.Kind == KindEdge {
				r.src, r.dst = s.Src[i], s.Dst[i]
			}
			rows[eid] = r
		}
	}
	t.buckets[b] = rows
	return rows
}

func (t *touched) segments() (map[uint64]*Segment, error) {
	out := maps.Clone(t.base)
	if out == nil {
		out = map[uint64]*Segment{}
	}
	for b, rows := range t.buckets {
		if len(rows) == 0 {
			delete(out, b)
			continue
		}
		ids := slices.Sorted(maps.Keys(rows))
		s := &Segment{
			Kind:   t.kind,
			Bucket: b,
			IDs:    ids,
			Types:  make([]string, len(ids)),
			Props:  make([]ir.Object, len(ids)),
			Hashes: make([]ir.Hash, len(ids)),
		}
		if t.kind == KindEdge {
			s.Src = make([]ir.StableID, len(ids))
			s.Dst = make([]ir.StableID, len(ids))
		}
		for i, id := range ids {
			r := rows[id]
			s.Types[i] = r.typ
			s.Props[i] = r.props
			if s.Props[i] == nil {
				s.Props[i] = ir.Object{}
			}
			s.Hashes[i] = r.hash
			if t.kind == KindEdge {
				s.Src[i], s.Dst[i] = r.src, r.dst
			}
		}
		if err := s.seal(); err != nil {
			return nil, err
		}
		out[b] = s
	}
	return out, nil
}
