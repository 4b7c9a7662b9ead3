package graph

import (
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/grafting/internal/ir"
)

// Vertex is a read-only view of one vertex. Props must not be mutated.
type Vertex struct {
	ID    ir.StableID
	Type  string
	Props ir.Object
	Hash  ir.Hash
}

// Edge is a read-only view of one edge. Props must not be mutated.
type Edge struct {
	ID    ir.StableID
	Src   ir.StableID
	Dst   ir.StableID
	Type  string
	Props ir.Object
	Hash  ir.Hash
}

// Ref is an immutable handle to one graph version. It is safe to share
// across goroutines without locking; derived indexes are built once on
// first use.
type Ref struct {
	version ir.Hash
	parents []ir.Hash
	patch   ir.Hash
	seq     int64
	root    ir.Hash
	nextID  ir.StableID
	vsegs   map[uint64]*Segment
	esegs   map[uint64]*Segment
	vcount  int
	ecount  int
	idx     *lazyIndex
}

// Empty returns the genesis graph: no elements, sequence zero, no parents.
func Empty() *Ref {
	r := &Ref{
		nextID: 1,
		vsegs:  map[uint64]*Segment{},
		esegs:  map[uint64]*Segment{},
		idx:    &lazyIndex{},
	}
	r.root = r.computeRoot()
	return r.Seal(nil, ir.Hash{}, 0)
}

// Assemble builds an unsealed Ref from loaded segments. It checks bucket
// uniqueness and referential integrity; failures are INTEGRITY_ERRORs
// because the segments came from storage.
func Assemble(vertexSegs, edgeSegs []*Segment, nextID ir.StableID) (*Ref, error) {
	r := &Ref{
		nextID: nextID,
		vsegs:  make(map[uint64]*Segment, len(vertexSegs)),
		esegs:  make(map[uint64]*Segment, len(edgeSegs)),
		idx:    &lazyIndex{},
	}
	for _, s := range vertexSegs {
		if s.Kind != KindVertex {
			return nil, ir.Errorf(ir.CodeIntegrity, "segment %s is not a vertex segment", s.hash.Short())
		}
		if _, dup := r.vsegs[s.Bucket]; dup {
			return nil, ir.Errorf(ir.CodeIntegrity, "duplicate vertex bucket %d", s.Bucket)
		}
		r.vsegs[s.Bucket] = s
		r.vcount += s.Len()
	}
	for _, s := range edgeSegs {
		if s.Kind != KindEdge {
			return nil, ir.Errorf(ir.CodeIntegrity, "segment %s is not an edge segment", s.hash.Short())
		}
		if _, dup := r.esegs[s.Bucket]; dup {
			return nil, ir.Errorf(ir.CodeIntegrity, "duplicate edge bucket %d", s.Bucket)
		}
		r.esegs[s.Bucket] = s
		r.ecount += s.Len()
	}
	for e := range r.Edges() {
		if e.ID >= nextID {
			return nil, ir.Errorf(ir.CodeIntegrity, "edge %d is not below next id %d", e.ID, nextID)
		}
		if !r.HasVertex(e.Src) || !r.HasVertex(e.Dst) {
			return nil, ir.Errorf(ir.CodeIntegrity, "edge %d has a missing endpoint", e.ID)
		}
		if r.HasVertex(e.ID) {
			return nil, ir.Errorf(ir.CodeIntegrity, "id %d is both a vertex and an edge", e.ID)
		}
	}
	for v := range r.Vertices() {
		if v.ID >= nextID {
			return nil, ir.Errorf(ir.CodeIntegrity, "vertex %d is not below next id %d", v.ID, nextID)
		}
	}
	r.root = r.computeRoot()
	return r, nil
}

// Seal returns a copy of r identified as a version with the given
// parents, producing patch and sequence number.
func (r *Ref) Seal(parents []ir.Hash, patch ir.Hash, seq int64) *Ref {
	out := *r
	out.parents = slices.Clone(parents)
	out.patch = patch
	out.seq = seq
	out.version = ir.VersionHash(r.root, parents, patch, seq)
	return &out
}

// Version returns the version hash. Zero for an unsealed Ref.
func (r *Ref) Version() ir.Hash { return r.version }

// Parents returns the parent version hashes.
func (r *Ref) Parents() []ir.Hash { return slices.Clone(r.parents) }

// PatchHash returns the hash of the patch that produced this version.
func (r *Ref) PatchHash() ir.Hash { return r.patch }

// Seq returns the commit sequence number; genesis is zero.
func (r *Ref) Seq() int64 { return r.seq }

// Root returns the Merkle root over the version's segments.
func (r *Ref) Root() ir.Hash { return r.root }

// NextID returns the next StableID this version would assign.
func (r *Ref) NextID() ir.StableID { return r.nextID }

// VertexCount returns the number of vertices.
func (r *Ref) VertexCount() int { return r.vcount }

// EdgeCount returns the number of edges.
func (r *Ref) EdgeCount() int { return r.ecount }

// Segments returns vertex and edge segments ordered by bucket.
func (r *Ref) Segments() (vertexSegs, edgeSegs []*Segment) {
	return sortedSegments(r.vsegs), sortedSegments(r.esegs)
}

func sortedSegments(m map[uint64]*Segment) []*Segment {
	buckets := slices.Sorted(maps.Keys(m))
	out := make([]*Segment, len(buckets))
	for i, b := range buckets {
		out[i] = m[b]
	}
	return out
}

func (r *Ref) computeRoot() ir.Hash {
	vs, es := r.Segments()
	leaves := make([]ir.Hash, 0, len(vs)+len(es))
	for _, s := range vs {
		leaves = append(leaves, s.hash)
	}
	for _, s := range es {
		leaves = append(leaves, s.hash)
	}
	return ir.MerkleRoot(leaves)
}

// Vertex looks up a vertex by StableID.
func (r *Ref) Vertex(id ir.StableID) (Vertex, bool) {
	s, ok := r.vsegs[bucketOf(id)]
	if !ok {
		return Vertex{}, false
	}
	i, ok := s.find(id)
	if !ok {
		return Vertex{}, false
	}
	return Vertex{ID: id, Type: s.Types[i], Props: s.Props[i], Hash: s.Hashes[i]}, true
}

// Edge looks up an edge by StableID.
func (r *Ref) Edge(id ir.StableID) (Edge, bool) {
	s, ok := r.esegs[bucketOf(id)]
	if !ok {
		return Edge{}, false
	}
	i, ok := s.find(id)
	if !ok {
		return Edge{}, false
	}
	return edgeAt(s, i), true
}

func edgeAt(s *Segment, i int) Edge {
	return Edge{
		ID:    s.IDs[i],
		Src:   s.Src[i],
		Dst:   s.Dst[i],
		Type:  s.Types[i],
		Props: s.Props[i],
		Hash:  s.Hashes[i],
	}
}

// HasVertex reports whether id is a vertex of this version.
func (r *Ref) HasVertex(id ir.StableID) bool {
	_, ok := r.Vertex(id)
	return ok
}

// HasEdge reports whether id is an edge of this version.
func (r *Ref) HasEdge(id ir.StableID) bool {
	_, ok := r.Edge(id)
	return ok
}

// ContentHash resolves a StableID to the current content hash of the
// vertex or edge it names.
func (r *Ref) ContentHash(id ir.StableID) (ir.Hash, bool) {
	if v, ok := r.Vertex(id); ok {
		return v.Hash, true
	}
	if e, ok := r.Edge(id); ok {
		return e.Hash, true
	}
	return ir.Hash{}, false
}

// Vertices iterates vertices in ascending StableID order.
func (r *Ref) Vertices() iter.Seq[Vertex] {
	return func(yield func(Vertex) bool) {
		for _, s := range sortedSegments(r.vsegs) {
			for i := range s.IDs {
				if !yield(Vertex{ID: s.IDs[i], Type: s.Types[i], Props: s.Props[i], Hash: s.Hashes[i]}) {
					return
				}
			}
		}
	}
}

// Edges iterates edges in ascending StableID order.
func (r *Ref) Edges() iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		for _, s := range sortedSegments(r.esegs) {
			for i := range s.IDs {
				if !yield(edgeAt(s, i)) {
					return
				}
			}
		}
	}
}

// EdgesOut returns the edges leaving v in ascending StableID order.
func (r *Ref) EdgesOut(v ir.StableID) []Edge {
	return r.edgeList(r.index().out[v])
}

// EdgesIn returns the edges entering v in ascending StableID order.
func (r *Ref) EdgesIn(v ir.StableID) []Edge {
	return r.edgeList(r.index().in[v])
}

func (r *Ref) edgeList(ids []ir.StableID) []Edge {
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		e, _ := r.Edge(id)
		out = append(out, e)
	}
	return out
}

// ScanType returns the ids of every vertex or edge with the given type
// label, ascending.
func (r *Ref) ScanType(typ string) []ir.StableID {
	return slices.Clone(r.index().byType[typ])
}

// ScanProp returns the ids of vertices of type typ whose property key
// equals v, ascending. The index for (typ, key) is built on first use.
func (r *Ref) ScanProp(typ, key string, v ir.Value) []ir.StableID {
	want, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil
	}
	return slices.Clone(r.index().propIndex(r, typ, key)[string(want)])
}

// catalog.Graph implementation.

// VertexType returns the type of vertex id.
func (r *Ref) VertexType(id ir.StableID) (string, bool) {
	v, ok := r.Vertex(id)
	return v.Type, ok
}

// ElementProps returns the properties of the vertex or edge id.
func (r *Ref) ElementProps(id ir.StableID) (ir.Object, bool) {
	if v, ok := r.Vertex(id); ok {
		return v.Props, true
	}
	if e, ok := r.Edge(id); ok {
		return e.Props, true
	}
	return nil, false
}

// OutDegree returns the number of edges leaving id.
func (r *Ref) OutDegree(id ir.StableID) int { return len(r.index().out[id]) }

// InDegree returns the number of edges entering id.
func (r *Ref) InDegree(id ir.StableID) int { return len(r.index().in[id]) }

// TypeCount returns the number of vertices and edges labelled typ.
func (r *Ref) TypeCount(typ string) int { return len(r.index().byType[typ]) }

type propKey struct {
	typ string
	key string
}

type lazyIndex struct {
	once   sync.Once
	out    map[ir.StableID][]ir.StableID
	in     map[ir.StableID][]ir.StableID
	byType map[string][]ir.StableID

	mu    sync.Mutex
	props map[propKey]map[string][]ir.StableID
}

func (r *Ref) index() *lazyIndex {
	r.idx.once.Do(func() {
		x := r.idx
		x.out = make(map[ir.StableID][]ir.StableID)
		x.in = make(map[ir.StableID][]ir.StableID)
		x.byType = make(map[string][]ir.StableID)
		for v := range r.Vertices() {
			x.byType[v.Type] = append(x.byType[v.Type], v.ID)
		}
		for e := range r.Edges() {
			x.byType[e.Type] = append(x.byType[e.Type], e.ID)
			x.out[e.Src] = append(x.out[e.Src], e.ID)
			x.in[e.Dst] = append(x.in[e.Dst], e.ID)
		}
	})
	return r.idx
}

func (x *lazyIndex) propIndex(r *Ref, typ, key string) map[string][]ir.StableID {
	x.mu.Lock()
	defer x.mu.Unlock()
	k := propKey{typ: typ, key: key}
	if m, ok := x.props[k]; ok {
		return m
	}
	if x.props == nil {
		x.props = make(map[propKey]map[string][]ir.StableID)
	}
	m := make(map[string][]ir.StableID)
	for _, id := range x.byType[typ] {
		v, ok := r.Vertex(id)
		if !ok {
			continue
		}
		pv, ok := v.Props[key]
		if !ok {
			continue
		}
		enc, err := ir.MarshalCanonical(pv)
		if err != nil {
			continue
		}
		m[string(enc)] = append(m[string(enc)], id)
	}
	x.props[k] = m
	return m
}
