package graph

import (
	"fmt"
	"slices"

	"github.com/roach88/grafting/internal/ir"
)

// SegmentSize is the number of StableIDs covered by one segment.
// An element with id n lives in bucket n / SegmentSize.
const SegmentSize = 256

// Segment kinds in the canonical encoding.
const (
	KindVertex = "v"
	KindEdge   = "e"
)

func bucketOf(id ir.StableID) uint64 {
	return uint64(id) / SegmentSize
}

// Segment is one column-oriented block of vertices or edges, sorted by id.
// Src and Dst are set for edge segments only. Segments are immutable once
// built; Apply copies the buckets it touches.
type Segment struct {
	Kind   string
	Bucket uint64
	IDs    []ir.StableID
	Types  []string
	Props  []ir.Object
	Src    []ir.StableID
	Dst    []ir.StableID
	Hashes []ir.Hash

	hash ir.Hash
}

// Hash returns the content hash of the segment's canonical encoding.
func (s *Segment) Hash() ir.Hash {
	return s.hash
}

// Len returns the number of elements.
func (s *Segment) Len() int {
	return len(s.IDs)
}

func (s *Segment) find(id ir.StableID) (int, bool) {
	return slices.BinarySearch(s.IDs, id)
}

// Value returns the canonical document of the segment.
func (s *Segment) Value() ir.Object {
	ids := make(ir.List, len(s.IDs))
	types := make(ir.List, len(s.IDs))
	props := make(ir.List, len(s.IDs))
	hashes := make(ir.List, len(s.IDs))
	for i := range s.IDs {
		ids[i] = s.IDs[i].Value()
		types[i] = ir.Str(s.Types[i])
		p := s.Props[i]
		if p == nil {
			p = ir.Object{}
		}
		props[i] = p
		hashes[i] = ir.Str(s.Hashes[i].String())
	}
	obj := ir.Object{
		"kind":   ir.Str(s.Kind),
		"bucket": ir.Int(int64(s.Bucket)),
		"id":     ids,
		"type":   types,
		"props":  props,
		"hash":   hashes,
	}
	if s.Kind == KindEdge {
		src := make(ir.List, len(s.Src))
		dst := make(ir.List, len(s.Dst))
		for i := range s.Src {
			src[i] = s.Src[i].Value()
			dst[i] = s.Dst[i].Value()
		}
		obj["src"] = src
		obj["dst"] = dst
	}
	return obj
}

// Encode returns the canonical bytes that the segment hash covers.
func (s *Segment) Encode() []byte {
	return ir.MustMarshalCanonical(s.Value())
}

// seal computes element hashes that are missing and the segment hash.
func (s *Segment) seal() error {
	for i := range s.IDs {
		if !s.Hashes[i].IsZero() {
			continue
		}
		h, err := s.elementHash(i)
		if err != nil {
			return fmt.Errorf("element %d: %w", s.IDs[i], err)
		}
		s.Hashes[i] = h
	}
	s.hash = ir.HashWithDomain(ir.DomainSegment, s.Encode())
	return nil
}

func (s *Segment) elementHash(i int) (ir.Hash, error) {
	if s.Kind == KindEdge {
		return ir.EdgeHash(s.Src[i], s.Dst[i], s.Types[i], s.Props[i])
	}
	return ir.VertexHash(s.Types[i], s.Props[i])
}

// DecodeSegment parses canonical segment bytes and verifies them: the
// segment hash must equal want, and every element hash must match the
// element's content. Any mismatch is an INTEGRITY_ERROR.
func DecodeSegment(data []byte, want ir.Hash) (*Segment, error) {
	if got := ir.HashWithDomain(ir.DomainSegment, data); got != want {
		return nil, ir.Errorf(ir.CodeIntegrity, "segment hash mismatch").
			With("want", want.Short()).With("got", got.Short())
	}
	v, err := ir.ParseValue(data)
	if err != nil {
		return nil, ir.Wrap(ir.CodeIntegrity, err, "segment %s is not valid canonical JSON", want.Short())
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, ir.Errorf(ir.CodeIntegrity, "segment %s is not an object", want.Short())
	}
	s, err := segmentFromValue(obj)
	if err != nil {
		return nil, ir.Wrap(ir.CodeIntegrity, err, "segment %s", want.Short())
	}
	for i := range s.IDs {
		h, err := s.elementHash(i)
		if err != nil {
			return nil, ir.Wrap(ir.CodeIntegrity, err, "segment %s element %d", want.Short(), s.IDs[i])
		}
		if h != s.Hashes[i] {
			return nil, ir.Errorf(ir.CodeIntegrity, "content hash mismatch for element %d", s.IDs[i]).
				With("segment", want.Short())
		}
	}
	s.hash = want
	return s, nil
}

func segmentFromValue(obj ir.Object) (*Segment, error) {
	kind, _ := obj["kind"].(ir.Str)
	bucket, _ := obj["bucket"].(ir.Int)
	if kind != KindVertex && kind != KindEdge {
		return nil, fmt.Errorf("unknown segment kind %q", kind)
	}
	ids, _ := obj["id"].(ir.List)
	types, _ := obj["type"].(ir.List)
	props, _ := obj["props"].(ir.List)
	hashes, _ := obj["hash"].(ir.List)
	n := len(ids)
	if len(types) != n || len(props) != n || len(hashes) != n {
		return nil, fmt.Errorf("column lengths differ")
	}
	s := &Segment{
		Kind:   string(kind),
		Bucket: uint64(bucket),
		IDs:    make([]ir.StableID, n),
		Types:  make([]string, n),
		Props:  make([]ir.Object, n),
		Hashes: make([]ir.Hash, n),
	}
	for i := 0; i < n; i++ {
		id, ok := ids[i].(ir.Int)
		if !ok || id <= 0 {
			return nil, fmt.Errorf("bad id at %d", i)
		}
		s.IDs[i] = ir.StableID(id)
		if bucketOf(s.IDs[i]) != s.Bucket {
			return nil, fmt.Errorf("id %d outside bucket %d", id, s.Bucket)
		}
		if i > 0 && s.IDs[i] <= s.IDs[i-1] {
			return nil, fmt.Errorf("ids not strictly ascending at %d", i)
		}
		t, ok := types[i].(ir.Str)
		if !ok {
			return nil, fmt.Errorf("bad type at %d", i)
		}
		s.Types[i] = string(t)
		p, ok := props[i].(ir.Object)
		if !ok {
			return nil, fmt.Errorf("bad props at %d", i)
		}
		s.Props[i] = p
		hs, ok := hashes[i].(ir.Str)
		if !ok {
			return nil, fmt.Errorf("bad hash at %d", i)
		}
		h, err := ir.ParseHash(string(hs))
		if err != nil {
			return nil, err
		}
		s.Hashes[i] = h
	}
	if s.Kind == KindEdge {
		src, _ := obj["src"].(ir.List)
		dst, _ := obj["dst"].(ir.List)
		if len(src) != n || len(dst) != n {
			return nil, fmt.Errorf("endpoint column lengths differ")
		}
		s.Src = make([]ir.StableID, n)
		s.Dst = make([]ir.StableID, n)
		for i := 0; i < n; i++ {
			a, okA := src[i].(ir.Int)
			b, okB := dst[i].(ir.Int)
			if !okA || !okB {
				return nil, fmt.Errorf("bad endpoint at %d", i)
			}
			s.Src[i] = ir.StableID(a)
			s.Dst[i] = ir.StableID(b)
		}
	}
	return s, nil
}
