// Package graph implements immutable, content-addressed graph snapshots.
//
// A Ref is one graph version. Vertices and edges live in column-oriented
// segments of SegmentSize StableIDs each; every element carries a content
// hash over its canonical form and every segment is hashed over its
// canonical encoding. The version's content root is a Merkle tree over the
// vertex segment hashes followed by the edge segment hashes, both ordered
// by bucket.
//
// Apply is pure: it never mutates its base, and shares every segment the
// patch leaves alone. Persistence, sequencing and head management belong
// to the store.
package graph
