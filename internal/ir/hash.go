package ir

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Domain prefixes for content-addressed identity.
const (
	DomainVertex   = "grafting/vertex/" + IRVersion
	DomainEdge     = "grafting/edge/" + IRVersion
	DomainSegment  = "grafting/segment/" + IRVersion
	DomainMerkle   = "grafting/merkle/" + IRVersion
	DomainVersion  = "grafting/version/" + IRVersion
	DomainRule     = "grafting/rule/" + IRVersion
	DomainStrategy = "grafting/strategy/" + IRVersion
	DomainPatch    = "grafting/patch/" + IRVersion
	DomainWAL      = "grafting/wal/" + IRVersion
)

// Hash is a 32-byte BLAKE3 digest. The zero Hash means "none".
type Hash [32]byte

// String returns the lowercase hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, for logs and CLI output.
func (h Hash) Short() string {
	return h.String()[:12]
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 64 {
		return h, fmt.Errorf("hash must be 64 hex characters, got %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, nil
}

// HashWithDomain computes BLAKE3(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) Hash {
	h := blake3.New(32, nil)
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashValue canonicalizes v and hashes it under domain.
func HashValue(domain string, v Value) (Hash, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return Hash{}, fmt.Errorf("%s: failed to marshal: %w", domain, err)
	}
	return HashWithDomain(domain, data), nil
}

// VertexHash hashes a vertex by type and properties. The stable id is not
// part of the hash, so two structurally equal vertices share a hash.
func VertexHash(typ string, props Object) (Hash, error) {
	return HashValue(DomainVertex, Object{
		"type":  Str(typ),
		"props": nonNil(props),
	})
}

// EdgeHash hashes an edge by endpoints, type and properties.
func EdgeHash(src, dst StableID, typ string, props Object) (Hash, error) {
	return HashValue(DomainEdge, Object{
		"src":   src.Value(),
		"dst":   dst.Value(),
		"type":  Str(typ),
		"props": nonNil(props),
	})
}

// MerkleNode combines two child digests.
func MerkleNode(left, right Hash) Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return HashWithDomain(DomainMerkle, buf)
}

// MerkleRoot folds leaves pairwise until one digest remains. An odd node
// at any level is promoted unchanged. The root of no leaves is the hash of
// the empty input.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return HashWithDomain(DomainMerkle, nil)
	}
	level := append([]Hash(nil), leaves...)
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, MerkleNode(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// VersionHash computes the identity of a version from its content root,
// parents, patch hash and commit sequence.
func VersionHash(root Hash, parents []Hash, patch Hash, seq int64) Hash {
	ps := make(List, len(parents))
	for i, p := range parents {
		ps[i] = Str(p.String())
	}
	obj := Object{
		"root":    Str(root.String()),
		"parents": ps,
		"patch":   Str(patch.String()),
		"seq":     Int(seq),
	}
	return HashWithDomain(DomainVersion, MustMarshalCanonical(obj))
}

func nonNil(obj Object) Object {
	if obj == nil {
		return Object{}
	}
	return obj
}
