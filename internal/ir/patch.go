package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EndpointRef names an edge endpoint: either an existing vertex by ID or a
// vertex added by the same patch by Ref. Exactly one is set.
type EndpointRef struct {
	ID  StableID `json:"id,omitempty"`
	Ref string   `json:"ref,omitempty"`
}

// ToID is shorthand for an endpoint naming an existing vertex.
func ToID(id StableID) EndpointRef { return EndpointRef{ID: id} }

// ToRef is shorthand for an endpoint naming a vertex added by the patch.
func ToRef(ref string) EndpointRef { return EndpointRef{Ref: ref} }

// IsRef reports whether the endpoint names a new vertex.
func (e EndpointRef) IsRef() bool { return e.Ref != "" }

func (e EndpointRef) toValue() Object {
	if e.Ref != "" {
		return Object{"ref": Str(e.Ref)}
	}
	return Object{"id": e.ID.Value()}
}

// NewVertex is a vertex created by a patch. Ref is local to the patch.
type NewVertex struct {
	Ref   string `json:"ref"`
	Type  string `json:"type"`
	Props Object `json:"props,omitempty"`
}

// NewEdge is an edge created by a patch.
type NewEdge struct {
	Ref   string      `json:"ref"`
	Src   EndpointRef `json:"src"`
	Dst   EndpointRef `json:"dst"`
	Type  string      `json:"type"`
	Props Object      `json:"props,omitempty"`
}

// PropUpdate sets and removes properties of an existing element.
type PropUpdate struct {
	ID    StableID `json:"id"`
	Set   Object   `json:"set,omitempty"`
	Unset []string `json:"unset,omitempty"`
}

// Relink moves an existing edge to new endpoints, keeping its StableID.
type Relink struct {
	ID  StableID    `json:"id"`
	Src EndpointRef `json:"src"`
	Dst EndpointRef `json:"dst"`
}

// Adds lists new elements.
type Adds struct {
	V []NewVertex `json:"v"`
	E []NewEdge   `json:"e"`
}

// Dels lists removed elements by StableID.
type Dels struct {
	V []StableID `json:"v"`
	E []StableID `json:"e"`
}

// Updates lists in-place changes to surviving elements.
type Updates struct {
	Props  []PropUpdate `json:"props"`
	Relink []Relink     `json:"relink"`
}

// Patch is a structural diff against a base version. It is pure data:
// new elements get StableIDs only when the patch is applied, in list order
// with vertices first, so the same patch can be replayed against a newer
// head.
type Patch struct {
	Adds    Adds    `json:"adds"`
	Dels    Dels    `json:"dels"`
	Updates Updates `json:"updates"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *Patch) IsEmpty() bool {
	return len(p.Adds.V) == 0 && len(p.Adds.E) == 0 &&
		len(p.Dels.V) == 0 && len(p.Dels.E) == 0 &&
		len(p.Updates.Props) == 0 && len(p.Updates.Relink) == 0
}

// Touched returns every existing StableID the patch deletes or updates.
// Endpoints it only reads are not included.
func (p *Patch) Touched() []StableID {
	out := make([]StableID, 0, len(p.Dels.V)+len(p.Dels.E)+len(p.Updates.Props)+len(p.Updates.Relink))
	out = append(out, p.Dels.V...)
	out = append(out, p.Dels.E...)
	for _, u := range p.Updates.Props {
		out = append(out, u.ID)
	}
	for _, r := range p.Updates.Relink {
		out = append(out, r.ID)
	}
	return out
}

// Validate checks internal consistency: unique refs and endpoint refs that
// name vertices added by this patch. Whether IDs exist is checked against a
// graph at stage time.
func (p *Patch) Validate() error {
	refs := map[string]bool{}
	for _, v := range p.Adds.V {
		if v.Ref == "" {
			return Errorf(CodeStructuralViolation, "added vertex has no ref")
		}
		if v.Type == "" {
			return Errorf(CodeStructuralViolation, "added vertex %q has no type", v.Ref)
		}
		if refs[v.Ref] {
			return Errorf(CodeStructuralViolation, "duplicate ref %q", v.Ref)
		}
		refs[v.Ref] = true
	}
	vertexRefs := make(map[string]bool, len(refs))
	for k := range refs {
		vertexRefs[k] = true
	}
	checkEnd := func(ctx string, e EndpointRef) error {
		if (e.Ref == "") == (e.ID == 0) {
			return Errorf(CodeStructuralViolation, "%s: endpoint needs exactly one of id or ref", ctx)
		}
		if e.Ref != "" && !vertexRefs[e.Ref] {
			return Errorf(CodeStructuralViolation, "%s: endpoint ref %q is not an added vertex", ctx, e.Ref)
		}
		return nil
	}
	for _, e := range p.Adds.E {
		if e.Ref == "" {
			return Errorf(CodeStructuralViolation, "added edge has no ref")
		}
		if e.Type == "" {
			return Errorf(CodeStructuralViolation, "added edge %q has no type", e.Ref)
		}
		if refs[e.Ref] {
			return Errorf(CodeStructuralViolation, "duplicate ref %q", e.Ref)
		}
		refs[e.Ref] = true
		if err := checkEnd("edge "+e.Ref+" src", e.Src); err != nil {
			return err
		}
		if err := checkEnd("edge "+e.Ref+" dst", e.Dst); err != nil {
			return err
		}
	}
	for _, r := range p.Updates.Relink {
		if err := checkEnd("relink "+r.ID.String()+" src", r.Src); err != nil {
			return err
		}
		if err := checkEnd("relink "+r.ID.String()+" dst", r.Dst); err != nil {
			return err
		}
	}
	return nil
}

// ToValue returns the canonical {patch:{...}} document.
func (p *Patch) ToValue() Object {
	addV := make(List, len(p.Adds.V))
	for i, v := range p.Adds.V {
		addV[i] = Object{"ref": Str(v.Ref), "type": Str(v.Type), "props": nonNil(v.Props)}
	}
	addE := make(List, len(p.Adds.E))
	for i, e := range p.Adds.E {
		addE[i] = Object{
			"ref":   Str(e.Ref),
			"src":   e.Src.toValue(),
			"dst":   e.Dst.toValue(),
			"type":  Str(e.Type),
			"props": nonNil(e.Props),
		}
	}
	props := make(List, len(p.Updates.Props))
	for i, u := range p.Updates.Props {
		unset := make(List, len(u.Unset))
		for j, k := range u.Unset {
			unset[j] = Str(k)
		}
		props[i] = Object{"id": u.ID.Value(), "set": nonNil(u.Set), "unset": unset}
	}
	relink := make(List, len(p.Updates.Relink))
	for i, r := range p.Updates.Relink {
		relink[i] = Object{"id": r.ID.Value(), "src": r.Src.toValue(), "dst": r.Dst.toValue()}
	}
	return Object{"patch": Object{
		"adds":    Object{"v": addV, "e": addE},
		"dels":    Object{"v": idList(p.Dels.V), "e": idList(p.Dels.E)},
		"updates": Object{"props": props, "relink": relink},
	}}
}

// Hash returns the content hash of the canonical Patch-IR.
func (p *Patch) Hash() Hash {
	return HashWithDomain(DomainPatch, MustMarshalCanonical(p.ToValue()))
}

// MarshalPatch encodes p as canonical Patch-IR.
func MarshalPatch(p *Patch) ([]byte, error) {
	return MarshalCanonical(p.ToValue())
}

// ParsePatch decodes a {patch:{...}} document and validates it.
func ParsePatch(data []byte) (*Patch, error) {
	var doc struct {
		Patch *Patch `json:"patch"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	if doc.Patch == nil {
		return nil, fmt.Errorf("parse patch: missing \"patch\" object")
	}
	if err := doc.Patch.Validate(); err != nil {
		return nil, err
	}
	return doc.Patch, nil
}

func idList(ids []StableID) List {
	out := make(List, len(ids))
	for i, id := range ids {
		out[i] = id.Value()
	}
	return out
}
