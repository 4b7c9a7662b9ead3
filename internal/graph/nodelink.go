package graph

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/grafting/internal/ir"
)

// NodeLink is the node-link interchange document. It is an I/O and
// visualization format only; it carries no version metadata.
type NodeLink struct {
	Nodes []NodeLinkNode       `json:"nodes"`
	Edges []NodeLinkEdge       `json:"edges"`
	Props map[string]ir.Object `json:"props"`
}

// NodeLinkNode is one vertex. Labels holds the vertex type.
type NodeLinkNode struct {
	ID     string   `json:"id"`
	Labels []string `json:"labels"`
}

// NodeLinkEdge is one edge.
type NodeLinkEdge struct {
	ID    string `json:"id"`
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	Label string `json:"label"`
}

// ExportNodeLink renders r as canonical node-link JSON. Element ids are
// the decimal StableIDs; props is keyed by id and omits empty maps.
func ExportNodeLink(r *Ref) ([]byte, error) {
	nodes := ir.List{}
	edges := ir.List{}
	props := ir.Object{}
	for v := range r.Vertices() {
		nodes = append(nodes, ir.Object{
			"id":     ir.Str(v.ID.String()),
			"labels": ir.List{ir.Str(v.Type)},
		})
		if len(v.Props) > 0 {
			props[v.ID.String()] = v.Props
		}
	}
	for e := range r.Edges() {
		edges = append(edges, ir.Object{
			"id":    ir.Str(e.ID.String()),
			"src":   ir.Str(e.Src.String()),
			"dst":   ir.Str(e.Dst.String()),
			"label": ir.Str(e.Type),
		})
		if len(e.Props) > 0 {
			props[e.ID.String()] = e.Props
		}
	}
	return ir.MarshalCanonical(ir.Object{"nodes": nodes, "edges": edges, "props": props})
}

// ParseNodeLink decodes a node-link document.
func ParseNodeLink(data []byte) (*NodeLink, error) {
	var doc NodeLink
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse node-link: %w", err)
	}
	return &doc, nil
}

// Patch converts the document into a patch of additions. Element ids in
// the document become patch refs; StableIDs are assigned when the patch
// is applied.
func (d *NodeLink) Patch() (*ir.Patch, error) {
	p := &ir.Patch{}
	nodes := make(map[string]bool, len(d.Nodes))
	seen := make(map[string]bool, len(d.Nodes)+len(d.Edges))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node without id")
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("duplicate id %q", n.ID)
		}
		if len(n.Labels) != 1 {
			return nil, fmt.Errorf("node %q: exactly one label required, got %d", n.ID, len(n.Labels))
		}
		seen[n.ID] = true
		nodes[n.ID] = true
		p.Adds.V = append(p.Adds.V, ir.NewVertex{Ref: n.ID, Type: n.Labels[0], Props: d.Props[n.ID]})
	}
	for _, e := range d.Edges {
		if e.ID == "" {
			return nil, fmt.Errorf("edge without id")
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate id %q", e.ID)
		}
		if !nodes[e.Src] || !nodes[e.Dst] {
			return nil, fmt.Errorf("edge %q: endpoints must be nodes of the document", e.ID)
		}
		seen[e.ID] = true
		p.Adds.E = append(p.Adds.E, ir.NewEdge{
			Ref:   e.ID,
			Src:   ir.ToRef(e.Src),
			Dst:   ir.ToRef(e.Dst),
			Type:  e.Label,
			Props: d.Props[e.ID],
		})
	}
	for id := range d.Props {
		if !seen[id] {
			return nil, fmt.Errorf("props for unknown element %q", id)
		}
	}
	return p, nil
}
