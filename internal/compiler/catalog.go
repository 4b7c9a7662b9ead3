package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/grafting/internal/catalog"
)

// CompileCatalog parses a CUE value into a catalog definition.
//
//	catalog: {
//		vertex_types: ["V"]
//		edge_types: E: {src: ["V"], dst: ["V"]}
//		indexes: [{type: "V", key: "name"}]
//		predicates: small: {ref: "vertex_count_ge", args: [3]}
//		invariants: ["small"]
//	}
//
// Field order is kept. Names are not checked here; catalog.Validate does
// that on the result.
func CompileCatalog(v cue.Value) (catalog.Definition, error) {
	var def catalog.Definition
	if err := v.Err(); err != nil {
		return def, formatCUEError(err)
	}

	var err error
	def.VertexTypes, err = stringList(lookup(v, "vertex_types"), "vertex_types")
	if err != nil {
		return def, err
	}

	if ets := lookup(v, "edge_types"); ets.Exists() {
		iter, err := ets.Fields()
		if err != nil {
			return def, fieldError(ets, "edge_types", "must be a struct of edge types")
		}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			field := "edge_types." + name
			et := catalog.EdgeType{Name: name}
			if et.Src, err = stringList(lookup(iter.Value(), "src"), field+".src"); err != nil {
				return def, err
			}
			if et.Dst, err = stringList(lookup(iter.Value(), "dst"), field+".dst"); err != nil {
				return def, err
			}
			def.EdgeTypes = append(def.EdgeTypes, et)
		}
	}

	if idx := lookup(v, "indexes"); idx.Exists() {
		iter, err := idx.List()
		if err != nil {
			return def, fieldError(idx, "indexes", "must be a list")
		}
		for i := 0; iter.Next(); i++ {
			field := fmt.Sprintf("indexes[%d]", i)
			typ, err := requiredString(iter.Value(), "type")
			if err != nil {
				return def, prefixed(err, field)
			}
			key, err := requiredString(iter.Value(), "key")
			if err != nil {
				return def, prefixed(err, field)
			}
			def.Indexes = append(def.Indexes, catalog.Index{Type: typ, Key: key})
		}
	}

	if preds := lookup(v, "predicates"); preds.Exists() {
		iter, err := preds.Fields()
		if err != nil {
			return def, fieldError(preds, "predicates", "must be a struct of predicates")
		}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			field := "predicates." + name
			ref, err := requiredString(iter.Value(), "ref")
			if err != nil {
				return def, prefixed(err, field)
			}
			args, err := anyList(lookup(iter.Value(), "args"), field+".args")
			if err != nil {
				return def, err
			}
			def.Predicates = append(def.Predicates, catalog.PredicateDecl{Name: name, Ref: ref, Args: args})
		}
	}

	def.Invariants, err = stringList(lookup(v, "invariants"), "invariants")
	if err != nil {
		return def, err
	}
	return def, nil
}

// prefixed qualifies a nested field error with its parent path.
func prefixed(err error, parent string) error {
	if ce, ok := err.(*CompileError); ok && ce.Field != "cue" {
		return &CompileError{Field: parent + "." + ce.Field, Message: ce.Message, Code: ce.Code, Pos: ce.Pos}
	}
	return err
}
