package compiler

import (
	"cuelang.org/go/cue"

	"github.com/roach88/grafting/internal/ir"
)

func lookup(v cue.Value, name string) cue.Value {
	return v.LookupPath(cue.MakePath(cue.Str(name)))
}

// label returns the unquoted struct label v was selected by.
func label(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return sels[len(sels)-1].Unquoted()
}

// stringField reads an optional string field. A missing field yields "".
func stringField(v cue.Value, name string) (string, error) {
	f := lookup(v, name)
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func requiredString(v cue.Value, name string) (string, error) {
	f := lookup(v, name)
	if !f.Exists() {
		return "", fieldError(v, name, "%s is required", name)
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if s == "" {
		return "", fieldError(f, name, "%s must be non-empty", name)
	}
	return s, nil
}

func intField(v cue.Value, name string) (int, error) {
	f := lookup(v, name)
	if !f.Exists() {
		return 0, nil
	}
	n, err := f.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return int(n), nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, fieldError(v, field, "must be a list of strings")
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// anyList decodes a list of plain values, keeping Go types for the
// catalog's argument checks.
func anyList(v cue.Value, field string) ([]any, error) {
	if !v.Exists() {
		return nil, nil
	}
	if v.IncompleteKind() != cue.ListKind {
		return nil, fieldError(v, field, "must be a list")
	}
	var out []any
	if err := v.Decode(&out); err != nil {
		return nil, formatCUEError(err)
	}
	return out, nil
}

func valueList(v cue.Value, field string) (ir.List, error) {
	raw, err := anyList(v, field)
	if err != nil {
		return nil, err
	}
	out := make(ir.List, len(raw))
	for i, a := range raw {
		val, err := ir.FromGo(a)
		if err != nil {
			return nil, fieldError(v, field, "element %d: %v", i, err)
		}
		out[i] = val
	}
	return out, nil
}

func objectField(v cue.Value, field string) (ir.Object, error) {
	if !v.Exists() {
		return nil, nil
	}
	if v.IncompleteKind() != cue.StructKind {
		return nil, fieldError(v, field, "must be a struct")
	}
	var m map[string]any
	if err := v.Decode(&m); err != nil {
		return nil, formatCUEError(err)
	}
	obj, err := ir.ObjectFromGo(m)
	if err != nil {
		return nil, fieldError(v, field, "%v", err)
	}
	return obj, nil
}
