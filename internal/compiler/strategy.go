package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/grafting/internal/ir"
)

// CompileStrategy parses a CUE value into a strategy tree. Leaves name
// rules; rules maps each name to the rule's content hash.
//
//	strategy: normalize: {
//		op: "seq"
//		steps: [
//			{op: "exhaust", rule: "triangle_collapse", order: "topdown", measure: "edge_count"},
//			{op: "while", pred: "small", body: {op: "once", rule: "grow"}, max_steps: 10},
//		]
//	}
//
// A bare string in place of a node includes another named strategy. Includes
// only resolve when the strategy is compiled as part of a Module.
func CompileStrategy(v cue.Value, rules map[string]ir.Hash) (ir.Strategy, error) {
	c := &strategyCompiler{rules: rules}
	return c.node(v, label(v))
}

type strategyCompiler struct {
	rules map[string]ir.Hash
	named map[string]cue.Value
	done  map[string]ir.Strategy
}

func (c *strategyCompiler) node(v cue.Value, field string) (ir.Strategy, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if v.IncompleteKind() == cue.StringKind {
		name, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return c.include(v, name, field)
	}
	if v.IncompleteKind() != cue.StructKind {
		return nil, fieldError(v, field, "strategy must be a struct or the name of another strategy")
	}

	op, err := requiredString(v, "op")
	if err != nil {
		return nil, prefixed(err, field)
	}
	switch ir.Op(op) {
	case ir.OpOnce:
		h, order, err := c.leaf(v, field)
		if err != nil {
			return nil, err
		}
		return &ir.Once{Rule: h, Order: order}, nil

	case ir.OpExhaust:
		h, order, err := c.leaf(v, field)
		if err != nil {
			return nil, err
		}
		measure, maxSteps, err := loopFields(v, field)
		if err != nil {
			return nil, err
		}
		return &ir.Exhaust{Rule: h, Order: order, Measure: measure, MaxSteps: maxSteps}, nil

	case ir.OpWhile:
		pred, err := requiredString(v, "pred")
		if err != nil {
			return nil, prefixed(err, field)
		}
		bv := lookup(v, "body")
		if !bv.Exists() {
			return nil, fieldError(v, field+".body", "body is required")
		}
		body, err := c.node(bv, field+".body")
		if err != nil {
			return nil, err
		}
		measure, maxSteps, err := loopFields(v, field)
		if err != nil {
			return nil, err
		}
		return &ir.While{Pred: pred, Body: body, Measure: measure, MaxSteps: maxSteps}, nil

	case ir.OpSeq:
		steps, err := c.list(v, "steps", field)
		if err != nil {
			return nil, err
		}
		return &ir.Seq{Steps: steps}, nil

	case ir.OpChoice:
		alts, err := c.list(v, "alts", field)
		if err != nil {
			return nil, err
		}
		return &ir.Choice{Alts: alts}, nil

	case ir.OpPriority:
		alts, err := c.list(v, "alts", field)
		if err != nil {
			return nil, err
		}
		return &ir.Priority{Alts: alts}, nil
	}
	return nil, fieldError(lookup(v, "op"), field+".op", "unknown op %q", op)
}

// leaf resolves the rule name and order of a once or exhaust node.
func (c *strategyCompiler) leaf(v cue.Value, field string) (ir.Hash, ir.Order, error) {
	name, err := requiredString(v, "rule")
	if err != nil {
		return ir.Hash{}, "", prefixed(err, field)
	}
	h, ok := c.rules[name]
	if !ok {
		e := fieldError(lookup(v, "rule"), field+".rule", "undefined rule %q", name)
		e.Code = ErrUndefinedRule
		return ir.Hash{}, "", e
	}
	order, err := stringField(v, "order")
	if err != nil {
		return ir.Hash{}, "", err
	}
	if !ir.Order(order).Valid() {
		e := fieldError(lookup(v, "order"), field+".order", "unknown order %q", order)
		e.Code = ErrInvalidOrder
		return ir.Hash{}, "", e
	}
	return h, ir.Order(order), nil
}

func loopFields(v cue.Value, field string) (string, int, error) {
	measure, err := stringField(v, "measure")
	if err != nil {
		return "", 0, err
	}
	maxSteps, err := intField(v, "max_steps")
	if err != nil {
		return "", 0, err
	}
	if maxSteps < 0 {
		return "", 0, fieldError(lookup(v, "max_steps"), field+".max_steps", "max_steps must not be negative")
	}
	return measure, maxSteps, nil
}

func (c *strategyCompiler) list(v cue.Value, name, field string) ([]ir.Strategy, error) {
	lv := lookup(v, name)
	if !lv.Exists() {
		return nil, fieldError(v, field+"."+name, "%s is required", name)
	}
	iter, err := lv.List()
	if err != nil {
		return nil, fieldError(lv, field+"."+name, "must be a list of strategies")
	}
	var out []ir.Strategy
	for i := 0; iter.Next(); i++ {
		s, err := c.node(iter.Value(), fmt.Sprintf("%s.%s[%d]", field, name, i))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// include resolves a named strategy. Include cycles were rejected before
// compilation started, so the recursion terminates.
func (c *strategyCompiler) include(v cue.Value, name, field string) (ir.Strategy, error) {
	if s, ok := c.done[name]; ok {
		return s, nil
	}
	target, ok := c.named[name]
	if !ok {
		e := fieldError(v, field, "undefined strategy %q", name)
		e.Code = ErrUndefinedStrategy
		return nil, e
	}
	s, err := c.node(target, name)
	if err != nil {
		return nil, err
	}
	c.done[name] = s
	return s, nil
}

// includes lists the strategy names v includes, in source order. It walks
// the same fields node reads.
func includes(v cue.Value) []string {
	switch v.IncompleteKind() {
	case cue.StringKind:
		if s, err := v.String(); err == nil {
			return []string{s}
		}
	case cue.StructKind:
		var out []string
		if body := lookup(v, "body"); body.Exists() {
			out = append(out, includes(body)...)
		}
		for _, name := range []string{"steps", "alts"} {
			lv := lookup(v, name)
			if !lv.Exists() {
				continue
			}
			iter, err := lv.List()
			if err != nil {
				continue
			}
			for iter.Next() {
				out = append(out, includes(iter.Value())...)
			}
		}
		return out
	}
	return nil
}
