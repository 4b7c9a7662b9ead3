package ir

import (
	"encoding/json"
	"fmt"
)

// Op names a strategy combinator.
type Op string

const (
	OpOnce     Op = "once"
	OpExhaust  Op = "exhaust"
	OpWhile    Op = "while"
	OpSeq      Op = "seq"
	OpChoice   Op = "choice"
	OpPriority Op = "priority"
)

// Order selects the matcher's traversal. Fair is accepted as a synonym for
// TopDown.
type Order string

const (
	OrderTopDown  Order = "topdown"
	OrderBottomUp Order = "bottomup"
	OrderFair     Order = "fair"
)

// Normalize maps the empty order and Fair onto TopDown.
func (o Order) Normalize() Order {
	if o == "" || o == OrderFair {
		return OrderTopDown
	}
	return o
}

// Valid reports whether o is a known order.
func (o Order) Valid() bool {
	switch o {
	case "", OrderTopDown, OrderBottomUp, OrderFair:
		return true
	}
	return false
}

// Strategy is a sealed interface for strategy tree nodes. Only the types in
// this file implement it.
//
//	switch s := node.(type) {
//	case *Once:
//	case *Exhaust:
//	case *While:
//	case *Seq:
//	case *Choice:
//	case *Priority:
//	}
type Strategy interface {
	strategyNode()
	Op() Op
}

// Once applies the first match of a rule, if any.
type Once struct {
	Rule  Hash
	Order Order
}

// Exhaust applies a rule until it no longer matches.
// MaxSteps of zero means the executor default.
type Exhaust struct {
	Rule     Hash
	Order    Order
	Measure  string
	MaxSteps int
}

// While runs Body while the named predicate holds on the current graph.
type While struct {
	Pred     string
	Body     Strategy
	Measure  string
	MaxSteps int
}

// Seq runs its steps in order, threading the graph through.
type Seq struct {
	Steps []Strategy
}

// Choice runs the first alternative that rewrites at least once.
type Choice struct {
	Alts []Strategy
}

// Priority has the same leftmost-success semantics as Choice. It records
// author intent that earlier alternatives are preferred.
type Priority struct {
	Alts []Strategy
}

func (*Once) strategyNode()     {}
func (*Exhaust) strategyNode()  {}
func (*While) strategyNode()    {}
func (*Seq) strategyNode()      {}
func (*Choice) strategyNode()   {}
func (*Priority) strategyNode() {}

func (*Once) Op() Op     { return OpOnce }
func (*Exhaust) Op() Op  { return OpExhaust }
func (*While) Op() Op    { return OpWhile }
func (*Seq) Op() Op      { return OpSeq }
func (*Choice) Op() Op   { return OpChoice }
func (*Priority) Op() Op { return OpPriority }

// Children returns the direct sub-strategies of s.
func Children(s Strategy) []Strategy {
	switch n := s.(type) {
	case *While:
		return []Strategy{n.Body}
	case *Seq:
		return n.Steps
	case *Choice:
		return n.Alts
	case *Priority:
		return n.Alts
	}
	return nil
}

// Walk visits every node of the tree in pre-order. It stops at the first
// error returned by fn.
func Walk(s Strategy, fn func(Strategy) error) error {
	stack := []Strategy{s}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		if err := fn(n); err != nil {
			return err
		}
		kids := Children(n)
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return nil
}

// StrategyValue returns the canonical body of s, without the envelope.
func StrategyValue(s Strategy) Object {
	switch n := s.(type) {
	case *Once:
		return Object{
			"op":    Str(OpOnce),
			"rule":  Str(n.Rule.String()),
			"order": Str(n.Order.Normalize()),
		}
	case *Exhaust:
		obj := Object{
			"op":    Str(OpExhaust),
			"rule":  Str(n.Rule.String()),
			"order": Str(n.Order.Normalize()),
		}
		if n.Measure != "" {
			obj["measure"] = Str(n.Measure)
		}
		if n.MaxSteps > 0 {
			obj["max_steps"] = Int(n.MaxSteps)
		}
		return obj
	case *While:
		obj := Object{
			"op":   Str(OpWhile),
			"pred": Str(n.Pred),
			"body": StrategyValue(n.Body),
		}
		if n.Measure != "" {
			obj["measure"] = Str(n.Measure)
		}
		if n.MaxSteps > 0 {
			obj["max_steps"] = Int(n.MaxSteps)
		}
		return obj
	case *Seq:
		return Object{"op": Str(OpSeq), "steps": strategyList(n.Steps)}
	case *Choice:
		return Object{"op": Str(OpChoice), "alts": strategyList(n.Alts)}
	case *Priority:
		return Object{"op": Str(OpPriority), "alts": strategyList(n.Alts)}
	}
	return Object{}
}

func strategyList(ss []Strategy) List {
	out := make(List, len(ss))
	for i, s := range ss {
		out[i] = StrategyValue(s)
	}
	return out
}

// StrategyHash returns the content hash of the canonical Strategy-IR.
func StrategyHash(s Strategy) (Hash, error) {
	return HashValue(DomainStrategy, Object{"strategy": StrategyValue(s)})
}

// MarshalStrategy encodes s as canonical {strategy:{...}}.
func MarshalStrategy(s Strategy) ([]byte, error) {
	return MarshalCanonical(Object{"strategy": StrategyValue(s)})
}

type rawStrategy struct {
	Op       Op                `json:"op"`
	Rule     string            `json:"rule,omitempty"`
	Order    Order             `json:"order,omitempty"`
	Measure  string            `json:"measure,omitempty"`
	MaxSteps int               `json:"max_steps,omitempty"`
	Pred     string            `json:"pred,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Steps    []json.RawMessage `json:"steps,omitempty"`
	Alts     []json.RawMessage `json:"alts,omitempty"`
}

// ParseStrategy decodes a {strategy:{...}} document.
func ParseStrategy(data []byte) (Strategy, error) {
	var doc struct {
		Strategy json.RawMessage `json:"strategy"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse strategy: %w", err)
	}
	if len(doc.Strategy) == 0 {
		return nil, fmt.Errorf("parse strategy: missing \"strategy\" object")
	}
	return parseStrategyNode(doc.Strategy, "strategy")
}

func parseStrategyNode(data json.RawMessage, path string) (Strategy, error) {
	var raw rawStrategy
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	parseList := func(items []json.RawMessage, field string) ([]Strategy, error) {
		out := make([]Strategy, len(items))
		for i, item := range items {
			s, err := parseStrategyNode(item, fmt.Sprintf("%s.%s[%d]", path, field, i))
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	}
	parseRule := func() (Hash, error) {
		h, err := ParseHash(raw.Rule)
		if err != nil {
			return Hash{}, fmt.Errorf("%s.rule: %w", path, err)
		}
		return h, nil
	}

	switch raw.Op {
	case OpOnce:
		h, err := parseRule()
		if err != nil {
			return nil, err
		}
		return &Once{Rule: h, Order: raw.Order}, nil
	case OpExhaust:
		h, err := parseRule()
		if err != nil {
			return nil, err
		}
		return &Exhaust{Rule: h, Order: raw.Order, Measure: raw.Measure, MaxSteps: raw.MaxSteps}, nil
	case OpWhile:
		if len(raw.Body) == 0 {
			return nil, fmt.Errorf("%s: while needs a body", path)
		}
		body, err := parseStrategyNode(raw.Body, path+".body")
		if err != nil {
			return nil, err
		}
		return &While{Pred: raw.Pred, Body: body, Measure: raw.Measure, MaxSteps: raw.MaxSteps}, nil
	case OpSeq:
		steps, err := parseList(raw.Steps, "steps")
		if err != nil {
			return nil, err
		}
		return &Seq{Steps: steps}, nil
	case OpChoice:
		alts, err := parseList(raw.Alts, "alts")
		if err != nil {
			return nil, err
		}
		return &Choice{Alts: alts}, nil
	case OpPriority:
		alts, err := parseList(raw.Alts, "alts")
		if err != nil {
			return nil, err
		}
		return &Priority{Alts: alts}, nil
	}
	return nil, fmt.Errorf("%s: unknown op %q", path, raw.Op)
}

// ValidateStrategy checks shape only: orders, non-empty lists, required
// fields. Rule hashes, predicates and measures are resolved by the
// executor against its rule set and catalog.
func ValidateStrategy(s Strategy) []ValidationError {
	var errs []ValidationError
	if s == nil {
		return []ValidationError{{Field: "strategy", Message: "strategy is required"}}
	}
	_ = Walk(s, func(n Strategy) error {
		field := string(n.Op())
		switch v := n.(type) {
		case *Once:
			if v.Rule.IsZero() {
				errs = append(errs, ValidationError{Field: field, Message: "rule hash is required"})
			}
			if !v.Order.Valid() {
				errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("unknown order %q", v.Order)})
			}
		case *Exhaust:
			if v.Rule.IsZero() {
				errs = append(errs, ValidationError{Field: field, Message: "rule hash is required"})
			}
			if !v.Order.Valid() {
				errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("unknown order %q", v.Order)})
			}
			if v.MaxSteps < 0 {
				errs = append(errs, ValidationError{Field: field, Message: "max_steps must not be negative"})
			}
		case *While:
			if v.Pred == "" {
				errs = append(errs, ValidationError{Field: field, Message: "predicate reference is required"})
			}
			if v.Body == nil {
				errs = append(errs, ValidationError{Field: field, Message: "body is required"})
			}
			if v.MaxSteps < 0 {
				errs = append(errs, ValidationError{Field: field, Message: "max_steps must not be negative"})
			}
		case *Seq:
			if len(v.Steps) == 0 {
				errs = append(errs, ValidationError{Field: field, Message: "seq needs at least one step"})
			}
		case *Choice:
			if len(v.Alts) == 0 {
				errs = append(errs, ValidationError{Field: field, Message: "choice needs at least one alternative"})
			}
		case *Priority:
			if len(v.Alts) == 0 {
				errs = append(errs, ValidationError{Field: field, Message: "priority needs at least one alternative"})
			}
		}
		return nil
	})
	return errs
}
