package compiler

import (
	"errors"
	"fmt"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/ir"
)

// Validation error codes
const (
	// General validation errors (E100)
	ErrUnsupportedIRType = "E100" // unsupported IR type for validation

	// Rule errors (E200-E299)
	ErrRuleStructure = "E201" // L/K/R/NAC are not well formed
	ErrRuleSchema    = "E202" // type or guard the catalog does not define

	// Strategy errors (E300-E399)
	ErrStrategyShape      = "E301" // missing field, empty list, bad max_steps
	ErrUndefinedRule      = "E302" // leaf names no rule of the module
	ErrUndefinedPredicate = "E303" // while predicate not in the catalog
	ErrUndefinedMeasure   = "E304" // unknown builtin measure
	ErrStrategyCycle      = "E305" // named strategies include each other
	ErrUndefinedStrategy  = "E306" // include names no strategy of the module
	ErrInvalidOrder       = "E307" // order is not topdown, bottomup or fair

	// Catalog errors (E400-E499)
	ErrCatalogInvalid = "E401" // catalog definition does not resolve
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates compiled IR against schema rules.
// Returns all errors found (does not fail-fast).
// Supports *Module, *ir.Rule, catalog.Definition and strategy trees. A
// lone rule or strategy is checked for shape only; a Module is also
// checked against its catalog.
func Validate(v any) []ValidationError {
	switch x := v.(type) {
	case *Module:
		return validateModule(x)
	case *ir.Rule:
		return coded(x.Validate(), "rule."+x.Name, ErrRuleStructure)
	case catalog.Definition:
		return coded(catalog.Validate(x), "catalog", ErrCatalogInvalid)
	case ir.Strategy:
		return coded(ir.ValidateStrategy(x), "strategy", ErrStrategyShape)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

func validateModule(m *Module) []ValidationError {
	errs := coded(catalog.Validate(m.Catalog), "catalog", ErrCatalogInvalid)

	// Catalog-dependent checks need a resolved catalog.
	var cat *catalog.Catalog
	if len(errs) == 0 {
		c, err := catalog.New(m.Catalog)
		if err != nil {
			errs = append(errs, ValidationError{Field: "catalog", Message: message(err), Code: ErrCatalogInvalid})
		} else {
			cat = c
		}
	}

	for _, r := range m.Rules {
		field := "rule." + r.Name
		structural := coded(r.Validate(), field, ErrRuleStructure)
		errs = append(errs, structural...)
		if cat == nil || len(structural) > 0 {
			continue
		}
		if err := cat.CheckRule(r); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: message(err), Code: ErrRuleSchema})
		}
	}

	for _, s := range m.Strategies {
		field := "strategy." + s.Name
		errs = append(errs, coded(ir.ValidateStrategy(s.Strategy), field, ErrStrategyShape)...)
		if cat == nil {
			continue
		}
		_ = ir.Walk(s.Strategy, func(n ir.Strategy) error {
			var measure string
			switch x := n.(type) {
			case *ir.Exhaust:
				measure = x.Measure
			case *ir.While:
				measure = x.Measure
				if _, err := cat.Predicate(x.Pred); err != nil {
					errs = append(errs, ValidationError{Field: field, Message: message(err), Code: ErrUndefinedPredicate})
				}
			}
			if measure != "" {
				if _, err := cat.Measure(measure); err != nil {
					errs = append(errs, ValidationError{Field: field, Message: message(err), Code: ErrUndefinedMeasure})
				}
			}
			return nil
		})
	}
	return errs
}

// coded attaches a code to IR validation errors and roots their fields.
func coded(in []ir.ValidationError, root, code string) []ValidationError {
	var out []ValidationError
	for _, e := range in {
		out = append(out, ValidationError{Field: root + "." + e.Field, Message: e.Message, Code: code})
	}
	return out
}

// message drops the error code prefix of an ir.Error; the validation code
// replaces it.
func message(err error) string {
	var e *ir.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
