package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/ir"
)

// Module is everything one CUE source defines: a catalog, rules and named
// strategies. Rules and strategies keep their declaration order.
type Module struct {
	Catalog    catalog.Definition
	Rules      []*ir.Rule
	Strategies []NamedStrategy

	ruleHashes map[string]ir.Hash
}

// NamedStrategy is a top-level strategy and its label.
type NamedStrategy struct {
	Name     string
	Strategy ir.Strategy
}

// Rule returns the rule with the given name.
func (m *Module) Rule(name string) (*ir.Rule, bool) {
	for _, r := range m.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// RuleHash returns the content hash of the named rule.
func (m *Module) RuleHash(name string) (ir.Hash, bool) {
	h, ok := m.ruleHashes[name]
	return h, ok
}

// Strategy returns the strategy with the given name.
func (m *Module) Strategy(name string) (ir.Strategy, bool) {
	for _, s := range m.Strategies {
		if s.Name == name {
			return s.Strategy, true
		}
	}
	return nil, false
}

// Compile extracts the catalog, rule and strategy sections of v.
// All compile errors are collected; the module holds whatever compiled.
// Rules a strategy names must compile for the strategy to compile.
func Compile(v cue.Value) (*Module, []error) {
	m := &Module{ruleHashes: map[string]ir.Hash{}}
	if err := v.Err(); err != nil {
		return m, []error{formatCUEError(err)}
	}
	var errs []error

	if cv := lookup(v, "catalog"); cv.Exists() {
		def, err := CompileCatalog(cv)
		if err != nil {
			errs = append(errs, prefixed(err, "catalog"))
		}
		m.Catalog = def
	}

	if rv := lookup(v, "rule"); rv.Exists() {
		iter, err := rv.Fields()
		if err != nil {
			errs = append(errs, fieldError(rv, "rule", "must be a struct of rules"))
		} else {
			for iter.Next() {
				field := "rule." + iter.Selector().Unquoted()
				r, err := CompileRule(iter.Value())
				if err != nil {
					errs = append(errs, prefixed(err, field))
					continue
				}
				if _, dup := m.ruleHashes[r.Name]; dup {
					errs = append(errs, fieldError(iter.Value(), field, "rule name %q used twice", r.Name))
					continue
				}
				h, err := r.Hash()
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: hash: %w", field, err))
					continue
				}
				m.Rules = append(m.Rules, r)
				m.ruleHashes[r.Name] = h
			}
		}
	}

	sv := lookup(v, "strategy")
	if !sv.Exists() {
		return m, errs
	}
	iter, err := sv.Fields()
	if err != nil {
		return m, append(errs, fieldError(sv, "strategy", "must be a struct of strategies"))
	}
	c := &strategyCompiler{
		rules: m.ruleHashes,
		named: map[string]cue.Value{},
		done:  map[string]ir.Strategy{},
	}
	var names []string
	graph := map[string][]string{}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		names = append(names, name)
		c.named[name] = iter.Value()
		graph[name] = includes(iter.Value())
	}
	if cycles := AnalyzeIncludes(graph); len(cycles) > 0 {
		for _, cyc := range cycles {
			errs = append(errs, cyc)
		}
		return m, errs
	}
	// An error inside an included strategy surfaces once per includer;
	// report it once.
	seen := map[string]bool{}
	for _, name := range names {
		s, err := c.include(c.named[name], name, name)
		if err != nil {
			err = prefixed(err, "strategy")
			if !seen[err.Error()] {
				seen[err.Error()] = true
				errs = append(errs, err)
			}
			continue
		}
		m.Strategies = append(m.Strategies, NamedStrategy{Name: name, Strategy: s})
	}
	return m, errs
}

// CompileSource compiles one CUE document. filename is used for error
// positions only.
func CompileSource(filename string, src []byte) (*Module, []error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	return Compile(v)
}

// CompileFile reads and compiles a single CUE file.
func CompileFile(path string) (*Module, []error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{fmt.Errorf("read %s: %w", path, err)}
	}
	return CompileSource(path, src)
}

// CompileFiles compiles CUE files as one instance. The files must share a
// directory and a package clause.
func CompileFiles(paths ...string) (*Module, []error) {
	if len(paths) == 0 {
		return nil, []error{fmt.Errorf("no CUE files given")}
	}
	return compileInstance(paths, &load.Config{})
}

// CompileDir compiles the CUE package in dir.
func CompileDir(dir string) (*Module, []error) {
	return compileInstance([]string{"."}, &load.Config{Dir: dir})
}

func compileInstance(args []string, cfg *load.Config) (*Module, []error) {
	insts := load.Instances(args, cfg)
	if len(insts) == 0 {
		return nil, []error{fmt.Errorf("no CUE instances loaded")}
	}
	inst := insts[0]
	if inst.Err != nil {
		return nil, []error{formatCUEError(inst.Err)}
	}
	v := cuecontext.New().BuildInstance(inst)
	return Compile(v)
}
