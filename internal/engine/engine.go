package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/metrics"
	"github.com/roach88/grafting/internal/rewrite"
	"github.com/roach88/grafting/internal/store"
	"github.com/roach88/grafting/internal/txn"
)

// ProvenanceSink receives one record per committed rewrite.
// Implemented by *store.Store.
type ProvenanceSink interface {
	RecordProvenance(ctx context.Context, p store.Provenance) error
}

// Engine interprets strategies against the store behind a transaction
// manager.
//
// Thread-safety: an Engine may run any number of strategies concurrently.
// Each Run owns its own interpreter state; runs share only the rule set,
// the patch cache and the store, and meet at commit.
type Engine struct {
	txm   *txn.Manager
	cat   *catalog.Catalog
	rules map[ir.Hash]*ir.Rule

	maxSteps     int
	maxRetries   int
	timeout      time.Duration
	workers      int
	nonInjective bool
	cacheSize    int64

	ids        txn.IDGenerator
	provenance ProvenanceSink
	cache      *patchCache
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxSteps sets the step budget of Exhaust and While nodes that do not
// set their own max_steps.
//
// Default: 1000 (DefaultMaxSteps)
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithMaxRetries bounds how often a step retries after a Conflict. Zero
// surfaces the first Conflict.
//
// Default: 8 (DefaultMaxRetries)
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithTimeout bounds the wall-clock time of each Run. A run that runs out
// fails with TIMEOUT, distinct from a caller's CANCELLED.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithWorkers sets the matcher's anchor parallelism. It never changes the
// match order.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithNonInjective lets distinct node variables bind the same vertex.
func WithNonInjective() EngineOption {
	return func(e *Engine) { e.nonInjective = true }
}

// WithPatchCacheSize sets the patch cache capacity. Zero disables it.
func WithPatchCacheSize(n int64) EngineOption {
	return func(e *Engine) { e.cacheSize = n }
}

// WithProvenance records (input, rule, plan) -> output for every commit.
func WithProvenance(sink ProvenanceSink) EngineOption {
	return func(e *Engine) { e.provenance = sink }
}

// WithIDGenerator sets the generator of run ids.
func WithIDGenerator(g txn.IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the engine metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine over txm with the given rule set. Rules are
// addressed by content hash; every rule is checked against the catalog
// here, so a bad rule is a SCHEMA_ERROR before any strategy runs.
func New(txm *txn.Manager, rules []*ir.Rule, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		txm:        txm,
		cat:        txm.Catalog(),
		rules:      make(map[ir.Hash]*ir.Rule, len(rules)),
		maxSteps:   DefaultMaxSteps,
		maxRetries: DefaultMaxRetries,
		workers:    1,
		cacheSize:  DefaultPatchCacheSize,
		ids:        txn.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	for _, r := range rules {
		if err := rewrite.Check(r, e.cat); err != nil {
			return nil, err
		}
		h, err := r.Hash()
		if err != nil {
			return nil, fmt.Errorf("hash rule %q: %w", r.Name, err)
		}
		e.rules[h] = r
	}

	if e.cacheSize > 0 {
		c, err := newPatchCache(e.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create patch cache: %w", err)
		}
		e.cache = c
	}
	return e, nil
}

// Close releases the patch cache.
func (e *Engine) Close() {
	e.cache.close()
}

// Rule returns the rule with content hash h.
func (e *Engine) Rule(h ir.Hash) (*ir.Rule, bool) {
	r, ok := e.rules[h]
	return r, ok
}

// Load checks a strategy against the rule set and the catalog: its shape,
// every rule hash, every While predicate and every measure. Failures are
// SCHEMA_ERRORs; Run calls Load before its first step, so an undefined
// name never surfaces mid-run.
func (e *Engine) Load(s ir.Strategy) error {
	if errs := ir.ValidateStrategy(s); len(errs) > 0 {
		return ir.Errorf(ir.CodeSchema, "invalid strategy: %s", errs[0].Error()).With("field", errs[0].Field)
	}
	return ir.Walk(s, func(n ir.Strategy) error {
		switch v := n.(type) {
		case *ir.Once:
			return e.checkRule(v.Rule)
		case *ir.Exhaust:
			if err := e.checkRule(v.Rule); err != nil {
				return err
			}
			return e.checkMeasure(v.Measure)
		case *ir.While:
			if _, err := e.cat.Predicate(v.Pred); err != nil {
				return err
			}
			return e.checkMeasure(v.Measure)
		}
		return nil
	})
}

func (e *Engine) checkRule(h ir.Hash) error {
	if _, ok := e.rules[h]; !ok {
		return ir.Errorf(ir.CodeSchema, "strategy references unknown rule %s", h.Short()).With("rule", h.Short())
	}
	return nil
}

func (e *Engine) checkMeasure(name string) error {
	if name == "" {
		return nil
	}
	_, err := e.cat.Measure(name)
	return err
}

// Result is a strategy that reached Done. Version is the graph the run
// ended on: a new version if it applied anything, else its input.
type Result struct {
	RunID   string
	Outcome Outcome
	Version *graph.Ref
	Steps   int
	Trace   []TraceEntry
}
