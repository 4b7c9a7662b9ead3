// Package engine implements the strategy executor.
//
// A strategy is a tree of once, exhaust, while, seq, choice and priority
// nodes over rules addressed by content hash. The engine interprets it
// with an explicit stack; no strategy node is evaluated by native
// recursion, so cancellation and timeouts have one insertion point:
// between interpreter steps.
//
// ARCHITECTURE:
//
// Compute, then commit:
// Each rewrite step is two phases. Matching and patch derivation are pure
// functions of (version, rule, order) and run on an immutable snapshot;
// the patch then goes through the transaction manager, which is the only
// path that mutates the store. Because derivation is pure, its result is
// cached by (input version hash, rule hash, order).
//
// Terminal states:
//   - Done(applied) or Done(no_op), returned as a *Result
//   - CANCELLED or TIMEOUT, returned as a *Failure with the partial trace
//   - NON_TERMINATION when a loop wants to run past its step budget, when
//     a measure grows, or when a while loop revisits a version
//   - CONFLICT when a step loses more commit races than the retry bound
//
// Steps committed before a failure stay committed: each is its own
// transaction. The failure names the last version reached.
//
// Choice and priority share leftmost-success semantics: the first
// alternative that rewrites at least once wins. Fair order is topdown.
//
// Determinism:
// For a fixed start version, rule set and catalog, a run without
// concurrent writers produces the same versions and the same trace,
// whatever the matcher's worker count. Trace entries are stamped from a
// logical Clock, never wall time.
package engine
