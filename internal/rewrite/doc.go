// Package rewrite finds matches of DPO rules in a graph version and
// derives the patches that apply them.
//
// Both halves are pure: they read an immutable *graph.Ref and never
// mutate it. Only the transaction manager turns a patch into a version.
//
// # Match order
//
// Matches are ordered by the StableID of the rule's anchor (its first L
// node), ascending for topdown and descending for bottomup. Matches that
// share an anchor are ordered by the tuple of bound ids, L nodes first and
// then L edges, in declaration order. The order does not depend on the
// number of workers.
//
// # Injectivity
//
// By default distinct node variables bind distinct vertices and distinct
// edge variables bind distinct edges. WithNonInjective relaxes the node
// half; edges stay injective.
package rewrite
