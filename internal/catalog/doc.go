// Package catalog holds the graph schema: vertex and edge types, endpoint
// constraints, property indexes, named predicate instances and invariants.
//
// Guards, graph predicates and measures form a closed registry of native
// implementations. Names are resolved when a catalog is built or a rule is
// checked, so an unknown name is a SCHEMA_ERROR at load time and never a
// runtime failure.
package catalog
