// Package harness runs YAML rewriting scenarios against the real engine.
//
// A scenario names CUE spec files (catalog, rules, strategies), a start
// graph, a list of strategy runs with their expected outcomes, and
// assertions over the combined trace and the final graph:
//
//	name: collapse_then_prune
//	description: triangle collapse, then drop edges while any remain
//	specs: [specs/triangle.cue]
//	graph:
//	  vertices:
//	    - {id: u, type: V, props: {name: u}}
//	    - {id: v, type: V}
//	  edges:
//	    - {id: e1, src: u, dst: v, type: E}
//	runs:
//	  - strategy: main
//	    expect: {outcome: applied, steps: 3}
//	assertions:
//	  - {type: trace_count, rule: drop_edge, count: 1}
//	  - {type: final_state, edges: 0}
//
// Each scenario runs on a fresh in-memory store with sequential run ids,
// so the same scenario always produces the same trace. Trace events name
// versions by sequence number rather than hash, which keeps golden files
// readable.
package harness
