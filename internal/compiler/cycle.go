package compiler

import (
	"fmt"
	"slices"
	"strings"
)

// IncludeCycle is a set of named strategies that include each other.
//
// Includes are inlined at compile time, so unlike a While loop a cycle can
// never terminate and is always an error.
type IncludeCycle struct {
	Path    []string `json:"path"`    // Cycle path: ["a", "b", "a"]
	Message string   `json:"message"` // Human-readable description
}

// Error reports the cycle as a compile error.
func (c IncludeCycle) Error() string {
	return fmt.Sprintf("[%s] %s", ErrStrategyCycle, c.Message)
}

// AnalyzeIncludes finds include cycles among named strategies.
//
// graph maps each strategy name to the names it includes. The algorithm:
//  1. Use Tarjan's algorithm to find strongly connected components
//  2. Report each SCC with size > 1 or a self-include as a cycle
//
// Strategies are visited in name order so the report is deterministic.
// A DAG (no cycles) returns an empty list.
func AnalyzeIncludes(graph map[string][]string) []IncludeCycle {
	if len(graph) == 0 {
		return []IncludeCycle{}
	}

	var cycles []IncludeCycle
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			cycles = append(cycles, cycleSCC(scc, graph))
		}
	}
	return cycles
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph map[string][]string) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root: pop its component
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

func cycleSCC(scc []string, graph map[string][]string) IncludeCycle {
	if len(scc) == 1 {
		name := scc[0]
		return IncludeCycle{
			Path:    []string{name, name},
			Message: fmt.Sprintf("strategy %s includes itself", name),
		}
	}

	path := reconstructCyclePath(scc, graph)
	return IncludeCycle{
		Path:    path,
		Message: fmt.Sprintf("strategy include cycle: %s", strings.Join(path, " → ")),
	}
}

// reconstructCyclePath builds a cycle path from an SCC, starting at its
// smallest name and following includes until it returns there.
func reconstructCyclePath(scc []string, graph map[string][]string) []string {
	if len(scc) == 0 {
		return []string{}
	}

	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := slices.Min(scc)
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}
