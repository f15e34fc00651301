package graph

import "strings"

// adjacency maps node id to successor ids in edge declaration order.
type adjacency map[string][]string

// findCycles returns every cycle in adj as a closed path, e.g.
// ["a", "b", "a"]. Nodes are visited in the given order so the result is
// deterministic.
func findCycles(adj adjacency, order []string) [][]string {
	var cycles [][]string
	for _, scc := range tarjanSCC(adj, order) {
		if len(scc) > 1 || hasSelfLoop(scc[0], adj) {
			cycles = append(cycles, cyclePath(scc, adj))
		}
	}
	return cycles
}

func hasSelfLoop(node string, adj adjacency) bool {
	for _, next := range adj[node] {
		if next == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
func tarjanSCC(adj adjacency, order []string) [][]string {
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

		for _, w := range adj[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

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

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath returns the shortest closed walk through scc, starting from
// the member Tarjan popped last.
func cyclePath(scc []string, adj adjacency) []string {
	start := scc[len(scc)-1]
	if len(scc) == 1 {
		return []string{start, start}
	}

	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	parent := map[string]string{}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, w := range adj[cur] {
			if !members[w] {
				continue
			}
			if w == start {
				var rev []string
				for n := cur; n != start; n = parent[n] {
					rev = append(rev, n)
				}
				path := []string{start}
				for k := len(rev) - 1; k >= 0; k-- {
					path = append(path, rev[k])
				}
				return append(path, start)
			}
			if _, seen := parent[w]; !seen {
				parent[w] = cur
				queue = append(queue, w)
			}
		}
	}
	return []string{start, start}
}

func formatCycle(path []string) string {
	return strings.Join(path, " -> ")
}
