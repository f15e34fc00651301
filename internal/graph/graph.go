package graph

import (
	"fmt"
	"slices"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin"
)

// Node is a built node with its resolved plugin capability.
type Node struct {
	Spec ir.NodeSpec

	source      plugin.Source
	transform   plugin.Transform
	gate        plugin.Gate
	aggregation plugin.Aggregation
	sink        plugin.Sink
}

// ID returns the node id.
func (n *Node) ID() string { return n.Spec.ID }

// Kind returns the node kind.
func (n *Node) Kind() ir.NodeKind { return n.Spec.Kind }

// Source returns the node's source plugin, or nil for other kinds.
func (n *Node) Source() plugin.Source { return n.source }

// Transform returns the node's transform plugin, or nil for other kinds.
func (n *Node) Transform() plugin.Transform { return n.transform }

// Gate returns the node's gate plugin, or nil for other kinds.
func (n *Node) Gate() plugin.Gate { return n.gate }

// Aggregation returns the node's aggregation plugin, or nil for other kinds.
func (n *Node) Aggregation() plugin.Aggregation { return n.aggregation }

// Sink returns the node's sink plugin, or nil for other kinds.
func (n *Node) Sink() plugin.Sink { return n.sink }

// Resolved reports whether the node has the plugin its kind needs.
func (n *Node) Resolved() bool {
	switch n.Spec.Kind {
	case ir.KindSource:
		return n.source != nil
	case ir.KindTransform:
		return n.transform != nil
	case ir.KindGate:
		return n.gate != nil
	case ir.KindAggregation:
		return n.aggregation != nil
	case ir.KindSink:
		return n.sink != nil
	default:
		return true
	}
}

func (n *Node) bind(p plugin.Plugin) {
	switch n.Spec.Kind {
	case ir.KindSource:
		n.source = p.(plugin.Source)
	case ir.KindTransform:
		n.transform = p.(plugin.Transform)
	case ir.KindGate:
		n.gate = p.(plugin.Gate)
	case ir.KindAggregation:
		n.aggregation = p.(plugin.Aggregation)
	case ir.KindSink:
		n.sink = p.(plugin.Sink)
	}
}

// Join pairs a fork node with the coalesce node that merges its branches.
type Join struct {
	ForkNode     string
	CoalesceNode string
	// Branches are the expected branch names in fork edge order. The first
	// is the survivor's branch.
	Branches []string
}

// Graph is an immutable, validated pipeline DAG.
type Graph struct {
	nodes map[string]*Node
	order []string
	topo  []string
	edges []ir.EdgeSpec
	out   map[string][]ir.EdgeSpec
	in    map[string][]ir.EdgeSpec
	joins map[string]Join
}

type buildOptions struct {
	registry *plugin.Registry
	plugins  map[string]plugin.Plugin
}

// Option configures Build.
type Option func(*buildOptions)

// WithRegistry resolves every node's plugin through r.
func WithRegistry(r *plugin.Registry) Option {
	return func(o *buildOptions) { o.registry = r }
}

// WithPlugins binds plugin instances by node id. They take precedence over
// the registry.
func WithPlugins(plugins map[string]plugin.Plugin) Option {
	return func(o *buildOptions) { o.plugins = plugins }
}

// Build validates the graph structure and resolves plugin capabilities.
// Without a registry or plugin bindings the graph is structural only and
// cannot be executed.
func Build(nodes []ir.NodeSpec, edges []ir.EdgeSpec, opts ...Option) (*Graph, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	g := &Graph{
		nodes: make(map[string]*Node, len(nodes)),
		edges: slices.Clone(edges),
		out:   make(map[string][]ir.EdgeSpec),
		in:    make(map[string][]ir.EdgeSpec),
		joins: make(map[string]Join),
	}

	for i, spec := range nodes {
		if spec.ID == "" {
			return nil, ir.NewStructuralError("", fmt.Sprintf("nodes[%d]: id is required", i))
		}
		if _, dup := g.nodes[spec.ID]; dup {
			return nil, ir.NewStructuralError(spec.ID, "duplicate node id")
		}
		if !ir.ValidNodeKinds[spec.Kind] {
			return nil, ir.NewStructuralError(spec.ID, fmt.Sprintf("invalid node kind %q", spec.Kind))
		}
		if err := spec.InputSchema.Validate(); err != nil {
			return nil, &ir.Error{Code: ir.ErrCodeStructural, Message: "input schema", NodeID: spec.ID, Err: err}
		}
		if err := spec.OutputSchema.Validate(); err != nil {
			return nil, &ir.Error{Code: ir.ErrCodeStructural, Message: "output schema", NodeID: spec.ID, Err: err}
		}
		g.nodes[spec.ID] = &Node{Spec: spec}
		g.order = append(g.order, spec.ID)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		if n.Spec.OnError == "" {
			continue
		}
		target, ok := g.nodes[n.Spec.OnError]
		if !ok {
			return nil, ir.NewStructuralError(id, fmt.Sprintf("on_error references undefined node %q", n.Spec.OnError))
		}
		if target.Spec.Kind != ir.KindSink {
			return nil, ir.NewStructuralError(id, fmt.Sprintf("on_error target %q is not a sink", n.Spec.OnError))
		}
	}

	if err := g.addEdges(); err != nil {
		return nil, err
	}
	if err := g.checkShape(); err != nil {
		return nil, err
	}

	adj := make(adjacency, len(g.order))
	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	if cycles := findCycles(adj, g.order); len(cycles) > 0 {
		return nil, ir.NewStructuralError(cycles[0][0], "cycle: "+formatCycle(cycles[0]))
	}
	g.topo = g.topologicalOrder()

	if err := g.pairJoins(); err != nil {
		return nil, err
	}
	if err := g.resolve(o); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) addEdges() error {
	type edgeKey struct{ from, to, label string }
	seen := make(map[edgeKey]bool, len(g.edges))
	for _, e := range g.edges {
		from, ok := g.nodes[e.From]
		if !ok {
			return ir.NewStructuralError(e.From, fmt.Sprintf("edge %s: undefined node %q", e, e.From))
		}
		if _, ok := g.nodes[e.To]; !ok {
			return ir.NewStructuralError(e.To, fmt.Sprintf("edge %s: undefined node %q", e, e.To))
		}
		k := edgeKey{e.From, e.To, e.Label}
		if seen[k] {
			return ir.NewStructuralError(e.From, fmt.Sprintf("duplicate edge %s", e))
		}
		seen[k] = true

		if from.Spec.Kind == ir.KindGate {
			if e.Label == "" {
				return ir.NewStructuralError(e.From, fmt.Sprintf("gate edge %s has no route label", e))
			}
			for _, prev := range g.out[e.From] {
				if prev.Label == e.Label {
					return ir.NewStructuralError(e.From, fmt.Sprintf("route label collision: %q leads to %q and %q", e.Label, prev.To, e.To))
				}
			}
		}
		g.out[e.From] = append(g.out[e.From], e)
		g.in[e.To] = append(g.in[e.To], e)
	}

	for _, id := range g.order {
		if !g.IsFork(id) {
			continue
		}
		names := make(map[string]bool)
		for _, e := range g.out[id] {
			name := BranchName(e)
			if names[name] {
				return ir.NewStructuralError(id, fmt.Sprintf("duplicate fork branch name %q", name))
			}
			names[name] = true
		}
	}
	return nil
}

func (g *Graph) checkShape() error {
	errorSinks := make(map[string]bool)
	for _, n := range g.nodes {
		if n.Spec.OnError != "" {
			errorSinks[n.Spec.OnError] = true
		}
	}
	sources := 0
	for _, id := range g.order {
		n := g.nodes[id]
		in, out := len(g.in[id]), len(g.out[id])
		switch n.Spec.Kind {
		case ir.KindSource:
			sources++
			if in > 0 {
				return ir.NewStructuralError(id, "source node has incoming edges")
			}
		case ir.KindSink:
			if out > 0 {
				return ir.NewStructuralError(id, "sink node has outgoing edges")
			}
		case ir.KindCoalesce:
			if in < 2 {
				return ir.NewStructuralError(id, "coalesce node needs at least two incoming edges")
			}
		}
		if n.Spec.Kind != ir.KindSink && out == 0 {
			return ir.NewStructuralError(id, "node has no outgoing edges")
		}
		if n.Spec.Kind != ir.KindSource && in == 0 && !errorSinks[id] {
			return ir.NewStructuralError(id, "node is unreachable: no incoming edges")
		}
	}
	if sources == 0 && len(g.order) > 0 {
		return ir.NewStructuralError("", "graph has no source node")
	}
	return nil
}

// topologicalOrder is Kahn's algorithm with declaration order breaking ties.
func (g *Graph) topologicalOrder() []string {
	indegree := make(map[string]int, len(g.order))
	for _, e := range g.edges {
		indegree[e.To]++
	}
	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		slices.SortFunc(ready, func(a, b string) int { return position[a] - position[b] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, e := range g.out[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	return order
}

// pairJoins finds the nearest coalesce node downstream of every fork.
func (g *Graph) pairJoins() error {
	paired := make(map[string]bool)
	for _, id := range g.order {
		if !g.IsFork(id) {
			continue
		}
		coalesce := g.nearestCoalesce(id)
		if coalesce == "" {
			continue
		}
		upstream := g.ancestors(coalesce)
		var branches []string
		for _, e := range g.out[id] {
			if e.To == coalesce || upstream[e.To] {
				branches = append(branches, BranchName(e))
			}
		}
		between := g.descendants(id)
		for _, n := range g.order {
			if between[n] && n != coalesce && upstream[n] && g.IsFork(n) {
				return ir.NewStructuralError(n, fmt.Sprintf("nested fork between %q and its coalesce node %q", id, coalesce))
			}
		}
		g.joins[id] = Join{ForkNode: id, CoalesceNode: coalesce, Branches: branches}
		paired[coalesce] = true
	}
	for _, id := range g.order {
		if g.nodes[id].Spec.Kind == ir.KindCoalesce && !paired[id] {
			return ir.NewStructuralError(id, "coalesce node is not downstream of any fork")
		}
	}
	return nil
}

func (g *Graph) nearestCoalesce(from string) string {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if visited[e.To] {
				continue
			}
			if g.nodes[e.To].Spec.Kind == ir.KindCoalesce {
				return e.To
			}
			visited[e.To] = true
			queue = append(queue, e.To)
		}
	}
	return ""
}

func (g *Graph) walk(start string, next map[string][]ir.EdgeSpec, pick func(ir.EdgeSpec) string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range next[cur] {
			n := pick(e)
			if !seen[n] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	return seen
}

func (g *Graph) ancestors(id string) map[string]bool {
	return g.walk(id, g.in, func(e ir.EdgeSpec) string { return e.From })
}

func (g *Graph) descendants(id string) map[string]bool {
	return g.walk(id, g.out, func(e ir.EdgeSpec) string { return e.To })
}

func (g *Graph) resolve(o buildOptions) error {
	if o.registry == nil && o.plugins == nil {
		return nil
	}
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Spec.Kind == ir.KindCoalesce {
			continue
		}
		p, ok := o.plugins[id]
		if ok {
			if !plugin.Supports(n.Spec.Kind, p) {
				return ir.NewStructuralError(id, fmt.Sprintf("plugin %q does not implement the %s capability", p.Name(), n.Spec.Kind))
			}
		} else {
			if o.registry == nil {
				return ir.NewStructuralError(id, "no plugin bound to node")
			}
			var err error
			if p, err = o.registry.New(n.Spec); err != nil {
				return err
			}
		}
		n.bind(p)
		if n.gate != nil {
			if err := g.checkRoutes(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) checkRoutes(n *Node) error {
	if n.gate.Classification() != ir.RouteBoolean {
		return nil
	}
	labels := make([]string, 0, len(g.out[n.Spec.ID]))
	for _, e := range g.out[n.Spec.ID] {
		labels = append(labels, e.Label)
	}
	slices.Sort(labels)
	if !slices.Equal(labels, []string{ir.LabelFalse, ir.LabelTrue}) {
		return ir.NewStructuralError(n.Spec.ID, fmt.Sprintf("boolean gate must route exactly %q and %q, got %v", ir.LabelTrue, ir.LabelFalse, labels))
	}
	return nil
}

// BranchName is the name of the fork branch an edge starts: its label, or
// the target node id when unlabeled.
func BranchName(e ir.EdgeSpec) string {
	if e.Label != "" {
		return e.Label
	}
	return e.To
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Specs returns the node declarations in declaration order.
func (g *Graph) Specs() []ir.NodeSpec {
	out := make([]ir.NodeSpec, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id].Spec
	}
	return out
}

// Edges returns edges in declaration order.
func (g *Graph) Edges() []ir.EdgeSpec {
	return slices.Clone(g.edges)
}

// Outgoing returns the edges leaving id in declaration order.
func (g *Graph) Outgoing(id string) []ir.EdgeSpec {
	return g.out[id]
}

// Incoming returns the edges entering id in declaration order.
func (g *Graph) Incoming(id string) []ir.EdgeSpec {
	return g.in[id]
}

// TopologicalOrder returns node ids so every edge points forward.
func (g *Graph) TopologicalOrder() []string {
	return slices.Clone(g.topo)
}

// Sources returns the source nodes in declaration order.
func (g *Graph) Sources() []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Spec.Kind == ir.KindSource {
			out = append(out, n)
		}
	}
	return out
}

// IsFork reports whether id fans out: a non-gate node with more than one
// outgoing edge.
func (g *Graph) IsFork(id string) bool {
	n, ok := g.nodes[id]
	if !ok || n.Spec.Kind == ir.KindGate {
		return false
	}
	return len(g.out[id]) > 1
}

// JoinFor returns the join paired with a fork node.
func (g *Graph) JoinFor(forkNode string) (Join, bool) {
	j, ok := g.joins[forkNode]
	return j, ok
}

// Route returns the gate edge carrying label.
func (g *Graph) Route(gateID, label string) (ir.EdgeSpec, bool) {
	for _, e := range g.out[gateID] {
		if e.Label == label {
			return e, true
		}
	}
	return ir.EdgeSpec{}, false
}

// Executable reports whether every node has its plugin bound.
func (g *Graph) Executable() bool {
	for _, n := range g.nodes {
		if !n.Resolved() {
			return false
		}
	}
	return true
}
