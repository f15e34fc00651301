package graph

import (
	"slices"
	"strings"

	"github.com/roach88/tokenline/internal/ir"
)

// ConfigFingerprint hashes a node's own configuration: kind, plugin,
// plugin config, schemas and error route.
func (g *Graph) ConfigFingerprint(nodeID string) (string, bool) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return "", false
	}
	return ir.MustHash(ir.DomainConfig, configValue(n.Spec)), true
}

func configValue(spec ir.NodeSpec) ir.IRObject {
	cfg := spec.Config
	if cfg == nil {
		cfg = ir.IRObject{}
	}
	return ir.IRObject{
		"kind":          ir.IRString(string(spec.Kind)),
		"plugin":        ir.IRString(spec.Plugin),
		"config":        cfg,
		"input_schema":  ir.CanonicalSchema(spec.InputSchema),
		"output_schema": ir.CanonicalSchema(spec.OutputSchema),
		"on_error":      ir.IRString(spec.OnError),
	}
}

// TopologyFingerprint hashes the subgraph upstream of nodeID: the node,
// every ancestor with its configuration fingerprint, and the edges among
// them. Nodes and edges are sorted so declaration order does not matter.
// Changes downstream of nodeID leave it unchanged.
func (g *Graph) TopologyFingerprint(nodeID string) (string, bool) {
	if _, ok := g.nodes[nodeID]; !ok {
		return "", false
	}
	members := g.ancestors(nodeID)
	members[nodeID] = true
	return ir.MustHash(ir.DomainTopology, ir.IRObject{
		"node":  ir.IRString(nodeID),
		"nodes": g.canonicalNodes(members, nodeID),
		"edges": g.canonicalEdges(members),
	}), true
}

// Fingerprint hashes the whole graph. It identifies the pipeline a run
// executed.
func (g *Graph) Fingerprint() string {
	members := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		members[id] = true
	}
	return ir.MustHash(ir.DomainGraph, ir.IRObject{
		"nodes": g.canonicalNodes(members, ""),
		"edges": g.canonicalEdges(members),
	})
}

// canonicalNodes renders members sorted by id. The node named self
// contributes only its id and kind; its configuration is covered by its
// own config fingerprint.
func (g *Graph) canonicalNodes(members map[string]bool, self string) ir.IRArray {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make(ir.IRArray, 0, len(ids))
	for _, id := range ids {
		spec := g.nodes[id].Spec
		obj := ir.IRObject{
			"id":   ir.IRString(id),
			"kind": ir.IRString(string(spec.Kind)),
		}
		if id != self {
			obj["config"] = ir.IRString(ir.MustHash(ir.DomainConfig, configValue(spec)))
		}
		out = append(out, obj)
	}
	return out
}

func (g *Graph) canonicalEdges(members map[string]bool) ir.IRArray {
	var edges []ir.EdgeSpec
	for _, e := range g.edges {
		if members[e.From] && members[e.To] {
			edges = append(edges, e)
		}
	}
	slices.SortFunc(edges, func(a, b ir.EdgeSpec) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		if c := strings.Compare(a.To, b.To); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})

	out := make(ir.IRArray, 0, len(edges))
	for _, e := range edges {
		out = append(out, ir.IRObject{
			"from":  ir.IRString(e.From),
			"to":    ir.IRString(e.To),
			"label": ir.IRString(e.Label),
		})
	}
	return out
}
