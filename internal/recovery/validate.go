// Package recovery decides whether an interrupted run can resume against
// the current graph and reconstructs the work it still has to do.
package recovery

import (
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
)

// Reason explains a rejected checkpoint.
type Reason string

const (
	ReasonMissingNode     Reason = "missing node"
	ReasonConfigChanged   Reason = "configuration changed"
	ReasonTopologyChanged Reason = "topology changed"
)

// Decision is the outcome of checking a checkpoint against a graph.
type Decision struct {
	Resumable bool
	Reason    Reason
	NodeID    string
}

// Err returns nil for a resumable decision and a CompatibilityRejected
// error otherwise.
func (d Decision) Err() error {
	if d.Resumable {
		return nil
	}
	return rejection(d, "")
}

// Validate checks cp against g. Rejections are checked in order: the
// checkpointed node is gone, its configuration changed, or its upstream
// topology changed. Changes downstream of the node do not matter.
func Validate(cp ir.Checkpoint, g *graph.Graph) Decision {
	reject := func(r Reason) Decision {
		return Decision{Reason: r, NodeID: cp.NodeID}
	}
	if _, ok := g.Node(cp.NodeID); !ok {
		return reject(ReasonMissingNode)
	}
	if cfg, _ := g.ConfigFingerprint(cp.NodeID); cfg != cp.ConfigFingerprint {
		return reject(ReasonConfigChanged)
	}
	if topo, _ := g.TopologyFingerprint(cp.NodeID); topo != cp.UpstreamTopologyFingerprint {
		return reject(ReasonTopologyChanged)
	}
	return Decision{Resumable: true, NodeID: cp.NodeID}
}
