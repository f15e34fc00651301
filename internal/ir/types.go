package ir

// NodeKind classifies a node's role in the pipeline.
type NodeKind string

const (
	KindSource      NodeKind = "source"
	KindTransform   NodeKind = "transform"
	KindGate        NodeKind = "gate"
	KindAggregation NodeKind = "aggregation"
	KindCoalesce    NodeKind = "coalesce"
	KindSink        NodeKind = "sink"
)

// ValidNodeKinds lists the accepted kinds.
var ValidNodeKinds = map[NodeKind]bool{
	KindSource:      true,
	KindTransform:   true,
	KindGate:        true,
	KindAggregation: true,
	KindCoalesce:    true,
	KindSink:        true,
}

// NodeSpec is the declaration of a node before the graph is built.
type NodeSpec struct {
	ID           string   `json:"id" yaml:"id"`
	Kind         NodeKind `json:"kind" yaml:"kind"`
	Plugin       string   `json:"plugin" yaml:"plugin"`
	InputSchema  Schema   `json:"input_schema" yaml:"input_schema"`
	OutputSchema Schema   `json:"output_schema" yaml:"output_schema"`
	Config       IRObject `json:"config" yaml:"-"`

	// OnError names the sink that receives this node's error results.
	OnError string `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// EdgeSpec connects two nodes. Label is the gate route label, or the
// branch name on a fork edge.
type EdgeSpec struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// String renders the edge for diagnostics.
func (e EdgeSpec) String() string {
	if e.Label != "" {
		return e.From + " -[" + e.Label + "]-> " + e.To
	}
	return e.From + " -> " + e.To
}

// RouteKind is the static classification of a gate condition.
type RouteKind string

const (
	// RouteBoolean conditions yield true/false and use labels "true" and "false".
	RouteBoolean RouteKind = "boolean"
	// RouteLabel conditions yield a string that names the route label.
	RouteLabel RouteKind = "label"
)

// Boolean route labels.
const (
	LabelTrue  = "true"
	LabelFalse = "false"
)
