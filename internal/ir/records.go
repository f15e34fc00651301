package ir

// NodeStatus is the status of a node-level execution record.
type NodeStatus string

const (
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// NodeState records one token's execution at one node. Node states are
// detail; the outcome ledger is the authority on terminal state.
type NodeState struct {
	ID       int64      `json:"id"`
	RunID    string     `json:"run_id"`
	TokenID  string     `json:"token_id"`
	NodeID   string     `json:"node_id"`
	Status   NodeStatus `json:"status"`
	SinkName string     `json:"sink_name,omitempty"`
	Seq      int64      `json:"seq"`
}

// Checkpoint ties a run to the last completed sequence number for a
// (token, node) pair, with the fingerprints needed to validate a resume.
type Checkpoint struct {
	ID                          int64  `json:"id"`
	RunID                       string `json:"run_id"`
	TokenID                     string `json:"token_id"`
	NodeID                      string `json:"node_id"`
	SequenceNumber              int64  `json:"sequence_number"`
	UpstreamTopologyFingerprint string `json:"upstream_topology_fingerprint"`
	ConfigFingerprint           string `json:"config_fingerprint"`

	// AggregationState is canonical JSON of the in-progress batch when the
	// checkpoint node is an aggregation; empty otherwise.
	AggregationState string `json:"aggregation_state,omitempty"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// Run is the persistent metadata of one pipeline execution.
type Run struct {
	RunID            string    `json:"run_id"`
	GraphFingerprint string    `json:"graph_fingerprint"`
	Status           RunStatus `json:"status"`
	EngineVersion    string    `json:"engine_version"`
}
