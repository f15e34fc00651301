// Package harness runs pipeline scenarios end to end and checks the
// ledger they leave behind.
//
// # Scenario Format
//
// Scenarios are YAML files holding an inline pipeline and assertions:
//
//	name: gate_routing
//	description: "Rows above the threshold go to review"
//	pipeline:
//	  nodes: [...]
//	  edges: [...]
//	assertions:
//	  - type: run_status
//	    status: completed
//	  - type: outcome_count
//	    kind: ROUTED
//	    count: 3
//	  - type: sink_count
//	    sink: review
//	    count: 1
//	  - type: error_class
//	    kind: QUARANTINED
//	    class: missing_required_field
//	    count: 1
//	  - type: audit_clean
//
// Each scenario runs against a fresh in-memory store with deterministic
// ids.
//
// # Snapshots
//
// Snapshot renders a run's ledger without ids or sequence numbers: one
// line per token giving its row index, final node, branch, parent
// relations and outcomes, sorted. Two runs of the same pipeline over the
// same rows produce the same snapshot however the workers interleaved, as
// long as batching does not depend on arrival order (use one worker for
// aggregations). RunWithGolden compares snapshots with golden files in
// testdata/golden; regenerate them with:
//
//	go test ./internal/harness -update
package harness
