// Package graph builds and validates the pipeline DAG.
//
// Build checks structure (undefined nodes, cycles, route label collisions,
// capability mismatches), resolves plugin capabilities once, and pairs
// every fork with the coalesce node that joins it. ValidateSchemas checks
// edge contracts. TopologyFingerprint and ConfigFingerprint produce the
// hashes checkpoints are validated against.
package graph
