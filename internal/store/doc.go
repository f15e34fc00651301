// Package store provides SQLite-backed durable storage for the token
// ledger.
//
// The store holds runs, source rows, content-addressed payloads, tokens
// with their lineage links, token outcomes, node states and checkpoints.
// Outcomes and node states are append-only; a token's node position is the
// only mutable token column.
//
// # Invariants held by the schema
//
//   - At most one terminal outcome per token: a partial UNIQUE index on
//     token_outcomes(token_id) WHERE is_terminal = 1.
//   - Checkpoints are superseded, never updated: UNIQUE(run_id, token_id,
//     node_id, sequence_number) plus a strictly-increasing check on write.
//   - Sink pairs (node state plus COMPLETED or ROUTED) are written in one
//     transaction.
//
// # Deterministic reads
//
// Every multi-row query orders by seq (logical clock) and then by id with
// COLLATE BINARY, so identical stores produce identical results.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
