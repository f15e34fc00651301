// Package ledger is the single source of truth for token lifecycle state.
//
// Every token is created and every outcome is recorded through a Ledger.
// The ledger enforces the outcome contract at write time:
//
//   - a token receives at most one terminal outcome
//   - a terminal outcome carries the field its kind requires
//   - a COMPLETED or ROUTED sink outcome is stored together with its sink
//     node state, or not at all
//   - lineage never contains a cycle
//
// Mutations for one token are serialized through a striped lock keyed by
// the token id; different tokens proceed in parallel. No lock is held
// while plugins run: callers execute a node first and record the result
// afterwards.
//
// All records are stamped from a logical Clock. Wall-clock time is never
// used for ordering.
//
// AuditSweep reports integrity gaps for a run. Its result is deterministic
// for an unchanged run.
package ledger
