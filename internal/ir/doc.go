// Package ir provides the canonical record types shared by every tokenline
// package: graph nodes and edges, rows and schemas, tokens, outcomes,
// node states, checkpoints, and the error taxonomy.
//
// This package contains types and pure functions only. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Hashes and fingerprints are computed over RFC 8785 canonical JSON
//     with SHA-256 and a domain prefix (see hash.go)
//   - Canonical JSON carries no floats; float, decimal and timestamp row
//     values travel as tagged strings
//   - All JSON tags use snake_case
//   - Ordering uses logical sequence numbers, never wall-clock time
package ir
