// Package engine drives tokens through a pipeline graph.
//
// A run loads every source row, gives it a token and queues the token at
// its next node. A pool of workers pulls ready work from a FIFO queue and
// executes one token at one node:
//
//   - transform: the row is processed; several output rows expand the
//     token into children.
//   - gate: the condition selects exactly one outgoing edge. A result of
//     the wrong type fails closed with a RoutingError.
//   - fork (any non-gate node with several outgoing edges): one child per
//     edge, sharing a fork group.
//   - aggregation: tokens are BUFFERED until a trigger flushes the batch
//     into one aggregate token.
//   - coalesce: fork branches wait for their siblings, then merge into the
//     survivor.
//   - sink: the row is written and the token COMPLETED (or ROUTED when a
//     gate chose the sink).
//
// Every step is recorded in the ledger before the next one starts, so each
// token's position is durable and an interrupted run can be resumed.
//
// Ordering in the ledger uses the logical clock only. Wall-clock time is
// used for join and batch timeouts, nothing else.
//
// Concurrency: tokens execute in parallel, but the ledger serializes every
// mutation of one token. Plugin calls never run under a ledger lock. Join
// and batch state are guarded by their own mutexes; the goroutine that
// removes a join or batch from its table owns it.
package engine
