package engine

import (
	"fmt"
	"time"

	"github.com/roach88/tokenline/internal/ir"
)

// Error classes the engine records on FAILED and QUARANTINED outcomes.
// Each feeds ir.ErrorHash.
const (
	// ClassJoinBranchLost: a sibling branch of a join retired without
	// reaching the coalesce node.
	ClassJoinBranchLost = "join_branch_lost"

	// ClassJoinIncomplete: the run drained with the join still waiting.
	ClassJoinIncomplete = "join_incomplete"

	// ClassJoinResolved: the token arrived after its join was resolved.
	ClassJoinResolved = "join_resolved"

	// ClassUnencodableRow: a plugin produced a row the payload store
	// cannot represent.
	ClassUnencodableRow = "unencodable_row"

	// ClassSourceRecord: a source rejected a record without naming a class.
	ClassSourceRecord = "invalid_record"
)

// joinTimeoutError is recorded for every member of a join that waited
// longer than the configured timeout.
func joinTimeoutError(runID, joinGroupID string, waited, limit time.Duration) *ir.Error {
	return &ir.Error{
		Code:    ir.ErrCodeJoinTimeout,
		Message: fmt.Sprintf("join waited %s, limit %s", waited, limit),
		RunID:   runID,
		Details: map[string]string{"join_group_id": joinGroupID},
	}
}

// routeTypeError is the fail-closed result of a gate whose value does not
// match its static classification.
func routeTypeError(tokenID, nodeID string, kind ir.RouteKind, v any) *ir.Error {
	return ir.NewRoutingError(tokenID, nodeID, fmt.Sprintf("%s gate returned %T", kind, v))
}
