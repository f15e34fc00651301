package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes tokenline errors.
type ErrorCode string

const (
	// ErrCodeStructural: cycle, undefined node, route label collision, or a
	// node/plugin capability mismatch.
	ErrCodeStructural ErrorCode = "STRUCTURAL"

	// ErrCodeSchema: an edge's producer schema does not satisfy its consumer.
	ErrCodeSchema ErrorCode = "SCHEMA"

	// ErrCodeOutcomeConflict: a second terminal outcome for a token.
	ErrCodeOutcomeConflict ErrorCode = "OUTCOME_CONFLICT"

	// ErrCodeMissingField: an outcome without its required field.
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// ErrCodeLineageCycle: a token listed among its own ancestors.
	ErrCodeLineageCycle ErrorCode = "LINEAGE_CYCLE"

	// ErrCodeRouting: gate result type disagrees with its classification,
	// or names no route.
	ErrCodeRouting ErrorCode = "ROUTING"

	// ErrCodeJoinTimeout: a coalescing join did not complete in time.
	ErrCodeJoinTimeout ErrorCode = "JOIN_TIMEOUT"

	// ErrCodeCheckpointSequence: a checkpoint sequence number did not advance.
	ErrCodeCheckpointSequence ErrorCode = "CHECKPOINT_SEQUENCE"

	// ErrCodeCompatibilityRejected: a checkpoint does not match the graph.
	ErrCodeCompatibilityRejected ErrorCode = "COMPATIBILITY_REJECTED"

	// ErrCodeDataLossGuard: restoring a payload against a schema dropped
	// every field.
	ErrCodeDataLossGuard ErrorCode = "DATA_LOSS_GUARD"

	// ErrCodeCorruptAuditData: stored audit data failed validation on read.
	ErrCodeCorruptAuditData ErrorCode = "CORRUPT_AUDIT_DATA"
)

// Error is the structured error type for every category above.
type Error struct {
	Code    ErrorCode
	Message string

	RunID   string
	TokenID string
	NodeID  string

	// Edge identifies the offending edge for schema errors.
	Edge string

	// Fields lists missing or incompatible field names.
	Fields []string

	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	var ctx []string
	if e.RunID != "" {
		ctx = append(ctx, "run="+e.RunID)
	}
	if e.TokenID != "" {
		ctx = append(ctx, "token="+e.TokenID)
	}
	if e.NodeID != "" {
		ctx = append(ctx, "node="+e.NodeID)
	}
	if e.Edge != "" {
		ctx = append(ctx, "edge="+e.Edge)
	}
	if len(e.Fields) > 0 {
		ctx = append(ctx, "fields="+strings.Join(e.Fields, ","))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorClass implements the classification used for error hashes.
func (e *Error) ErrorClass() string {
	return "tokenline." + strings.ToLower(string(e.Code))
}

// Is matches an error carrying only a code: errors.Is(err, &Error{Code: c}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Code == e.Code
}

// HasCode reports whether err's tree contains an *Error with code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}

func IsStructuralError(err error) bool       { return HasCode(err, ErrCodeStructural) }
func IsSchemaError(err error) bool           { return HasCode(err, ErrCodeSchema) }
func IsOutcomeConflict(err error) bool       { return HasCode(err, ErrCodeOutcomeConflict) }
func IsMissingField(err error) bool          { return HasCode(err, ErrCodeMissingField) }
func IsLineageCycle(err error) bool          { return HasCode(err, ErrCodeLineageCycle) }
func IsRoutingError(err error) bool          { return HasCode(err, ErrCodeRouting) }
func IsJoinTimeout(err error) bool           { return HasCode(err, ErrCodeJoinTimeout) }
func IsCheckpointSequence(err error) bool    { return HasCode(err, ErrCodeCheckpointSequence) }
func IsCompatibilityRejected(err error) bool { return HasCode(err, ErrCodeCompatibilityRejected) }
func IsDataLossGuard(err error) bool         { return HasCode(err, ErrCodeDataLossGuard) }
func IsCorruptAuditData(err error) bool      { return HasCode(err, ErrCodeCorruptAuditData) }

// IsAuditViolation reports errors that must never be swallowed: they mean
// the ledger contract or stored data is broken.
func IsAuditViolation(err error) bool {
	return IsOutcomeConflict(err) || IsMissingField(err) || IsLineageCycle(err) ||
		IsDataLossGuard(err) || IsCorruptAuditData(err)
}

// NewStructuralError reports a malformed graph.
func NewStructuralError(nodeID, message string) *Error {
	return &Error{Code: ErrCodeStructural, Message: message, NodeID: nodeID}
}

// NewSchemaError reports an incompatible edge.
func NewSchemaError(edge EdgeSpec, message string, fields []string) *Error {
	return &Error{
		Code:    ErrCodeSchema,
		Message: message,
		NodeID:  edge.To,
		Edge:    edge.String(),
		Fields:  fields,
	}
}

// NewOutcomeConflictError reports a second terminal outcome.
func NewOutcomeConflictError(tokenID string, existing, attempted OutcomeKind) *Error {
	return &Error{
		Code:    ErrCodeOutcomeConflict,
		Message: fmt.Sprintf("token already has terminal outcome %s; refusing %s", existing, attempted),
		TokenID: tokenID,
		Details: map[string]string{
			"existing":  string(existing),
			"attempted": string(attempted),
		},
	}
}

// NewMissingFieldError reports an outcome without its required field.
func NewMissingFieldError(tokenID string, kind OutcomeKind, field RequiredField) *Error {
	return &Error{
		Code:    ErrCodeMissingField,
		Message: fmt.Sprintf("%s outcome requires %s", kind, field),
		TokenID: tokenID,
		Fields:  []string{string(field)},
	}
}

// NewRoutingError reports a gate result that cannot be routed.
func NewRoutingError(tokenID, nodeID, message string) *Error {
	return &Error{Code: ErrCodeRouting, Message: message, TokenID: tokenID, NodeID: nodeID}
}

// NewCorruptAuditDataError reports stored data that failed validation.
func NewCorruptAuditDataError(runID, message string) *Error {
	return &Error{Code: ErrCodeCorruptAuditData, Message: message, RunID: runID}
}
