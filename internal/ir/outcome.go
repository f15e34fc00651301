package ir

import "fmt"

// OutcomeKind is the disposition recorded for a token.
type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "COMPLETED"
	OutcomeRouted          OutcomeKind = "ROUTED"
	OutcomeForked          OutcomeKind = "FORKED"
	OutcomeFailed          OutcomeKind = "FAILED"
	OutcomeQuarantined     OutcomeKind = "QUARANTINED"
	OutcomeConsumedInBatch OutcomeKind = "CONSUMED_IN_BATCH"
	OutcomeCoalesced       OutcomeKind = "COALESCED"
	OutcomeExpanded        OutcomeKind = "EXPANDED"
	OutcomeBuffered        OutcomeKind = "BUFFERED"
)

// RequiredField names the outcome attribute each kind must carry.
type RequiredField string

const (
	FieldSinkName      RequiredField = "sink_name"
	FieldForkGroupID   RequiredField = "fork_group_id"
	FieldErrorHash     RequiredField = "error_hash"
	FieldBatchID       RequiredField = "batch_id"
	FieldJoinGroupID   RequiredField = "join_group_id"
	FieldExpandGroupID RequiredField = "expand_group_id"
)

type outcomeContract struct {
	terminal bool
	required RequiredField
}

var outcomeContracts = map[OutcomeKind]outcomeContract{
	OutcomeCompleted:       {terminal: true, required: FieldSinkName},
	OutcomeRouted:          {terminal: true, required: FieldSinkName},
	OutcomeForked:          {terminal: true, required: FieldForkGroupID},
	OutcomeFailed:          {terminal: true, required: FieldErrorHash},
	OutcomeQuarantined:     {terminal: true, required: FieldErrorHash},
	OutcomeConsumedInBatch: {terminal: true, required: FieldBatchID},
	OutcomeCoalesced:       {terminal: true, required: FieldJoinGroupID},
	OutcomeExpanded:        {terminal: true, required: FieldExpandGroupID},
	OutcomeBuffered:        {terminal: false, required: FieldBatchID},
}

// AllOutcomeKinds lists every kind in table order.
func AllOutcomeKinds() []OutcomeKind {
	return []OutcomeKind{
		OutcomeCompleted, OutcomeRouted, OutcomeForked, OutcomeFailed,
		OutcomeQuarantined, OutcomeConsumedInBatch, OutcomeCoalesced,
		OutcomeExpanded, OutcomeBuffered,
	}
}

// IsValid reports whether k is a known kind.
func (k OutcomeKind) IsValid() bool {
	_, ok := outcomeContracts[k]
	return ok
}

// IsTerminal reports whether k retires the token. BUFFERED is the only
// non-terminal kind; unknown kinds are not terminal.
func IsTerminal(k OutcomeKind) bool {
	return outcomeContracts[k].terminal
}

// RequiredFieldFor returns the attribute kind k must carry.
func RequiredFieldFor(k OutcomeKind) RequiredField {
	return outcomeContracts[k].required
}

// Outcome is one disposition record for a token.
type Outcome struct {
	ID            int64       `json:"id"`
	RunID         string      `json:"run_id"`
	TokenID       string      `json:"token_id"`
	Kind          OutcomeKind `json:"kind"`
	SinkName      string      `json:"sink_name,omitempty"`
	ForkGroupID   string      `json:"fork_group_id,omitempty"`
	ExpandGroupID string      `json:"expand_group_id,omitempty"`
	JoinGroupID   string      `json:"join_group_id,omitempty"`
	BatchID       string      `json:"batch_id,omitempty"`
	ErrorHash     string      `json:"error_hash,omitempty"`

	// ErrorDetail is free text for operators; it never feeds a hash.
	ErrorDetail string `json:"error_detail,omitempty"`

	// Retryable carries the plugin's retry hint on FAILED and error-routed
	// outcomes for an external retry collaborator.
	Retryable bool  `json:"retryable,omitempty"`
	Seq       int64 `json:"seq"`
}

// Terminal reports whether the outcome retires its token.
func (o Outcome) Terminal() bool {
	return IsTerminal(o.Kind)
}

// FieldValue returns the value of a required-field attribute.
func (o Outcome) FieldValue(f RequiredField) string {
	switch f {
	case FieldSinkName:
		return o.SinkName
	case FieldForkGroupID:
		return o.ForkGroupID
	case FieldErrorHash:
		return o.ErrorHash
	case FieldBatchID:
		return o.BatchID
	case FieldJoinGroupID:
		return o.JoinGroupID
	case FieldExpandGroupID:
		return o.ExpandGroupID
	default:
		return ""
	}
}

// Validate checks the kind is known and its required field is present.
func (o Outcome) Validate() error {
	if o.TokenID == "" {
		return fmt.Errorf("outcome: token_id is required")
	}
	if !o.Kind.IsValid() {
		return fmt.Errorf("outcome: unknown kind %q", o.Kind)
	}
	field := RequiredFieldFor(o.Kind)
	if o.FieldValue(field) == "" {
		return NewMissingFieldError(o.TokenID, o.Kind, field)
	}
	return nil
}
