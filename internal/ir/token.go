package ir

// LineageRelation describes how a token relates to a parent.
type LineageRelation string

const (
	RelationForkedFrom     LineageRelation = "forked_from"
	RelationExpandedFrom   LineageRelation = "expanded_from"
	RelationCoalescedInto  LineageRelation = "coalesced_into"
	RelationAggregatedFrom LineageRelation = "aggregated_from"
)

// ParentLink is one edge in the lineage graph: the token descends from
// ParentTokenID by Relation.
type ParentLink struct {
	ParentTokenID string          `json:"parent_token_id"`
	Relation      LineageRelation `json:"relation"`
}

// Token is one row instance at one point in its path through the graph.
// The payload is referenced, never owned.
type Token struct {
	TokenID    string `json:"token_id"`
	RunID      string `json:"run_id"`
	RowID      string `json:"row_id"`
	NodeID     string `json:"node_id"`
	PayloadRef string `json:"payload_ref"`

	// ForkGroupID and BranchName are set on fork children.
	ForkGroupID string `json:"fork_group_id,omitempty"`
	BranchName  string `json:"branch_name,omitempty"`

	// ForkNodeID is the node that forked this token's family. Coalesce
	// nodes use it to find the join a branch belongs to.
	ForkNodeID string `json:"fork_node_id,omitempty"`

	// ExpandGroupID is set on expansion children.
	ExpandGroupID string `json:"expand_group_id,omitempty"`

	// JoinGroupID is set on the surviving token of a coalescing join.
	JoinGroupID string `json:"join_group_id,omitempty"`

	Parents []ParentLink `json:"parents,omitempty"`
	Seq     int64        `json:"seq"`
}

// SourceRow is a row as emitted by the datasource, with its position in
// the input.
type SourceRow struct {
	RowID      string `json:"row_id"`
	RunID      string `json:"run_id"`
	RowIndex   int64  `json:"row_index"`
	SourceNode string `json:"source_node"`
	PayloadRef string `json:"payload_ref"`
}
