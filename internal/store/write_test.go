package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenline/internal/ir"
)

func TestWriteRun_IdempotentAndStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run := ir.Run{RunID: "r1", GraphFingerprint: "fp", Status: ir.RunRunning, EngineVersion: ir.EngineVersion}
	require.NoError(t, s.WriteRun(ctx, run))
	require.NoError(t, s.WriteRun(ctx, run))

	require.NoError(t, s.SetRunStatus(ctx, "r1", ir.RunCompleted))
	got, err := s.ReadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, got.Status)
	assert.Equal(t, "fp", got.GraphFingerprint)

	err = s.SetRunStatus(ctx, "missing", ir.RunFailed)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestWritePayload_ContentAddressed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WritePayload(ctx, "ref-1", `{"a":1}`))
	require.NoError(t, s.WritePayload(ctx, "ref-1", `{"a":1}`))

	data, err := s.ReadPayload(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, data)

	_, err = s.ReadPayload(ctx, "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestWriteToken_WithParents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)

	createTestToken(t, s, "r1", rows[0], "t1", 1)
	child := createTestToken(t, s, "r1", rows[0], "t2", 2,
		ir.ParentLink{ParentTokenID: "t1", Relation: ir.RelationForkedFrom})

	got, err := s.ReadToken(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, child.Parents, got.Parents)

	kids, err := s.ReadChildren(ctx, "t1", ir.RelationForkedFrom)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, kids)

	kids, err = s.ReadChildren(ctx, "t1", ir.RelationExpandedFrom)
	require.NoError(t, err)
	assert.Empty(t, kids)
	assert.NotNil(t, kids)
}

func TestWriteToken_UnknownParentFails(t *testing.T) {
	s := createTestStore(t)
	rows := seedRun(t, s, "r1", 1)

	err := s.WriteToken(context.Background(), ir.Token{
		TokenID: "t1", RunID: "r1", RowID: rows[0], NodeID: "src", PayloadRef: "p",
		Parents: []ir.ParentLink{{ParentTokenID: "ghost", Relation: ir.RelationForkedFrom}},
	})
	require.Error(t, err)

	_, err = s.ReadToken(context.Background(), "t1")
	assert.ErrorIs(t, err, sql.ErrNoRows, "token insert rolled back with its links")
}

func TestMoveTokenAndJoinGroup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)
	createTestToken(t, s, "r1", rows[0], "t1", 1)
	require.NoError(t, s.WritePayload(ctx, "p2", `{"b":2}`))

	require.NoError(t, s.MoveToken(ctx, "t1", "transform", "p2"))
	require.NoError(t, s.SetJoinGroup(ctx, "t1", "jg"))

	got, err := s.ReadToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "transform", got.NodeID)
	assert.Equal(t, "p2", got.PayloadRef)
	assert.Equal(t, "jg", got.JoinGroupID)
}

func TestWriteJoin(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)
	createTestToken(t, s, "r1", rows[0], "t1", 1)
	createTestToken(t, s, "r1", rows[0], "t2", 2)

	err := s.WriteJoin(ctx, "t1", "jg", []ir.Outcome{
		{RunID: "r1", TokenID: "t2", Kind: ir.OutcomeCoalesced, JoinGroupID: "jg", Seq: 3},
	})
	require.NoError(t, err)

	survivor, err := s.ReadToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "jg", survivor.JoinGroupID)

	children, err := s.ReadChildren(ctx, "t1", ir.RelationCoalescedInto)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, children)

	o, found, err := s.ReadTerminalOutcome(ctx, "t2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.OutcomeCoalesced, o.Kind)
}

func TestWriteJoin_Atomic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)
	createTestToken(t, s, "r1", rows[0], "t1", 1)
	createTestToken(t, s, "r1", rows[0], "t2", 2)
	createTestToken(t, s, "r1", rows[0], "t3", 3)

	_, err := s.WriteOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: "t3", Kind: ir.OutcomeFailed, ErrorHash: "h", Seq: 4})
	require.NoError(t, err)

	err = s.WriteJoin(ctx, "t1", "jg", []ir.Outcome{
		{RunID: "r1", TokenID: "t2", Kind: ir.OutcomeCoalesced, JoinGroupID: "jg", Seq: 5},
		{RunID: "r1", TokenID: "t3", Kind: ir.OutcomeCoalesced, JoinGroupID: "jg", Seq: 6},
	})
	require.Error(t, err)
	assert.True(t, ir.IsOutcomeConflict(err))

	survivor, err := s.ReadToken(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, survivor.JoinGroupID, "survivor stamp rolled back")

	children, err := s.ReadChildren(ctx, "t1", ir.RelationCoalescedInto)
	require.NoError(t, err)
	assert.Empty(t, children)

	outcomes, err := s.ReadOutcomes(ctx, "t2")
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestWriteJoin_RejectsOtherOutcomes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)
	createTestToken(t, s, "r1", rows[0], "t1", 1)
	createTestToken(t, s, "r1", rows[0], "t2", 2)

	err := s.WriteJoin(ctx, "t1", "jg", []ir.Outcome{
		{RunID: "r1", TokenID: "t2", Kind: ir.OutcomeFailed, ErrorHash: "h", Seq: 3},
	})
	require.Error(t, err)

	_, found, err := s.ReadTerminalOutcome(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWriteOutcome_SecondTerminalIsConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)
	createTestToken(t, s, "r1", rows[0], "t1", 1)

	_, err := s.WriteOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: "t1", Kind: ir.OutcomeBuffered, BatchID: "b1", Seq: 2})
	require.NoError(t, err)
	_, err = s.WriteOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: "t1", Kind: ir.OutcomeConsumedInBatch, BatchID: "b1", Seq: 3})
	require.NoError(t, err)

	_, err = s.WriteOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: "t1", Kind: ir.OutcomeFailed, ErrorHash: "h", Seq: 4})
	require.Error(t, err)
	assert.True(t, ir.IsOutcomeConflict(err))
	assert.Contains(t, err.Error(), "CONSUMED_IN_BATCH")

	outcomes, err := s.ReadOutcomes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, ir.OutcomeBuffered, outcomes[0].Kind)
	assert.Equal(t, ir.OutcomeConsumedInBatch, outcomes[1].Kind)
}

func TestWriteOutcome_RoundTripsFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)
	createTestToken(t, s, "r1", rows[0], "t1", 1)

	want := ir.Outcome{
		RunID: "r1", TokenID: "t1", Kind: ir.OutcomeFailed,
		ErrorHash: ir.ErrorHash("timeout"), ErrorDetail: "upstream timed out",
		Retryable: true, Seq: 7,
	}
	id, err := s.WriteOutcome(ctx, want)
	require.NoError(t, err)
	want.ID = id

	got, found, err := s.ReadTerminalOutcome(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
}

func TestWriteSinkPair_Atomic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)
	createTestToken(t, s, "r1", rows[0], "t1", 1)

	// Token already terminal: the pair must not leave a node state behind.
	_, err := s.WriteOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: "t1", Kind: ir.OutcomeFailed, ErrorHash: "h", Seq: 2})
	require.NoError(t, err)

	_, err = s.WriteSinkPair(ctx, sinkState("r1", "t1", "out", 3), completed("r1", "t1", "out", 3))
	require.Error(t, err)
	assert.True(t, ir.IsOutcomeConflict(err))

	states, err := s.ReadNodeStates(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestWriteSinkPair_Success(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rows := seedRun(t, s, "r1", 1)
	createTestToken(t, s, "r1", rows[0], "t1", 1)

	_, err := s.WriteSinkPair(ctx, sinkState("r1", "t1", "out", 2), completed("r1", "t1", "out", 2))
	require.NoError(t, err)

	states, err := s.ReadNodeStates(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "out", states[0].SinkName)

	o, found, err := s.ReadTerminalOutcome(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.OutcomeCompleted, o.Kind)
}

func TestWriteSinkPair_RejectsMismatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.WriteSinkPair(ctx, sinkState("r1", "t1", "a", 1), completed("r1", "t1", "b", 1))
	require.Error(t, err)

	_, err = s.WriteSinkPair(ctx, sinkState("r1", "t1", "a", 1),
		ir.Outcome{RunID: "r1", TokenID: "t1", Kind: ir.OutcomeFailed, ErrorHash: "h"})
	require.Error(t, err)
}
