package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenline/internal/ir"
)

func TestAuditSweep_CleanRun(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	parent := f.token(t, 0)
	_, err := f.ledger.RecordOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: parent.TokenID, Kind: ir.OutcomeForked, ForkGroupID: "fg"})
	require.NoError(t, err)
	for _, sink := range []string{"a", "b"} {
		child, err := f.ledger.CreateToken(ctx, ir.Token{
			RunID: "r1", RowID: f.rows[0], NodeID: sink, PayloadRef: "p", ForkGroupID: "fg",
			Parents: []ir.ParentLink{{ParentTokenID: parent.TokenID, Relation: ir.RelationForkedFrom}},
		})
		require.NoError(t, err)
		_, err = f.ledger.RecordSinkOutcome(ctx, sink, ir.Outcome{RunID: "r1", TokenID: child.TokenID, Kind: ir.OutcomeCompleted, SinkName: sink})
		require.NoError(t, err)
	}
	other := f.token(t, 1)
	_, err = f.ledger.RecordOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: other.TokenID, Kind: ir.OutcomeQuarantined, ErrorHash: "h"})
	require.NoError(t, err)

	report, err := f.ledger.AuditSweep(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.NoError(t, report.Err())
	assert.Len(t, report.Sections, 6)
}

func TestAuditSweep_ReportsEveryCategory(t *testing.T) {
	f := setup(t, 5)
	ctx := context.Background()
	s := f.store

	// No terminal outcome: buffered and never flushed.
	buffered := f.token(t, 0)
	_, err := f.ledger.RecordOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: buffered.TokenID, Kind: ir.OutcomeBuffered, BatchID: "b"})
	require.NoError(t, err)

	// Written around the ledger to simulate damaged audit data.
	incomplete := f.token(t, 1)
	_, err = s.WriteOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: incomplete.TokenID, Kind: ir.OutcomeFailed, Seq: 100})
	require.NoError(t, err)

	noState := f.token(t, 2)
	_, err = s.WriteOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: noState.TokenID, Kind: ir.OutcomeCompleted, SinkName: "out", Seq: 101})
	require.NoError(t, err)

	noOutcome := f.token(t, 3)
	require.NoError(t, s.WriteNodeState(ctx, ir.NodeState{RunID: "r1", TokenID: noOutcome.TokenID, NodeID: "out", Status: ir.NodeCompleted, SinkName: "out", Seq: 102}))
	_, err = f.ledger.RecordOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: noOutcome.TokenID, Kind: ir.OutcomeCoalesced, JoinGroupID: "jg-missing"})
	require.NoError(t, err)

	childless := f.token(t, 4)
	_, err = f.ledger.RecordOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: childless.TokenID, Kind: ir.OutcomeExpanded, ExpandGroupID: "eg"})
	require.NoError(t, err)

	report, err := f.ledger.AuditSweep(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Count(GapNoTerminal))
	assert.Equal(t, buffered.TokenID, report.Findings(GapNoTerminal)[0].TokenID)
	assert.Equal(t, 1, report.Count(GapMissingRequiredField))
	assert.Equal(t, "error_hash", report.Findings(GapMissingRequiredField)[0].Detail)
	assert.Equal(t, 1, report.Count(GapSinkOutcomeWithoutState))
	assert.Equal(t, noState.TokenID, report.Findings(GapSinkOutcomeWithoutState)[0].TokenID)
	assert.Equal(t, 1, report.Count(GapSinkStateWithoutOutcome))
	assert.Equal(t, noOutcome.TokenID, report.Findings(GapSinkStateWithoutOutcome)[0].TokenID)
	assert.Equal(t, 1, report.Count(GapGroupWithoutChildren))
	assert.Equal(t, 1, report.Count(GapCoalescedWithoutSurvivor))
	assert.Equal(t, 6, report.Total())

	err = report.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokens_without_terminal=1")
}

func TestAuditSweep_Idempotent(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	a := f.token(t, 0)
	_, err := f.ledger.RecordOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: a.TokenID, Kind: ir.OutcomeBuffered, BatchID: "b"})
	require.NoError(t, err)
	f.token(t, 1)

	first, err := f.ledger.AuditSweep(ctx, "r1")
	require.NoError(t, err)
	second, err := f.ledger.AuditSweep(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, first.Total())
}

func TestAuditSweep_UnknownRunIsClean(t *testing.T) {
	f := setup(t, 0)
	report, err := f.ledger.AuditSweep(context.Background(), "nope")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Empty(t, report.Findings(GapNoTerminal))
	assert.NotNil(t, report.Findings(GapNoTerminal))
}
