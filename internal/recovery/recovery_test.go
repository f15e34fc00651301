package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenline/internal/checkpoint"
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/ledger"
	"github.com/roach88/tokenline/internal/payload"
	"github.com/roach88/tokenline/internal/store"
	"github.com/roach88/tokenline/internal/testutil"
)

func nodes(mut func([]ir.NodeSpec) []ir.NodeSpec) []ir.NodeSpec {
	n := []ir.NodeSpec{
		{ID: "src", Kind: ir.KindSource, Plugin: "rows"},
		{ID: "clean", Kind: ir.KindTransform, Plugin: "set", Config: ir.IRObject{"status": ir.IRString("ok")}},
		{ID: "agg", Kind: ir.KindAggregation, Plugin: "collect", Config: ir.IRObject{"trigger_count": ir.IRInt(3)}},
		{ID: "out", Kind: ir.KindSink, Plugin: "memory"},
	}
	if mut != nil {
		n = mut(n)
	}
	return n
}

var baseEdges = []ir.EdgeSpec{{From: "src", To: "clean"}, {From: "clean", To: "agg"}, {From: "agg", To: "out"}}

func build(t *testing.T, n []ir.NodeSpec, e []ir.EdgeSpec) *graph.Graph {
	t.Helper()
	g, err := graph.Build(n, e)
	require.NoError(t, err)
	return g
}

func TestValidate_RoundTrip(t *testing.T) {
	base := build(t, nodes(nil), baseEdges)
	s, err := store.Open(filepath.Join(t.TempDir(), "v.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.WriteRun(ctx, ir.Run{RunID: "r1", GraphFingerprint: base.Fingerprint(), Status: ir.RunRunning, EngineVersion: ir.EngineVersion}))

	cp, err := checkpoint.NewManager(s).CreateCheckpoint(ctx, "r1", "t1", "agg", 1, base, "")
	require.NoError(t, err)

	tests := []struct {
		name      string
		graph     *graph.Graph
		resumable bool
		reason    Reason
	}{
		{"identical graph", build(t, nodes(nil), baseEdges), true, ""},
		{
			"checkpointed node removed",
			build(t,
				nodes(func(n []ir.NodeSpec) []ir.NodeSpec { return []ir.NodeSpec{n[0], n[1], n[3]} }),
				[]ir.EdgeSpec{{From: "src", To: "clean"}, {From: "clean", To: "out"}}),
			false, ReasonMissingNode,
		},
		{
			"checkpointed node config changed",
			build(t, nodes(func(n []ir.NodeSpec) []ir.NodeSpec {
				n[2].Config = ir.IRObject{"trigger_count": ir.IRInt(5)}
				return n
			}), baseEdges),
			false, ReasonConfigChanged,
		},
		{
			"upstream node config changed",
			build(t, nodes(func(n []ir.NodeSpec) []ir.NodeSpec {
				n[1].Config = ir.IRObject{"status": ir.IRString("changed")}
				return n
			}), baseEdges),
			false, ReasonTopologyChanged,
		},
		{
			"unrelated downstream change",
			build(t, nodes(func(n []ir.NodeSpec) []ir.NodeSpec {
				n[3].Plugin = "jsonl"
				n[3].Config = ir.IRObject{"path": ir.IRString("/tmp/out.jsonl")}
				return append(n, ir.NodeSpec{ID: "audit", Kind: ir.KindSink, Plugin: "memory"})
			}), append(baseEdges[:2:2], ir.EdgeSpec{From: "agg", To: "out"}, ir.EdgeSpec{From: "agg", To: "audit"})),
			true, "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Validate(cp, tt.graph)
			assert.Equal(t, tt.resumable, d.Resumable)
			assert.Equal(t, tt.reason, d.Reason)
			if tt.resumable {
				assert.NoError(t, d.Err())
			} else {
				assert.True(t, ir.IsCompatibilityRejected(d.Err()))
				assert.Contains(t, d.Err().Error(), string(tt.reason))
			}
		})
	}
}

func TestValidate_MissingNodeCheckedFirst(t *testing.T) {
	cp := ir.Checkpoint{NodeID: "gone", ConfigFingerprint: "x", UpstreamTopologyFingerprint: "y"}
	d := Validate(cp, build(t, nodes(nil), baseEdges))
	assert.Equal(t, ReasonMissingNode, d.Reason)
}

type resumeFixture struct {
	store    *store.Store
	ledger   *ledger.Ledger
	payloads *payload.Store
	manager  *Manager
	graph    *graph.Graph
	rows     []ir.SourceRow
}

// crashedRun writes five typed rows: two finished at the sink and three
// left BUFFERED at the aggregation, as if the process died before the
// batch flushed.
func crashedRun(t *testing.T) resumeFixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	g := build(t, nodes(nil), baseEdges)
	l := ledger.New(s, ledger.WithIDGenerator(testutil.NewSequenceGenerator("tok")))
	ps, err := payload.New(s)
	require.NoError(t, err)
	require.NoError(t, s.WriteRun(ctx, ir.Run{RunID: "r1", GraphFingerprint: g.Fingerprint(), Status: ir.RunRunning, EngineVersion: ir.EngineVersion}))

	f := resumeFixture{store: s, ledger: l, payloads: ps, manager: NewManager(s, ps, nil), graph: g}
	for i := range 5 {
		amount, _, err := apd.NewFromString(fmt.Sprintf("%d.10", 100+i))
		require.NoError(t, err)
		ref, err := ps.Put(ctx, ir.Row{
			"id":     int64(i),
			"amount": amount,
			"at":     time.Date(2024, 2, 29, 23, 59, 59, 999999999-i, time.UTC),
		})
		require.NoError(t, err)
		row := ir.SourceRow{RowID: fmt.Sprintf("row-%d", i), RunID: "r1", RowIndex: int64(i), SourceNode: "src", PayloadRef: ref}
		require.NoError(t, s.WriteRow(ctx, row))
		f.rows = append(f.rows, row)

		tok, err := l.CreateToken(ctx, ir.Token{RunID: "r1", RowID: row.RowID, NodeID: "agg", PayloadRef: ref})
		require.NoError(t, err)
		if i < 2 {
			_, err = l.RecordSinkOutcome(ctx, "out", ir.Outcome{RunID: "r1", TokenID: tok.TokenID, Kind: ir.OutcomeCompleted, SinkName: "out"})
		} else {
			_, err = l.RecordOutcome(ctx, ir.Outcome{RunID: "r1", TokenID: tok.TokenID, Kind: ir.OutcomeBuffered, BatchID: "batch-1"})
		}
		require.NoError(t, err)
	}
	return f
}

var typedSchema = ir.NewSchema(
	ir.Field{Name: "id", Type: ir.FieldInt},
	ir.Field{Name: "amount", Type: ir.FieldDecimal},
	ir.Field{Name: "at", Type: ir.FieldTimestamp},
)

func TestGetUnprocessedRowData_ResumeAfterCrash(t *testing.T) {
	f := crashedRun(t)

	got, err := f.manager.GetUnprocessedRowData(context.Background(), "r1", typedSchema)
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i, rd := range got {
		idx := i + 2
		assert.Equal(t, f.rows[idx].RowID, rd.RowID)
		assert.Equal(t, int64(idx), rd.RowIndex)
		assert.Equal(t, int64(idx), rd.Row["id"])

		want, _, err := apd.NewFromString(fmt.Sprintf("%d.10", 100+idx))
		require.NoError(t, err)
		gotAmount := rd.Row["amount"].(*apd.Decimal)
		assert.Equal(t, 0, gotAmount.Cmp(want))
		assert.Equal(t, want.String(), gotAmount.String(), "exponent must survive")

		assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 999999999-idx, time.UTC), rd.Row["at"])
	}
}

func TestGetUnprocessedRowData_DynamicSchemaKeepsEverything(t *testing.T) {
	f := crashedRun(t)
	got, err := f.manager.GetUnprocessedRowData(context.Background(), "r1", ir.DynamicSchema())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Len(t, got[0].Row, 3)
}

func TestGetUnprocessedRowData_DataLossGuard(t *testing.T) {
	f := crashedRun(t)
	drifted := ir.NewSchema(ir.Field{Name: "customer_id", Type: ir.FieldString})

	_, err := f.manager.GetUnprocessedRowData(context.Background(), "r1", drifted)
	require.Error(t, err)
	assert.True(t, ir.IsDataLossGuard(err))
	assert.Contains(t, err.Error(), "row-2")
}

func TestPlanResume(t *testing.T) {
	f := crashedRun(t)
	ctx := context.Background()

	// One more row that never got a token.
	ref, err := f.payloads.Put(ctx, ir.Row{"id": int64(5)})
	require.NoError(t, err)
	require.NoError(t, f.store.WriteRow(ctx, ir.SourceRow{RowID: "row-5", RunID: "r1", RowIndex: 5, SourceNode: "src", PayloadRef: ref}))

	_, err = checkpoint.NewManager(f.store).CreateCheckpoint(ctx, "r1", "tok-5", "agg", f.ledger.Clock().Next(), f.graph, "")
	require.NoError(t, err)

	plan, err := f.manager.PlanResume(ctx, "r1", f.graph)
	require.NoError(t, err)
	require.NotNil(t, plan.Checkpoint)
	require.Len(t, plan.Pending, 3)
	for _, p := range plan.Pending {
		assert.True(t, p.Buffered())
		assert.Equal(t, "batch-1", p.BatchID)
	}
	require.Len(t, plan.Unstarted, 1)
	assert.Equal(t, "row-5", plan.Unstarted[0].RowID)
	assert.Equal(t, f.ledger.Clock().Current(), plan.MaxSeq)
	assert.False(t, plan.Empty())
}

func TestPlanResume_RejectsChangedGraph(t *testing.T) {
	f := crashedRun(t)
	ctx := context.Background()
	_, err := checkpoint.NewManager(f.store).CreateCheckpoint(ctx, "r1", "tok-5", "agg", f.ledger.Clock().Next(), f.graph, "")
	require.NoError(t, err)

	changed := build(t, nodes(func(n []ir.NodeSpec) []ir.NodeSpec {
		n[2].Config = ir.IRObject{"trigger_count": ir.IRInt(10)}
		return n
	}), baseEdges)

	_, err = f.manager.PlanResume(ctx, "r1", changed)
	require.Error(t, err)
	assert.True(t, ir.IsCompatibilityRejected(err))
	assert.Contains(t, err.Error(), "configuration changed")
	assert.Contains(t, err.Error(), "run=r1")
}

func TestPlanResume_PendingTokenAtRemovedNode(t *testing.T) {
	f := crashedRun(t)
	g := build(t,
		nodes(func(n []ir.NodeSpec) []ir.NodeSpec { return []ir.NodeSpec{n[0], n[1], n[3]} }),
		[]ir.EdgeSpec{{From: "src", To: "clean"}, {From: "clean", To: "out"}})

	_, err := f.manager.PlanResume(context.Background(), "r1", g)
	require.Error(t, err)
	assert.True(t, ir.IsCompatibilityRejected(err))
	assert.Contains(t, err.Error(), "node=agg")
}

func TestPlanResume_UnknownRun(t *testing.T) {
	f := crashedRun(t)
	_, err := f.manager.PlanResume(context.Background(), "nope", f.graph)
	require.Error(t, err)
}
