package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/payload"
	"github.com/roach88/tokenline/internal/store"
)

// RowData is one source row that has not finished processing.
type RowData struct {
	RowID    string
	RowIndex int64
	Row      ir.Row
}

// Plan is everything a resumed run must pick up.
type Plan struct {
	RunID string
	// Checkpoint is the validated latest checkpoint, if the run wrote one.
	Checkpoint *ir.Checkpoint
	// Pending are tokens without a terminal outcome, in seq order.
	Pending []store.PendingToken
	// Unstarted are source rows that never got a token.
	Unstarted []ir.SourceRow
	// MaxSeq is where the run's logical clock stopped.
	MaxSeq int64
}

// Empty reports whether the plan has no work left.
func (p Plan) Empty() bool {
	return len(p.Pending) == 0 && len(p.Unstarted) == 0
}

// Manager reads a run's durable state for resume.
type Manager struct {
	store    *store.Store
	payloads *payload.Store
	logger   *slog.Logger
}

// NewManager returns a recovery manager.
func NewManager(s *store.Store, payloads *payload.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, payloads: payloads, logger: logger}
}

// GetUnprocessedRowData returns every row of runID that lacks a terminal
// outcome on any of its tokens, in row_index order, with its payload
// restored against schema. A payload that restores to nothing fails with a
// DataLossGuard error instead of yielding an empty row.
func (m *Manager) GetUnprocessedRowData(ctx context.Context, runID string, schema ir.Schema) ([]RowData, error) {
	rows, err := m.store.ReadUnprocessedRows(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]RowData, 0, len(rows))
	for _, r := range rows {
		data, err := m.payloads.Get(ctx, r.PayloadRef, schema)
		if err != nil {
			return nil, fmt.Errorf("row %s (index %d): %w", r.RowID, r.RowIndex, err)
		}
		out = append(out, RowData{RowID: r.RowID, RowIndex: r.RowIndex, Row: data})
	}
	return out, nil
}

// PlanResume validates runID's latest checkpoint against g and collects
// its unfinished work. It fails with CompatibilityRejected when the
// checkpoint does not match g or a pending token sits at a node g no
// longer has.
func (m *Manager) PlanResume(ctx context.Context, runID string, g *graph.Graph) (Plan, error) {
	if _, err := m.store.ReadRun(ctx, runID); err != nil {
		return Plan{}, fmt.Errorf("plan resume: run %s: %w", runID, err)
	}
	plan := Plan{RunID: runID}

	cp, found, err := m.store.ReadLatestCheckpoint(ctx, runID)
	if err != nil {
		return Plan{}, err
	}
	if found {
		d := Validate(cp, g)
		if !d.Resumable {
			m.logger.Error("resume rejected", "run_id", runID, "node_id", d.NodeID, "reason", d.Reason)
			return Plan{}, rejection(d, runID)
		}
		plan.Checkpoint = &cp
	}

	if plan.Pending, err = m.store.ReadPendingTokens(ctx, runID); err != nil {
		return Plan{}, err
	}
	for _, p := range plan.Pending {
		if _, ok := g.Node(p.Token.NodeID); !ok {
			d := Decision{Reason: ReasonMissingNode, NodeID: p.Token.NodeID}
			return Plan{}, rejection(d, runID)
		}
	}

	unprocessed, err := m.store.ReadUnprocessedRows(ctx, runID)
	if err != nil {
		return Plan{}, err
	}
	started := make(map[string]bool, len(plan.Pending))
	for _, p := range plan.Pending {
		started[p.Token.RowID] = true
	}
	tokens, err := m.store.ReadTokens(ctx, runID)
	if err != nil {
		return Plan{}, err
	}
	for _, t := range tokens {
		started[t.RowID] = true
	}
	plan.Unstarted = []ir.SourceRow{}
	for _, r := range unprocessed {
		if !started[r.RowID] {
			plan.Unstarted = append(plan.Unstarted, r)
		}
	}

	if plan.MaxSeq, err = m.store.ReadMaxSeq(ctx, runID); err != nil {
		return Plan{}, err
	}
	m.logger.Info("resume planned",
		"run_id", runID,
		"pending_tokens", len(plan.Pending),
		"unstarted_rows", len(plan.Unstarted),
		"max_seq", plan.MaxSeq,
	)
	return plan, nil
}

func rejection(d Decision, runID string) error {
	return &ir.Error{
		Code:    ir.ErrCodeCompatibilityRejected,
		Message: "resume rejected: " + string(d.Reason),
		RunID:   runID,
		NodeID:  d.NodeID,
	}
}
