package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/tokenline/internal/checkpoint"
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/payload"
	"github.com/roach88/tokenline/internal/plugin"
)

// process executes one work item. A returned error aborts the run; per-token
// failures are recorded as outcomes instead.
func (r *run) process(ctx context.Context, w work) error {
	if w.flush != nil {
		return r.flush(ctx, w.flush)
	}
	n, ok := r.e.graph.Node(w.node)
	if !ok {
		return fmt.Errorf("token %s: node %s is not in the graph", w.tok.TokenID, w.node)
	}

	start := time.Now()
	var err error
	switch n.Kind() {
	case ir.KindSource:
		// Created at its source but never moved on.
		err = r.emit(ctx, w.tok, n.ID(), w.row, false)
	case ir.KindTransform:
		err = r.transform(ctx, n, w)
	case ir.KindGate:
		err = r.gate(ctx, n, w)
	case ir.KindAggregation:
		err = r.buffer(ctx, n, w)
	case ir.KindCoalesce:
		err = r.coalesce(ctx, n, w)
	case ir.KindSink:
		err = r.sink(ctx, n, w)
	default:
		err = fmt.Errorf("token %s: unsupported node kind %q", w.tok.TokenID, n.Kind())
	}
	r.e.metrics.observe(n.Kind(), start)
	if err != nil {
		return err
	}
	return r.checkpoint(ctx, w.tok, n)
}

func (r *run) pluginContext(tok ir.Token, n *graph.Node) plugin.Context {
	return plugin.Context{
		RunID:   r.id,
		TokenID: tok.TokenID,
		NodeID:  n.ID(),
		RowID:   tok.RowID,
		Logger:  r.e.logger.With("run_id", r.id, "node_id", n.ID(), "token_id", tok.TokenID),
	}
}

func (r *run) transform(ctx context.Context, n *graph.Node, w work) error {
	res := n.Transform().Process(ctx, w.row, r.pluginContext(w.tok, n))
	if !res.OK() {
		return r.fail(ctx, n, w, res.Class, res.Reason, res.Retryable)
	}
	if res.IsExpansion() {
		return r.expand(ctx, n, w, res.Rows)
	}
	if _, err := payload.Ref(res.Row); err != nil {
		return r.fail(ctx, n, w, ClassUnencodableRow, err.Error(), false)
	}
	return r.emit(ctx, w.tok, n.ID(), res.Row, false)
}

func (r *run) gate(ctx context.Context, n *graph.Node, w work) error {
	v, err := n.Gate().Evaluate(ctx, w.row, r.pluginContext(w.tok, n))
	if err != nil {
		return r.fail(ctx, n, w, plugin.ErrorClass(err), err.Error(), plugin.IsRetryable(err))
	}

	var edge ir.EdgeSpec
	label, rerr := routeLabel(w.tok.TokenID, n, v)
	if rerr == nil {
		var ok bool
		if edge, ok = r.e.graph.Route(n.ID(), label); !ok {
			rerr = ir.NewRoutingError(w.tok.TokenID, n.ID(), fmt.Sprintf("no route for label %q", label))
		}
	}
	if rerr != nil {
		// Routing errors fail closed; they never take the error route.
		return r.failed(ctx, w.tok, n.ID(), ir.ErrorHash(rerr.ErrorClass()), rerr.Error(), false)
	}
	r.e.logger.Debug("gate routed", "run_id", r.id, "token_id", w.tok.TokenID, "node_id", n.ID(), "label", label)
	return r.advance(ctx, w.tok, edge.To, w.row, w.tok.PayloadRef, true)
}

// routeLabel checks a gate result against the gate's classification.
func routeLabel(tokenID string, n *graph.Node, v any) (string, *ir.Error) {
	kind := n.Gate().Classification()
	switch kind {
	case ir.RouteBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", routeTypeError(tokenID, n.ID(), kind, v)
		}
		if b {
			return ir.LabelTrue, nil
		}
		return ir.LabelFalse, nil
	case ir.RouteLabel:
		s, ok := v.(string)
		if !ok || s == "" {
			return "", routeTypeError(tokenID, n.ID(), kind, v)
		}
		return s, nil
	default:
		return "", ir.NewRoutingError(tokenID, n.ID(), fmt.Sprintf("unknown gate classification %q", kind))
	}
}

func (r *run) sink(ctx context.Context, n *graph.Node, w work) error {
	if err := n.Sink().Write(ctx, w.row, r.pluginContext(w.tok, n)); err != nil {
		return r.fail(ctx, n, w, plugin.ErrorClass(err), err.Error(), plugin.IsRetryable(err))
	}
	kind := ir.OutcomeCompleted
	if w.routed {
		kind = ir.OutcomeRouted
	}
	_, err := r.e.ledger.RecordSinkOutcome(ctx, n.ID(), ir.Outcome{
		RunID:    r.id,
		TokenID:  w.tok.TokenID,
		Kind:     kind,
		SinkName: n.ID(),
	})
	if err != nil {
		return err
	}
	return r.retired(ctx, w.tok)
}

// emit sends a token on after node at produced row for it.
func (r *run) emit(ctx context.Context, tok ir.Token, at string, row ir.Row, routed bool) error {
	outs := r.e.graph.Outgoing(at)
	switch len(outs) {
	case 0:
		return fmt.Errorf("token %s: node %s has no outgoing edge", tok.TokenID, at)
	case 1:
		return r.advance(ctx, tok, outs[0].To, row, "", routed)
	default:
		return r.fork(ctx, tok, at, row, "")
	}
}

// advance records the token at its next node and queues it there. An
// empty ref stores row first.
func (r *run) advance(ctx context.Context, tok ir.Token, to string, row ir.Row, ref string, routed bool) error {
	if ref == "" {
		var err error
		if ref, err = r.e.payloads.Put(ctx, row); err != nil {
			return err
		}
	}
	if err := r.e.ledger.Move(ctx, tok.TokenID, to, ref); err != nil {
		return err
	}
	tok.NodeID, tok.PayloadRef = to, ref
	r.queue.Enqueue(work{tok: tok, node: to, row: row, routed: routed})
	return nil
}

// spawn creates a token produced by node at and sends it on. With a
// single outgoing edge the token is created at its next node directly.
func (r *run) spawn(ctx context.Context, tok ir.Token, at string, row ir.Row) error {
	ref, err := r.e.payloads.Put(ctx, row)
	if err != nil {
		return err
	}
	tok.RunID, tok.PayloadRef = r.id, ref

	outs := r.e.graph.Outgoing(at)
	if len(outs) == 1 {
		tok.NodeID = outs[0].To
		if tok, err = r.e.ledger.CreateToken(ctx, tok); err != nil {
			return err
		}
		r.queue.Enqueue(work{tok: tok, node: tok.NodeID, row: row})
		return nil
	}
	tok.NodeID = at
	if tok, err = r.e.ledger.CreateToken(ctx, tok); err != nil {
		return err
	}
	return r.fork(ctx, tok, at, row, ref)
}

// fork creates one child per outgoing edge of at and retires the parent as
// FORKED. Children are written before the parent's outcome.
func (r *run) fork(ctx context.Context, parent ir.Token, at string, row ir.Row, ref string) error {
	if ref == "" {
		var err error
		if ref, err = r.e.payloads.Put(ctx, row); err != nil {
			return err
		}
	}
	group := ir.ForkGroupID(parent.TokenID, at)

	existing, err := r.existingBranches(ctx, parent.TokenID)
	if err != nil {
		return err
	}
	var children []work
	for _, e := range r.e.graph.Outgoing(at) {
		branch := graph.BranchName(e)
		if existing[branch] {
			continue
		}
		child, err := r.e.ledger.CreateToken(ctx, ir.Token{
			RunID:       r.id,
			RowID:       parent.RowID,
			NodeID:      e.To,
			PayloadRef:  ref,
			ForkGroupID: group,
			BranchName:  branch,
			ForkNodeID:  at,
			Parents:     []ir.ParentLink{{ParentTokenID: parent.TokenID, Relation: ir.RelationForkedFrom}},
		})
		if err != nil {
			return err
		}
		children = append(children, work{tok: child, node: e.To, row: row.Clone()})
	}

	if _, err := r.e.ledger.RecordOutcome(ctx, ir.Outcome{
		RunID:       r.id,
		TokenID:     parent.TokenID,
		Kind:        ir.OutcomeForked,
		ForkGroupID: group,
	}); err != nil {
		return err
	}
	r.e.logger.Debug("token forked", "run_id", r.id, "token_id", parent.TokenID, "node_id", at, "branches", len(children))
	if err := r.retired(ctx, parent); err != nil {
		return err
	}
	for _, c := range children {
		r.queue.Enqueue(c)
	}
	return nil
}

// existingBranches returns the fork branches a resumed parent already
// created before the crash; those children are queued by restore.
func (r *run) existingBranches(ctx context.Context, parentID string) (map[string]bool, error) {
	out := map[string]bool{}
	if !r.resumed {
		return out, nil
	}
	ids, err := r.e.ledger.Store().ReadChildren(ctx, parentID, ir.RelationForkedFrom)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		child, err := r.e.ledger.Store().ReadToken(ctx, id)
		if err != nil {
			return nil, err
		}
		out[child.BranchName] = true
	}
	return out, nil
}

// expand creates one child per row and retires the parent as EXPANDED.
// Children do not inherit the parent's fork group.
func (r *run) expand(ctx context.Context, n *graph.Node, w work, rows []ir.Row) error {
	for _, row := range rows {
		if _, err := payload.Ref(row); err != nil {
			return r.fail(ctx, n, w, ClassUnencodableRow, err.Error(), false)
		}
	}
	group := ir.ExpandGroupID(w.tok.TokenID, n.ID())

	skip := 0
	if r.resumed {
		ids, err := r.e.ledger.Store().ReadChildren(ctx, w.tok.TokenID, ir.RelationExpandedFrom)
		if err != nil {
			return err
		}
		skip = min(len(ids), len(rows))
	}
	for _, row := range rows[skip:] {
		err := r.spawn(ctx, ir.Token{
			RowID:         w.tok.RowID,
			ExpandGroupID: group,
			Parents:       []ir.ParentLink{{ParentTokenID: w.tok.TokenID, Relation: ir.RelationExpandedFrom}},
		}, n.ID(), row)
		if err != nil {
			return err
		}
	}

	if _, err := r.e.ledger.RecordOutcome(ctx, ir.Outcome{
		RunID:         r.id,
		TokenID:       w.tok.TokenID,
		Kind:          ir.OutcomeExpanded,
		ExpandGroupID: group,
	}); err != nil {
		return err
	}
	return r.retired(ctx, w.tok)
}

// fail records an error result of node n. With on_error set the row goes
// to that sink and the token is ROUTED; otherwise it is FAILED. Either way
// the error hash and retryable hint are kept.
func (r *run) fail(ctx context.Context, n *graph.Node, w work, class, reason string, retryable bool) error {
	if class == "" {
		class = "error"
	}
	hash := ir.ErrorHash(class)

	if sinkID := n.Spec.OnError; sinkID != "" {
		sn, _ := r.e.graph.Node(sinkID)
		err := sn.Sink().Write(ctx, w.row, r.pluginContext(w.tok, sn))
		if err == nil {
			_, err = r.e.ledger.RecordSinkOutcome(ctx, sinkID, ir.Outcome{
				RunID:       r.id,
				TokenID:     w.tok.TokenID,
				Kind:        ir.OutcomeRouted,
				SinkName:    sinkID,
				ErrorHash:   hash,
				ErrorDetail: reason,
				Retryable:   retryable,
			})
			if err != nil {
				return err
			}
			r.e.logger.Warn("token routed to error sink",
				"run_id", r.id, "token_id", w.tok.TokenID, "node_id", n.ID(), "sink", sinkID, "class", class)
			return r.retired(ctx, w.tok)
		}
		reason = fmt.Sprintf("%s; error sink %s: %v", reason, sinkID, err)
	}
	return r.failed(ctx, w.tok, n.ID(), hash, reason, retryable)
}

// failed records a FAILED outcome with its node state.
func (r *run) failed(ctx context.Context, tok ir.Token, nodeID, hash, detail string, retryable bool) error {
	if err := r.e.ledger.RecordNodeFailure(ctx, r.id, tok.TokenID, nodeID); err != nil {
		return err
	}
	if _, err := r.e.ledger.RecordOutcome(ctx, ir.Outcome{
		RunID:       r.id,
		TokenID:     tok.TokenID,
		Kind:        ir.OutcomeFailed,
		ErrorHash:   hash,
		ErrorDetail: detail,
		Retryable:   retryable,
	}); err != nil {
		return err
	}
	return r.retired(ctx, tok)
}

// retired is called after a token gets any terminal outcome other than
// COALESCED. A joined branch that retires early breaks its join.
func (r *run) retired(ctx context.Context, tok ir.Token) error {
	if tok.ForkGroupID == "" {
		return nil
	}
	j, ok := r.e.graph.JoinFor(tok.ForkNodeID)
	if !ok || !slices.Contains(j.Branches, tok.BranchName) {
		return nil
	}
	return r.loseBranch(ctx, j, tok)
}

// checkpoint writes a checkpoint every CheckpointEvery executed items. At
// an aggregation node it carries the open batch.
func (r *run) checkpoint(ctx context.Context, tok ir.Token, n *graph.Node) error {
	every := r.e.cfg.CheckpointEvery
	if every < 0 || r.executed.Add(1)%int64(every) != 0 {
		return nil
	}
	var state string
	if n.Kind() == ir.KindAggregation {
		if bs, ok := r.batches.snapshot(n.ID()); ok {
			var err error
			if state, err = checkpoint.EncodeBatchState(bs); err != nil {
				return err
			}
		}
	}

	r.cpMu.Lock()
	defer r.cpMu.Unlock()
	_, err := r.e.checkpoints.CreateCheckpoint(ctx, r.id, tok.TokenID, n.ID(), r.e.ledger.Clock().Next(), r.e.graph, state)
	return err
}

// ingest stores one source record and starts its token. Invalid records
// and rows that do not fit the source's output schema are QUARANTINED.
func (r *run) ingest(ctx context.Context, src *graph.Node, index int64, rec plugin.Record) error {
	row := rec.Row
	var class, detail string
	if rec.Err != nil {
		class, detail = rec.Class, rec.Err.Error()
		if class == "" {
			class = ClassSourceRecord
		}
	} else if restored, err := payload.Restore(row, src.Spec.OutputSchema); err != nil {
		class, detail = plugin.ErrorClass(err), err.Error()
	} else {
		row = restored
	}
	if _, err := payload.Ref(row); err != nil {
		if class == "" {
			class, detail = ClassUnencodableRow, err.Error()
		}
		row = ir.Row{}
	}

	ref, err := r.e.payloads.Put(ctx, row)
	if err != nil {
		return err
	}
	sr := ir.SourceRow{
		RowID:      r.e.ledger.NewID(),
		RunID:      r.id,
		RowIndex:   index,
		SourceNode: src.ID(),
		PayloadRef: ref,
	}
	if err := r.e.ledger.RecordRow(ctx, sr); err != nil {
		return err
	}
	r.rows.Add(1)

	if class == "" {
		return r.spawn(ctx, ir.Token{RowID: sr.RowID}, src.ID(), row)
	}
	tok, err := r.e.ledger.CreateToken(ctx, ir.Token{RunID: r.id, RowID: sr.RowID, NodeID: src.ID(), PayloadRef: ref})
	if err != nil {
		return err
	}
	_, err = r.e.ledger.RecordOutcome(ctx, ir.Outcome{
		RunID:       r.id,
		TokenID:     tok.TokenID,
		Kind:        ir.OutcomeQuarantined,
		ErrorHash:   ir.ErrorHash(class),
		ErrorDetail: detail,
	})
	return err
}
