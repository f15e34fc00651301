package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/tokenline/internal/checkpoint"
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/payload"
	"github.com/roach88/tokenline/internal/plugin"
)

// trigger holds an aggregation node's flush conditions. Zero values are
// off; end of input always flushes.
type trigger struct {
	count   int
	timeout time.Duration
}

func parseTrigger(spec ir.NodeSpec) (trigger, error) {
	var t trigger
	if v, ok := spec.Config["trigger_count"]; ok {
		n, ok := v.(ir.IRInt)
		if !ok || n < 1 {
			return t, errors.New("trigger_count must be a positive integer")
		}
		t.count = int(n)
	}
	if v, ok := spec.Config["trigger_timeout"]; ok {
		s, ok := v.(ir.IRString)
		if !ok {
			return t, errors.New("trigger_timeout must be a duration string")
		}
		d, err := time.ParseDuration(string(s))
		if err != nil || d <= 0 {
			return t, fmt.Errorf("trigger_timeout %q is not a positive duration", s)
		}
		t.timeout = d
	}
	return t, nil
}

// batch is an aggregation batch in progress or ready to flush.
type batch struct {
	id      string
	node    string
	members []member
	started time.Time
}

// batchTable holds the open batch of every aggregation node.
type batchTable struct {
	mu   sync.Mutex
	open map[string]*batch
}

func newBatchTable() *batchTable {
	return &batchTable{open: make(map[string]*batch)}
}

// add appends m to node's open batch. record runs under the table lock so
// a member's BUFFERED outcome is written before any flush can consume it.
// The batch is returned, detached, once it reaches its count trigger.
func (t *batchTable) add(node string, m member, trig trigger, now time.Time, newID func() string, record func(batchID string) error) (*batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.open[node]
	if !ok {
		b = &batch{id: newID(), node: node, started: now}
	}
	if err := record(b.id); err != nil {
		return nil, err
	}
	b.members = append(b.members, m)
	t.open[node] = b
	if trig.count > 0 && len(b.members) >= trig.count {
		delete(t.open, node)
		return b, nil
	}
	return nil, nil
}

// restore re-buffers a member recovered from the ledger. If node already
// has an open batch with a different id, that older batch is detached and
// returned for flushing.
func (t *batchTable) restore(node, batchID string, m member, now time.Time) *batch {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prior *batch
	b, ok := t.open[node]
	if ok && b.id != batchID {
		prior, ok = b, false
	}
	if !ok {
		b = &batch{id: batchID, node: node, started: now}
		t.open[node] = b
	}
	b.members = append(b.members, m)
	return prior
}

// expired detaches batches older than their node's timeout trigger.
func (t *batchTable) expired(now time.Time, triggers map[string]trigger) []*batch {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*batch
	for node, b := range t.open {
		if d := triggers[node].timeout; d > 0 && now.Sub(b.started) >= d {
			delete(t.open, node)
			out = append(out, b)
		}
	}
	return out
}

// next detaches the open batch earliest in node order. Flushing one batch
// at a time lets an upstream aggregate reach a downstream batch before that
// batch is flushed.
func (t *batchTable) next(order []string) *batch {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, node := range order {
		if b, ok := t.open[node]; ok {
			delete(t.open, node)
			return b
		}
	}
	return nil
}

// snapshot returns node's open batch for a checkpoint.
func (t *batchTable) snapshot(node string) (checkpoint.BatchState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.open[node]
	if !ok {
		return checkpoint.BatchState{}, false
	}
	ids := make([]string, len(b.members))
	for i, m := range b.members {
		ids[i] = m.tok.TokenID
	}
	return checkpoint.BatchState{BatchID: b.id, Members: ids}, true
}

// buffer holds a token in its node's batch, flushing the batch inline when
// the token fills it.
func (r *run) buffer(ctx context.Context, n *graph.Node, w work) error {
	full, err := r.batches.add(n.ID(), member{tok: w.tok, row: w.row}, r.e.triggers[n.ID()], r.e.wall.Now(), r.e.ledger.NewID,
		func(batchID string) error {
			_, err := r.e.ledger.RecordOutcome(ctx, ir.Outcome{
				RunID:   r.id,
				TokenID: w.tok.TokenID,
				Kind:    ir.OutcomeBuffered,
				BatchID: batchID,
			})
			return err
		})
	if err != nil || full == nil {
		return err
	}
	return r.flush(ctx, full)
}

// flush aggregates a detached batch. The aggregate token is created with
// an aggregated_from link to every member before the members are retired
// as CONSUMED_IN_BATCH.
func (r *run) flush(ctx context.Context, b *batch) error {
	n, _ := r.e.graph.Node(b.node)
	first := b.members[0].tok
	rows := make([]ir.Row, len(b.members))
	for i, m := range b.members {
		rows[i] = m.row
	}

	start := time.Now()
	res := n.Aggregation().Aggregate(ctx, rows, r.pluginContext(first, n))
	r.e.metrics.observe(n.Kind(), start)

	if res.OK() {
		if _, err := payload.Ref(res.Row); err != nil {
			res = plugin.Failure(ClassUnencodableRow, err.Error(), false)
		}
	}
	if !res.OK() {
		for _, m := range b.members {
			if err := r.fail(ctx, n, work{tok: m.tok, node: b.node, row: m.row}, res.Class, res.Reason, res.Retryable); err != nil {
				return err
			}
		}
		return nil
	}

	created, err := r.aggregateExists(ctx, first.TokenID)
	if err != nil {
		return err
	}
	if !created {
		parents := make([]ir.ParentLink, len(b.members))
		for i, m := range b.members {
			parents[i] = ir.ParentLink{ParentTokenID: m.tok.TokenID, Relation: ir.RelationAggregatedFrom}
		}
		if err := r.spawn(ctx, ir.Token{RowID: first.RowID, Parents: parents}, b.node, res.Row); err != nil {
			return err
		}
	}

	for _, m := range b.members {
		if _, err := r.e.ledger.RecordOutcome(ctx, ir.Outcome{
			RunID:   r.id,
			TokenID: m.tok.TokenID,
			Kind:    ir.OutcomeConsumedInBatch,
			BatchID: b.id,
		}); err != nil {
			return err
		}
		if err := r.retired(ctx, m.tok); err != nil {
			return err
		}
	}
	r.e.logger.Debug("batch flushed", "run_id", r.id, "node_id", b.node, "batch_id", b.id, "members", len(b.members))
	return nil
}

// aggregateExists reports whether a resumed batch already produced its
// aggregate token before the crash.
func (r *run) aggregateExists(ctx context.Context, memberID string) (bool, error) {
	if !r.resumed {
		return false, nil
	}
	ids, err := r.e.ledger.Store().ReadChildren(ctx, memberID, ir.RelationAggregatedFrom)
	return len(ids) > 0, err
}
