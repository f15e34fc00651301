package engine

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
)

// member is a token waiting at a join or in a batch, with its row.
type member struct {
	tok ir.Token
	row ir.Row
}

// pendingJoin collects the branches of one fork group at its coalesce
// node.
type pendingJoin struct {
	id      string
	join    graph.Join
	members map[string]member
	started time.Time
}

type arrival int

const (
	arrivalWaiting arrival = iota
	arrivalComplete
	arrivalLate
	arrivalDuplicate
)

// joinTable holds every pending join of a run. A join leaves the table
// exactly once, by completing, failing or timing out; whoever removes it
// owns its members.
type joinTable struct {
	mu       sync.Mutex
	pending  map[string]*pendingJoin
	resolved map[string]bool
}

func newJoinTable() *joinTable {
	return &joinTable{
		pending:  make(map[string]*pendingJoin),
		resolved: make(map[string]bool),
	}
}

// arrive adds m to join id. The complete join is returned to the caller
// that delivered its last branch.
func (t *joinTable) arrive(id string, j graph.Join, m member, now time.Time) (*pendingJoin, arrival) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.resolved[id] {
		return nil, arrivalLate
	}
	pj, ok := t.pending[id]
	if !ok {
		pj = &pendingJoin{id: id, join: j, members: make(map[string]member, len(j.Branches)), started: now}
		t.pending[id] = pj
	}
	if _, dup := pj.members[m.tok.BranchName]; dup {
		return nil, arrivalDuplicate
	}
	pj.members[m.tok.BranchName] = m
	if len(pj.members) < len(j.Branches) {
		return nil, arrivalWaiting
	}
	delete(t.pending, id)
	t.resolved[id] = true
	return pj, arrivalComplete
}

// resolve marks join id resolved and returns its pending state, if any.
// Later arrivals are late.
func (t *joinTable) resolve(id string) *pendingJoin {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.resolved[id] {
		return nil
	}
	t.resolved[id] = true
	pj := t.pending[id]
	delete(t.pending, id)
	return pj
}

// expired removes joins that have waited at least limit.
func (t *joinTable) expired(now time.Time, limit time.Duration) []*pendingJoin {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*pendingJoin
	for id, pj := range t.pending {
		if now.Sub(pj.started) >= limit {
			delete(t.pending, id)
			t.resolved[id] = true
			out = append(out, pj)
		}
	}
	sortJoins(out)
	return out
}

// drain removes every pending join.
func (t *joinTable) drain() []*pendingJoin {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := slices.Collect(maps.Values(t.pending))
	for id := range t.pending {
		t.resolved[id] = true
	}
	clear(t.pending)
	sortJoins(out)
	return out
}

func (t *joinTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func sortJoins(js []*pendingJoin) {
	slices.SortFunc(js, func(a, b *pendingJoin) int { return cmp.Compare(a.id, b.id) })
}

// coalesce delivers a fork branch to its join.
func (r *run) coalesce(ctx context.Context, n *graph.Node, w work) error {
	tok := w.tok
	j, ok := r.e.graph.JoinFor(tok.ForkNodeID)
	switch {
	case tok.ForkGroupID == "":
		return r.misrouted(ctx, tok, n.ID(), "token has no fork group")
	case !ok || j.CoalesceNode != n.ID():
		return r.misrouted(ctx, tok, n.ID(), fmt.Sprintf("fork %s does not join here", tok.ForkNodeID))
	case !slices.Contains(j.Branches, tok.BranchName):
		return r.misrouted(ctx, tok, n.ID(), fmt.Sprintf("branch %q is not part of the join", tok.BranchName))
	}

	id := ir.JoinGroupID(n.ID(), tok.ForkGroupID)
	pj, status := r.joins.arrive(id, j, member{tok: tok, row: w.row}, r.e.wall.Now())
	switch status {
	case arrivalLate:
		return r.failed(ctx, tok, n.ID(), ir.ErrorHash(ClassJoinResolved),
			fmt.Sprintf("join %s was already resolved", id), false)
	case arrivalDuplicate:
		return r.misrouted(ctx, tok, n.ID(), fmt.Sprintf("branch %q arrived twice", tok.BranchName))
	case arrivalWaiting:
		r.e.logger.Debug("join waiting", "run_id", r.id, "join_group_id", id, "branch", tok.BranchName)
		return nil
	}
	return r.completeJoin(ctx, n, pj)
}

func (r *run) misrouted(ctx context.Context, tok ir.Token, nodeID, msg string) error {
	err := ir.NewRoutingError(tok.TokenID, nodeID, msg)
	return r.failed(ctx, tok, nodeID, ir.ErrorHash(err.ErrorClass()), err.Error(), false)
}

// completeJoin merges the branch rows in branch order into the survivor,
// the member on the first branch, and retires the others as COALESCED.
func (r *run) completeJoin(ctx context.Context, n *graph.Node, pj *pendingJoin) error {
	survivor := pj.members[pj.join.Branches[0]]
	rows := make(map[string]ir.Row, len(pj.members))
	retired := make([]string, 0, len(pj.join.Branches)-1)
	for _, b := range pj.join.Branches {
		rows[b] = pj.members[b].row
		if b != survivor.tok.BranchName {
			retired = append(retired, pj.members[b].tok.TokenID)
		}
	}

	if _, err := r.e.ledger.RecordJoin(ctx, r.id, survivor.tok.TokenID, pj.id, retired); err != nil {
		return err
	}
	survivor.tok.JoinGroupID = pj.id
	r.e.logger.Debug("join complete", "run_id", r.id, "join_group_id", pj.id, "survivor", survivor.tok.TokenID)
	return r.emit(ctx, survivor.tok, n.ID(), mergeBranches(pj.join, rows), false)
}

// mergeBranches merges branch rows in the join's branch order; later
// branches override earlier fields.
func mergeBranches(j graph.Join, rows map[string]ir.Row) ir.Row {
	merged := ir.Row{}
	for _, b := range j.Branches {
		maps.Copy(merged, rows[b])
	}
	return merged
}

// rejoin continues a survivor whose join was recorded before a crash but
// which never left the coalesce node. The merged row is rebuilt from the
// members coalesced into it.
func (r *run) rejoin(ctx context.Context, n *graph.Node, tok ir.Token, row ir.Row) error {
	j, ok := r.e.graph.JoinFor(tok.ForkNodeID)
	if !ok || j.CoalesceNode != n.ID() {
		return fmt.Errorf("token %s: join %s does not belong to %s", tok.TokenID, tok.JoinGroupID, n.ID())
	}
	st := r.e.ledger.Store()
	ids, err := st.ReadChildren(ctx, tok.TokenID, ir.RelationCoalescedInto)
	if err != nil {
		return err
	}
	rows := map[string]ir.Row{tok.BranchName: row}
	for _, id := range ids {
		m, err := st.ReadToken(ctx, id)
		if err != nil {
			return err
		}
		if rows[m.BranchName], err = r.e.payloads.GetRaw(ctx, m.PayloadRef); err != nil {
			return err
		}
	}
	r.e.logger.Info("join resumed", "run_id", r.id, "join_group_id", tok.JoinGroupID, "survivor", tok.TokenID, "members", len(ids))
	return r.emit(ctx, tok, n.ID(), mergeBranches(j, rows), false)
}

// failJoin retires every member of a resolved join as FAILED.
func (r *run) failJoin(ctx context.Context, pj *pendingJoin, hash, detail string) error {
	for _, b := range pj.join.Branches {
		m, ok := pj.members[b]
		if !ok {
			continue
		}
		if err := r.failed(ctx, m.tok, pj.join.CoalesceNode, hash, detail, false); err != nil {
			return err
		}
	}
	return nil
}

// loseBranch resolves the join of a branch that retired elsewhere.
func (r *run) loseBranch(ctx context.Context, j graph.Join, tok ir.Token) error {
	id := ir.JoinGroupID(j.CoalesceNode, tok.ForkGroupID)
	pj := r.joins.resolve(id)
	if pj == nil {
		return nil
	}
	r.e.logger.Warn("join branch lost", "run_id", r.id, "join_group_id", id, "branch", tok.BranchName, "token_id", tok.TokenID)
	return r.failJoin(ctx, pj, ir.ErrorHash(ClassJoinBranchLost),
		fmt.Sprintf("branch %q retired before reaching %s", tok.BranchName, j.CoalesceNode))
}

func (r *run) expireJoins(ctx context.Context, now time.Time) error {
	limit := r.e.cfg.JoinTimeout
	for _, pj := range r.joins.expired(now, limit) {
		r.e.metrics.JoinTimeouts.Inc()
		err := joinTimeoutError(r.id, pj.id, now.Sub(pj.started), limit)
		r.e.logger.Warn("join timed out", "run_id", r.id, "join_group_id", pj.id, "members", len(pj.members))
		if err := r.failJoin(ctx, pj, ir.ErrorHash(err.ErrorClass()), err.Error()); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) failPendingJoins(ctx context.Context) error {
	for _, pj := range r.joins.drain() {
		r.e.logger.Warn("join incomplete at end of input", "run_id", r.id, "join_group_id", pj.id, "members", len(pj.members))
		if err := r.failJoin(ctx, pj, ir.ErrorHash(ClassJoinIncomplete), "run drained before every branch arrived"); err != nil {
			return err
		}
	}
	return nil
}
