package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tokenline/internal/checkpoint"
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/ledger"
	"github.com/roach88/tokenline/internal/payload"
	"github.com/roach88/tokenline/internal/plugin"
	"github.com/roach88/tokenline/internal/recovery"
)

// Engine executes a graph against a ledger. One Engine can serve many runs,
// one at a time or concurrently; per-run state lives in the run.
type Engine struct {
	graph       *graph.Graph
	ledger      *ledger.Ledger
	payloads    *payload.Store
	checkpoints *checkpoint.Manager

	cfg      Config
	wall     WallClock
	metrics  *Metrics
	logger   *slog.Logger
	triggers map[string]trigger
}

// New returns an engine for g. The graph must have every plugin bound.
func New(g *graph.Graph, l *ledger.Ledger, ps *payload.Store, opts ...Option) (*Engine, error) {
	if !g.Executable() {
		return nil, errors.New("new engine: graph has nodes without plugins")
	}
	e := &Engine{
		graph:    g,
		ledger:   l,
		payloads: ps,
		wall:     systemClock{},
		logger:   slog.Default(),
		triggers: make(map[string]trigger),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.checkpoints = checkpoint.NewManager(l.Store(),
		checkpoint.WithLogger(e.logger),
		checkpoint.WithObserver(e.metrics.CheckpointWritten),
	)
	for _, n := range g.Nodes() {
		if n.Kind() != ir.KindAggregation {
			continue
		}
		t, err := parseTrigger(n.Spec)
		if err != nil {
			return nil, fmt.Errorf("new engine: node %s: %w", n.ID(), err)
		}
		e.triggers[n.ID()] = t
	}
	return e, nil
}

// Graph returns the graph the engine executes.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Summary describes a finished Run or Resume call.
type Summary struct {
	RunID  string       `json:"run_id"`
	Status ir.RunStatus `json:"status"`

	// Rows is the number of source rows the run has ingested, across
	// every attempt. A resumed run counts rows from earlier attempts too.
	Rows int64 `json:"rows"`

	// Outcomes counts every outcome in the run's ledger by kind.
	Outcomes map[ir.OutcomeKind]int `json:"outcomes"`

	Audit ledger.AuditReport `json:"audit"`
}

// run is the state of one execution.
type run struct {
	e       *Engine
	id      string
	resumed bool

	queue   *workQueue
	joins   *joinTable
	batches *batchTable

	// known holds row indexes already ingested by an earlier attempt.
	known map[int64]bool

	// rows counts source rows ingested by this attempt.
	rows     atomic.Int64
	executed atomic.Int64
	drained  atomic.Bool

	// cpMu keeps checkpoint sequence numbers in write order.
	cpMu sync.Mutex
}

func (e *Engine) newRun(id string, resumed bool) *run {
	return &run{
		e:       e,
		id:      id,
		resumed: resumed,
		queue:   newWorkQueue(),
		joins:   newJoinTable(),
		batches: newBatchTable(),
		known:   map[int64]bool{},
	}
}

// Run executes a new run: every source row enters the graph, every token
// is driven to a terminal outcome, and the ledger is swept.
//
// Cancelling ctx stops pulling new work. Work already executing finishes
// and the run is marked interrupted; Resume continues it.
func (e *Engine) Run(ctx context.Context, runID string) (Summary, error) {
	err := e.ledger.Store().WriteRun(ctx, ir.Run{
		RunID:            runID,
		GraphFingerprint: e.graph.Fingerprint(),
		Status:           ir.RunRunning,
		EngineVersion:    ir.EngineVersion,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("start run %s: %w", runID, err)
	}
	e.logger.Info("run started", "run_id", runID, "workers", e.cfg.Workers)
	return e.execute(ctx, e.newRun(runID, false))
}

// Resume continues an interrupted or crashed run. It is refused with a
// CompatibilityRejected error when the run's checkpoint no longer matches
// the graph.
func (e *Engine) Resume(ctx context.Context, runID string) (Summary, error) {
	plan, err := recovery.NewManager(e.ledger.Store(), e.payloads, e.logger).PlanResume(ctx, runID, e.graph)
	if err != nil {
		return Summary{}, err
	}
	e.ledger.Clock().AdvanceTo(plan.MaxSeq)
	if err := e.ledger.Store().SetRunStatus(ctx, runID, ir.RunRunning); err != nil {
		return Summary{}, err
	}

	r := e.newRun(runID, true)
	rows, err := e.ledger.Store().ReadRows(ctx, runID)
	if err != nil {
		return Summary{}, err
	}
	for _, sr := range rows {
		r.known[sr.RowIndex] = true
	}
	if err := r.restore(ctx, plan); err != nil {
		return Summary{}, fmt.Errorf("resume run %s: %w", runID, err)
	}
	e.logger.Info("run resumed",
		"run_id", runID,
		"pending", len(plan.Pending),
		"unstarted", len(plan.Unstarted),
		"seq", plan.MaxSeq,
	)
	return e.execute(ctx, r)
}

// restore queues every non-terminal token at its node and re-buffers
// BUFFERED tokens without recording them again. A join survivor stamped
// before the crash moves on without waiting for its retired members.
func (r *run) restore(ctx context.Context, plan recovery.Plan) error {
	now := r.e.wall.Now()
	for _, p := range plan.Pending {
		n, _ := r.e.graph.Node(p.Token.NodeID)
		row, err := r.e.payloads.GetRaw(ctx, p.Token.PayloadRef)
		if err != nil {
			return err
		}
		if p.Buffered() && n.Kind() == ir.KindAggregation {
			if prior := r.batches.restore(n.ID(), p.BatchID, member{tok: p.Token, row: row}, now); prior != nil {
				r.queue.Enqueue(work{flush: prior})
			}
			continue
		}
		if p.Token.JoinGroupID != "" && n.Kind() == ir.KindCoalesce {
			if err := r.rejoin(ctx, n, p.Token, row); err != nil {
				return err
			}
			continue
		}
		r.queue.Enqueue(work{tok: p.Token, node: n.ID(), row: row, routed: r.routedInto(n.ID())})
	}
	for _, sr := range plan.Unstarted {
		if _, ok := r.e.graph.Node(sr.SourceNode); !ok {
			return fmt.Errorf("row %s: source node %s is not in the graph", sr.RowID, sr.SourceNode)
		}
		row, err := r.e.payloads.GetRaw(ctx, sr.PayloadRef)
		if err != nil {
			return err
		}
		if err := r.spawn(ctx, ir.Token{RowID: sr.RowID}, sr.SourceNode, row); err != nil {
			return err
		}
	}
	return nil
}

// routedInto reports whether every edge into a node comes from a gate.
// A token restored at such a sink was routed there.
func (r *run) routedInto(nodeID string) bool {
	in := r.e.graph.Incoming(nodeID)
	if len(in) == 0 {
		return false
	}
	for _, e := range in {
		if n, _ := r.e.graph.Node(e.From); n.Kind() != ir.KindGate {
			return false
		}
	}
	return true
}

func (e *Engine) execute(ctx context.Context, r *run) (Summary, error) {
	g, gctx := errgroup.WithContext(ctx)
	loaded := make(chan struct{})

	g.Go(func() error {
		defer close(loaded)
		return r.load(gctx)
	})
	for range e.cfg.Workers {
		g.Go(func() error { return r.work(gctx) })
	}
	g.Go(func() error { return r.coordinate(gctx, loaded) })

	return e.finish(ctx, r, g.Wait())
}

// load feeds every source into the graph. Row indexes run across sources
// in declaration order.
func (r *run) load(ctx context.Context) error {
	var index int64
	for _, src := range r.e.graph.Sources() {
		err := src.Source().Load(ctx, func(rec plugin.Record) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			i := index
			index++
			if r.known[i] {
				return nil
			}
			return r.ingest(context.WithoutCancel(ctx), src, i, rec)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load source %s: %w", src.ID(), err)
		}
	}
	return nil
}

// work is one worker: it executes queued work until the queue closes or
// the run is cancelled. Once started, an item runs to completion even if
// the run is cancelled meanwhile.
func (r *run) work(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		w, ok := r.queue.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case _, open := <-r.queue.Wait():
				if !open && r.queue.Len() == 0 {
					return nil
				}
			}
			continue
		}
		err := r.process(context.WithoutCancel(ctx), w)
		r.queue.Done()
		if err != nil {
			return err
		}
	}
}

// coordinate watches timeouts and decides when the run has drained: all
// sources loaded, no active work, batches flushed and joins resolved.
func (r *run) coordinate(ctx context.Context, loaded <-chan struct{}) error {
	defer r.queue.Close()

	ticker := time.NewTicker(r.e.cfg.TickInterval)
	defer ticker.Stop()

	wctx := context.WithoutCancel(ctx)
	sourcesDone := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-loaded:
			sourcesDone = true
			loaded = nil
		case <-ticker.C:
			if err := r.tick(wctx); err != nil {
				return err
			}
		case <-r.queue.Idle():
		}
		if ctx.Err() != nil {
			return nil
		}
		if !sourcesDone || r.queue.Active() > 0 {
			continue
		}
		more, err := r.drain(wctx)
		if err != nil {
			return err
		}
		if !more {
			r.drained.Store(true)
			return nil
		}
	}
}

// tick applies wall-clock timeouts.
func (r *run) tick(ctx context.Context) error {
	now := r.e.wall.Now()
	for _, b := range r.batches.expired(now, r.e.triggers) {
		r.queue.Enqueue(work{flush: b})
	}
	return r.expireJoins(ctx, now)
}

// drain runs once no work is active. End of input flushes open batches in
// topological order, one per idle round, so each batch holds all upstream
// output. When none are left, joins still waiting can never complete.
func (r *run) drain(ctx context.Context) (bool, error) {
	if b := r.batches.next(r.e.graph.TopologicalOrder()); b != nil {
		r.queue.Enqueue(work{flush: b})
		return true, nil
	}
	return false, r.failPendingJoins(ctx)
}

func (e *Engine) finish(ctx context.Context, r *run, runErr error) (Summary, error) {
	dctx := context.WithoutCancel(ctx)
	flushErr := e.flushSinks(dctx)

	status := ir.RunCompleted
	var report ledger.AuditReport
	switch {
	case runErr != nil:
		status = ir.RunFailed
		runErr = errors.Join(runErr, flushErr)
	case !r.drained.Load():
		status = ir.RunInterrupted
		runErr = errors.Join(ctx.Err(), flushErr)
	case flushErr != nil:
		status = ir.RunFailed
		runErr = flushErr
	default:
		var err error
		if report, err = e.ledger.AuditSweep(dctx, r.id); err != nil {
			runErr = err
		} else {
			runErr = report.Err()
		}
		if runErr != nil {
			status = ir.RunFailed
		}
	}

	if status == ir.RunCompleted {
		if err := e.checkpoints.Clear(dctx, r.id); err != nil {
			status, runErr = ir.RunFailed, err
		}
	}
	if err := e.ledger.Store().SetRunStatus(dctx, r.id, status); err != nil {
		runErr = errors.Join(runErr, err)
	}

	sum, err := r.summary(dctx, status, report)
	if err != nil {
		runErr = errors.Join(runErr, err)
	}
	attrs := []any{"run_id", r.id, "status", status, "rows", sum.Rows, "ingested", r.rows.Load()}
	if runErr != nil {
		e.logger.Error("run finished", append(attrs, "error", runErr)...)
	} else {
		e.logger.Info("run finished", attrs...)
	}
	return sum, runErr
}

// flushSinks flushes every sink that buffers writes.
func (e *Engine) flushSinks(ctx context.Context) error {
	var errs []error
	for _, n := range e.graph.Nodes() {
		if n.Kind() != ir.KindSink {
			continue
		}
		if f, ok := n.Sink().(plugin.Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush sink %s: %w", n.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *run) summary(ctx context.Context, status ir.RunStatus, report ledger.AuditReport) (Summary, error) {
	sum := Summary{
		RunID:    r.id,
		Status:   status,
		Outcomes: map[ir.OutcomeKind]int{},
		Audit:    report,
	}
	rows, err := r.e.ledger.Store().ReadRows(ctx, r.id)
	if err != nil {
		return sum, err
	}
	sum.Rows = int64(len(rows))
	outcomes, err := r.e.ledger.Store().ReadRunOutcomes(ctx, r.id)
	if err != nil {
		return sum, err
	}
	for _, o := range outcomes {
		sum.Outcomes[o.Kind]++
	}
	return sum, nil
}
