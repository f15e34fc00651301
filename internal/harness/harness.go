package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/tokenline/internal/engine"
	"github.com/roach88/tokenline/internal/ledger"
	"github.com/roach88/tokenline/internal/payload"
	"github.com/roach88/tokenline/internal/plugin/builtin"
	"github.com/roach88/tokenline/internal/store"
	"github.com/roach88/tokenline/internal/testutil"
)

// RunID returns the run id a scenario executes under.
func RunID(sc *Scenario) string {
	return "scenario-" + sc.Name
}

// Run executes a scenario against a fresh in-memory store and evaluates
// its assertions. An error means the scenario could not run at all;
// failed assertions are reported in the result.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	g, err := sc.Pipeline.Build(builtin.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	cfg, err := sc.Pipeline.EngineConfig()
	if err != nil {
		return nil, err
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(st,
		ledger.WithIDGenerator(testutil.NewSequenceGenerator(sc.Name)),
		ledger.WithLogger(quiet),
	)
	ps, err := payload.New(st, payload.WithLogger(quiet))
	if err != nil {
		return nil, err
	}
	e, err := engine.New(g, l, ps, engine.WithConfig(cfg), engine.WithLogger(quiet))
	if err != nil {
		return nil, err
	}

	sum, err := e.Run(ctx, RunID(sc))
	if err != nil && sum.RunID == "" {
		return nil, fmt.Errorf("failed to run scenario: %w", err)
	}

	snap, err := Snapshot(ctx, st, RunID(sc), sc.Name, sum.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot run: %w", err)
	}

	result := NewResult()
	result.Summary = sum
	result.Snapshot = snap
	outcomes, err := st.ReadRunOutcomes(ctx, RunID(sc))
	if err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(sc.Assertions, sum, outcomes) {
		result.AddError(msg)
	}
	return result, nil
}
