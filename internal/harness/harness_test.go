package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenline/internal/ir"
)

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	sc, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return sc
}

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		sc, err := LoadScenario(path)
		require.NoError(t, err, path)
		t.Run(sc.Name, func(t *testing.T) {
			RunWithGolden(t, sc)
		})
	}
}

func TestRun_GateRouting(t *testing.T) {
	result, err := Run(context.Background(), loadScenario(t, "gate_routing"))
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, ir.RunCompleted, result.Summary.Status)
	assert.Equal(t, "scenario-gate_routing", result.Summary.RunID)
	assert.Equal(t, int64(3), result.Summary.Rows)
}

func TestRun_SnapshotIsDeterministic(t *testing.T) {
	sc := loadScenario(t, "fork_join")

	first, err := Run(context.Background(), sc)
	require.NoError(t, err)
	for range 3 {
		again, err := Run(context.Background(), sc)
		require.NoError(t, err)
		assert.Equal(t, string(first.Snapshot), string(again.Snapshot))
	}
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	sc := loadScenario(t, "gate_routing")
	three, one := 3, 1
	sc.Assertions = []Assertion{
		{Type: AssertSinkCount, Sink: "review", Count: &three},
		{Type: AssertOutcomeCount, Kind: ir.OutcomeFailed, Count: &one},
		{Type: AssertRunStatus, Status: ir.RunCompleted},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "3 tokens at sink review")
	assert.Contains(t, result.Errors[1], "1 FAILED outcomes")
}

func TestRun_BuildErrorIsReturned(t *testing.T) {
	sc := loadScenario(t, "gate_routing")
	sc.Pipeline.Edges = sc.Pipeline.Edges[:1]

	_, err := Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to build pipeline")
}
