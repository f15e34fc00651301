package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/tokenline/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedRun writes a run with n rows sharing one payload and returns the
// row ids.
func seedRun(t *testing.T, s *Store, runID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	if err := s.WriteRun(ctx, ir.Run{RunID: runID, GraphFingerprint: "g", Status: ir.RunRunning, EngineVersion: ir.EngineVersion}); err != nil {
		t.Fatalf("WriteRun() failed: %v", err)
	}
	if err := s.WritePayload(ctx, "p", `{}`); err != nil {
		t.Fatalf("WritePayload() failed: %v", err)
	}
	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("%s-row-%d", runID, i)
		if err := s.WriteRow(ctx, ir.SourceRow{RowID: ids[i], RunID: runID, RowIndex: int64(i), SourceNode: "src", PayloadRef: "p"}); err != nil {
			t.Fatalf("WriteRow() failed: %v", err)
		}
	}
	return ids
}

// createTestToken writes a token at node "src".
func createTestToken(t *testing.T, s *Store, runID, rowID, tokenID string, seq int64, parents ...ir.ParentLink) ir.Token {
	t.Helper()
	tok := ir.Token{
		TokenID:    tokenID,
		RunID:      runID,
		RowID:      rowID,
		NodeID:     "src",
		PayloadRef: "p",
		Parents:    parents,
		Seq:        seq,
	}
	if err := s.WriteToken(context.Background(), tok); err != nil {
		t.Fatalf("WriteToken(%s) failed: %v", tokenID, err)
	}
	return tok
}

func completed(runID, tokenID, sink string, seq int64) ir.Outcome {
	return ir.Outcome{RunID: runID, TokenID: tokenID, Kind: ir.OutcomeCompleted, SinkName: sink, Seq: seq}
}

func sinkState(runID, tokenID, sink string, seq int64) ir.NodeState {
	return ir.NodeState{RunID: runID, TokenID: tokenID, NodeID: sink, Status: ir.NodeCompleted, SinkName: sink, Seq: seq}
}
