// Package checkpoint snapshots run progress together with the graph
// fingerprints needed to decide whether a later resume is safe.
//
// Checkpoints are append-only. A later checkpoint supersedes an earlier
// one for the same run by carrying a higher sequence number; stored rows
// are never updated.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/store"
)

// Manager creates and reads checkpoints.
type Manager struct {
	store   *store.Store
	logger  *slog.Logger
	onWrite func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithObserver registers a callback invoked after each stored checkpoint.
func WithObserver(fn func()) Option {
	return func(m *Manager) { m.onWrite = fn }
}

// NewManager returns a checkpoint manager over s.
func NewManager(s *store.Store, opts ...Option) *Manager {
	m := &Manager{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCheckpoint records progress for (runID, tokenID, nodeID) at
// sequenceNumber, fingerprinting nodeID against g. It fails with a
// CheckpointSequence error unless sequenceNumber is strictly greater than
// the last one stored for the same triple. aggregationState is optional.
func (m *Manager) CreateCheckpoint(
	ctx context.Context,
	runID, tokenID, nodeID string,
	sequenceNumber int64,
	g *graph.Graph,
	aggregationState string,
) (ir.Checkpoint, error) {
	topo, ok := g.TopologyFingerprint(nodeID)
	if !ok {
		return ir.Checkpoint{}, fmt.Errorf("create checkpoint: node %q is not in the graph", nodeID)
	}
	cfg, _ := g.ConfigFingerprint(nodeID)

	cp := ir.Checkpoint{
		RunID:                       runID,
		TokenID:                     tokenID,
		NodeID:                      nodeID,
		SequenceNumber:              sequenceNumber,
		UpstreamTopologyFingerprint: topo,
		ConfigFingerprint:           cfg,
		AggregationState:            aggregationState,
	}
	id, err := m.store.WriteCheckpoint(ctx, cp)
	if err != nil {
		return ir.Checkpoint{}, err
	}
	cp.ID = id
	if m.onWrite != nil {
		m.onWrite()
	}
	m.logger.Info("checkpoint written",
		"run_id", runID,
		"token_id", tokenID,
		"node_id", nodeID,
		"sequence_number", sequenceNumber,
	)
	return cp, nil
}

// GetLatestCheckpoint returns the checkpoint with the highest sequence
// number for runID only. Stored fingerprints that are empty or malformed
// fail with a CorruptAuditData error.
func (m *Manager) GetLatestCheckpoint(ctx context.Context, runID string) (ir.Checkpoint, bool, error) {
	cp, found, err := m.store.ReadLatestCheckpoint(ctx, runID)
	if err != nil {
		m.logger.Error("checkpoint read failed", "run_id", runID, "error", err)
		return ir.Checkpoint{}, false, err
	}
	return cp, found, nil
}

// List returns every checkpoint of a run in sequence order.
func (m *Manager) List(ctx context.Context, runID string) ([]ir.Checkpoint, error) {
	return m.store.ReadCheckpoints(ctx, runID)
}

// Clear removes a run's checkpoints. Completed runs no longer need them.
func (m *Manager) Clear(ctx context.Context, runID string) error {
	if err := m.store.DeleteCheckpoints(ctx, runID); err != nil {
		return err
	}
	m.logger.Info("checkpoints cleared", "run_id", runID)
	return nil
}
