package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tokenline/internal/ir"
)

// WriteCheckpoint appends a checkpoint. The sequence number must be
// strictly greater than the last one stored for the same (run, token,
// node); otherwise a CheckpointSequence error is returned and nothing is
// written.
func (s *Store) WriteCheckpoint(ctx context.Context, cp ir.Checkpoint) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var last sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT MAX(sequence_number) FROM checkpoints
			WHERE run_id = ? AND token_id = ? AND node_id = ?
		`, cp.RunID, cp.TokenID, cp.NodeID).Scan(&last)
		if err != nil {
			return fmt.Errorf("read last sequence: %w", err)
		}
		if last.Valid && cp.SequenceNumber <= last.Int64 {
			return &ir.Error{
				Code:    ir.ErrCodeCheckpointSequence,
				Message: fmt.Sprintf("sequence %d does not advance past %d", cp.SequenceNumber, last.Int64),
				RunID:   cp.RunID,
				TokenID: cp.TokenID,
				NodeID:  cp.NodeID,
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints
			(run_id, token_id, node_id, sequence_number, upstream_topology_fingerprint,
			 config_fingerprint, aggregation_state)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, cp.RunID, cp.TokenID, cp.NodeID, cp.SequenceNumber,
			cp.UpstreamTopologyFingerprint, cp.ConfigFingerprint, cp.AggregationState)
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if ir.IsCheckpointSequence(err) {
			return 0, err
		}
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	return id, nil
}

const checkpointColumns = `id, run_id, token_id, node_id, sequence_number,
	upstream_topology_fingerprint, config_fingerprint, aggregation_state`

// scanCheckpoint reads a checkpoint and rejects malformed fingerprints.
// Stored fingerprints are audit data: a bad one is corruption, never a
// value to accept.
func scanCheckpoint(sc scanner) (ir.Checkpoint, error) {
	var cp ir.Checkpoint
	err := sc.Scan(&cp.ID, &cp.RunID, &cp.TokenID, &cp.NodeID, &cp.SequenceNumber,
		&cp.UpstreamTopologyFingerprint, &cp.ConfigFingerprint, &cp.AggregationState)
	if err != nil {
		return ir.Checkpoint{}, err
	}
	if !ir.IsFingerprint(cp.UpstreamTopologyFingerprint) {
		return ir.Checkpoint{}, corruptFingerprint(cp, "upstream_topology_fingerprint", cp.UpstreamTopologyFingerprint)
	}
	if !ir.IsFingerprint(cp.ConfigFingerprint) {
		return ir.Checkpoint{}, corruptFingerprint(cp, "config_fingerprint", cp.ConfigFingerprint)
	}
	return cp, nil
}

func corruptFingerprint(cp ir.Checkpoint, column, value string) error {
	e := ir.NewCorruptAuditDataError(cp.RunID,
		fmt.Sprintf("checkpoint %d has malformed %s %q", cp.ID, column, value))
	e.TokenID = cp.TokenID
	e.NodeID = cp.NodeID
	e.Fields = []string{column}
	return e
}

// ReadLatestCheckpoint returns the run's checkpoint with the highest
// sequence number. Only checkpoints of runID are considered.
func (s *Store) ReadLatestCheckpoint(ctx context.Context, runID string) (ir.Checkpoint, bool, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE run_id = ?
		ORDER BY sequence_number DESC, id DESC
		LIMIT 1
	`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Checkpoint{}, false, nil
	}
	if err != nil {
		if ir.IsCorruptAuditData(err) {
			return ir.Checkpoint{}, false, err
		}
		return ir.Checkpoint{}, false, fmt.Errorf("read latest checkpoint: %w", err)
	}
	return cp, true, nil
}

// ReadCheckpoints returns a run's checkpoints in sequence order.
func (s *Store) ReadCheckpoints(ctx context.Context, runID string) ([]ir.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE run_id = ?
		ORDER BY sequence_number ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	cps := []ir.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return cps, nil
}

// DeleteCheckpoints removes a run's checkpoints. Completed runs have
// nothing left to resume.
func (s *Store) DeleteCheckpoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}
