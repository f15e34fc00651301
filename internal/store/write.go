package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tokenline/internal/ir"
)

// WriteRun inserts a run record. Writing an existing run id is a no-op.
func (s *Store) WriteRun(ctx context.Context, run ir.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, graph_fingerprint, status, engine_version, schema_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, run.RunID, run.GraphFingerprint, string(run.Status), run.EngineVersion, ir.SchemaVersion)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// SetRunStatus updates a run's lifecycle status.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status ir.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE run_id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set run status: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set run status: run %q: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// WritePayload stores payload data under its content address.
// Identical content is stored once.
func (s *Store) WritePayload(ctx context.Context, ref, data string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payloads (ref, data) VALUES (?, ?)
		ON CONFLICT(ref) DO NOTHING
	`, ref, data)
	if err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// WriteRow records a source row.
func (s *Store) WriteRow(ctx context.Context, row ir.SourceRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rows (row_id, run_id, row_index, source_node, payload_ref)
		VALUES (?, ?, ?, ?, ?)
	`, row.RowID, row.RunID, row.RowIndex, row.SourceNode, row.PayloadRef)
	if err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return nil
}

// WriteToken inserts a token and its parent links in one transaction.
func (s *Store) WriteToken(ctx context.Context, tok ir.Token) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tokens
			(token_id, run_id, row_id, node_id, payload_ref, fork_group_id, branch_name,
			 fork_node_id, expand_group_id, join_group_id, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			tok.TokenID, tok.RunID, tok.RowID, tok.NodeID, tok.PayloadRef,
			tok.ForkGroupID, tok.BranchName, tok.ForkNodeID, tok.ExpandGroupID,
			tok.JoinGroupID, tok.Seq,
		)
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		for i, p := range tok.Parents {
			if err := insertParent(ctx, tx, tok.TokenID, p, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

func insertParent(ctx context.Context, tx *sql.Tx, tokenID string, p ir.ParentLink, ordinal int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_parents (token_id, parent_token_id, relation, ordinal)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, tokenID, p.ParentTokenID, string(p.Relation), ordinal)
	if err != nil {
		return fmt.Errorf("insert parent link: %w", err)
	}
	return nil
}

// AddParentLink appends a lineage link to an existing token.
func (s *Store) AddParentLink(ctx context.Context, tokenID string, p ir.ParentLink) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return appendParent(ctx, tx, tokenID, p)
	})
	if err != nil {
		return fmt.Errorf("add parent link: %w", err)
	}
	return nil
}

// appendParent inserts p after the token's existing links.
func appendParent(ctx context.Context, tx *sql.Tx, tokenID string, p ir.ParentLink) error {
	var next int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(ordinal) + 1, 0) FROM token_parents WHERE token_id = ?
	`, tokenID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next ordinal: %w", err)
	}
	return insertParent(ctx, tx, tokenID, p, next)
}

// MoveToken records a token's new position and payload.
func (s *Store) MoveToken(ctx context.Context, tokenID, nodeID, payloadRef string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET node_id = ?, payload_ref = ? WHERE token_id = ?
	`, nodeID, payloadRef, tokenID)
	if err != nil {
		return fmt.Errorf("move token: %w", err)
	}
	return nil
}

// SetJoinGroup marks a token as the survivor of a join.
func (s *Store) SetJoinGroup(ctx context.Context, tokenID, joinGroupID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET join_group_id = ? WHERE token_id = ?
	`, joinGroupID, tokenID)
	if err != nil {
		return fmt.Errorf("set join group: %w", err)
	}
	return nil
}

// WriteJoin records a completed join in one transaction: the survivor's
// join group, then for every retired member a coalesced_into link to the
// survivor and its COALESCED outcome. A crash leaves either the whole join
// or none of it.
func (s *Store) WriteJoin(ctx context.Context, survivorID, joinGroupID string, coalesced []ir.Outcome) error {
	var failed ir.Outcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tokens SET join_group_id = ? WHERE token_id = ?
		`, joinGroupID, survivorID)
		if err != nil {
			return fmt.Errorf("set join group: %w", err)
		}
		link := ir.ParentLink{ParentTokenID: survivorID, Relation: ir.RelationCoalescedInto}
		for _, o := range coalesced {
			if o.Kind != ir.OutcomeCoalesced || o.JoinGroupID != joinGroupID {
				return fmt.Errorf("token %s: %s outcome for join %q is not a COALESCED outcome of join %q",
					o.TokenID, o.Kind, o.JoinGroupID, joinGroupID)
			}
			if err := appendParent(ctx, tx, o.TokenID, link); err != nil {
				return err
			}
			if _, err := insertOutcome(ctx, tx, o); err != nil {
				failed = o
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if failed.TokenID != "" {
		return s.outcomeError(ctx, failed, err)
	}
	return fmt.Errorf("write join: %w", err)
}

// WriteOutcome appends an outcome. A second terminal outcome for the same
// token is refused by the schema and reported as an OutcomeConflict.
// Field completeness is the caller's contract; the store records what it
// is given so the audit sweep can see it.
func (s *Store) WriteOutcome(ctx context.Context, o ir.Outcome) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertOutcome(ctx, tx, o)
		return err
	})
	if err != nil {
		return 0, s.outcomeError(ctx, o, err)
	}
	return id, nil
}

// WriteSinkPair records a sink node state and its COMPLETED or ROUTED
// outcome in one transaction: both are stored or neither is.
func (s *Store) WriteSinkPair(ctx context.Context, state ir.NodeState, o ir.Outcome) (int64, error) {
	if o.Kind != ir.OutcomeCompleted && o.Kind != ir.OutcomeRouted {
		return 0, fmt.Errorf("write sink pair: outcome kind %s is not a sink outcome", o.Kind)
	}
	if state.SinkName != o.SinkName {
		return 0, fmt.Errorf("write sink pair: node state sink %q does not match outcome sink %q", state.SinkName, o.SinkName)
	}

	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertNodeState(ctx, tx, state); err != nil {
			return err
		}
		var err error
		id, err = insertOutcome(ctx, tx, o)
		return err
	})
	if err != nil {
		return 0, s.outcomeError(ctx, o, err)
	}
	return id, nil
}

// WriteNodeState appends a node state.
func (s *Store) WriteNodeState(ctx context.Context, state ir.NodeState) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return insertNodeState(ctx, tx, state)
	})
	if err != nil {
		return fmt.Errorf("write node state: %w", err)
	}
	return nil
}

func insertNodeState(ctx context.Context, tx *sql.Tx, st ir.NodeState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO node_states (run_id, token_id, node_id, status, sink_name, seq)
		VALUES (?, ?, ?, ?, ?, ?)
	`, st.RunID, st.TokenID, st.NodeID, string(st.Status), st.SinkName, st.Seq)
	if err != nil {
		return fmt.Errorf("insert node state: %w", err)
	}
	return nil
}

func insertOutcome(ctx context.Context, tx *sql.Tx, o ir.Outcome) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO token_outcomes
		(run_id, token_id, kind, is_terminal, sink_name, fork_group_id, expand_group_id,
		 join_group_id, batch_id, error_hash, error_detail, retryable, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.RunID, o.TokenID, string(o.Kind), boolToInt(ir.IsTerminal(o.Kind)),
		o.SinkName, o.ForkGroupID, o.ExpandGroupID, o.JoinGroupID, o.BatchID,
		o.ErrorHash, o.ErrorDetail, boolToInt(o.Retryable), o.Seq,
	)
	if err != nil {
		return 0, fmt.Errorf("insert outcome: %w", err)
	}
	return res.LastInsertId()
}

// outcomeError maps a terminal-uniqueness violation to an OutcomeConflict
// naming the existing terminal kind.
func (s *Store) outcomeError(ctx context.Context, o ir.Outcome, err error) error {
	if !isUniqueViolation(err) {
		return fmt.Errorf("write outcome: %w", err)
	}
	existing, found, readErr := s.ReadTerminalOutcome(ctx, o.TokenID)
	if readErr != nil || !found {
		return errors.Join(ir.NewOutcomeConflictError(o.TokenID, "", o.Kind), readErr)
	}
	return ir.NewOutcomeConflictError(o.TokenID, existing.Kind, o.Kind)
}
