package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tokenline/internal/ir"
)

// ReadRun returns a run. Returns sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, runID string) (ir.Run, error) {
	var run ir.Run
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, graph_fingerprint, status, engine_version
		FROM runs WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.GraphFingerprint, &status, &run.EngineVersion)
	if err != nil {
		return ir.Run{}, err
	}
	run.Status = ir.RunStatus(status)
	return run, nil
}

// ReadRuns returns every run ordered by run id.
func (s *Store) ReadRuns(ctx context.Context) ([]ir.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, graph_fingerprint, status, engine_version
		FROM runs ORDER BY run_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []ir.Run{}
	for rows.Next() {
		var run ir.Run
		var status string
		if err := rows.Scan(&run.RunID, &run.GraphFingerprint, &status, &run.EngineVersion); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = ir.RunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadPayload returns payload data by reference.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadPayload(ctx context.Context, ref string) (string, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM payloads WHERE ref = ?`, ref).Scan(&data)
	if err != nil {
		return "", err
	}
	return data, nil
}

const rowColumns = `row_id, run_id, row_index, source_node, payload_ref`

func scanRow(sc scanner) (ir.SourceRow, error) {
	var r ir.SourceRow
	if err := sc.Scan(&r.RowID, &r.RunID, &r.RowIndex, &r.SourceNode, &r.PayloadRef); err != nil {
		return ir.SourceRow{}, fmt.Errorf("scan row: %w", err)
	}
	return r, nil
}

func collectRows(rows *sql.Rows) ([]ir.SourceRow, error) {
	defer rows.Close()
	out := []ir.SourceRow{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// ReadRows returns a run's source rows ordered by row_index.
func (s *Store) ReadRows(ctx context.Context, runID string) ([]ir.SourceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM rows
		WHERE run_id = ?
		ORDER BY row_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	return collectRows(rows)
}

// ReadUnprocessedRows returns, ordered by row_index, the rows of a run that
// have no token yet or at least one token without a terminal outcome.
func (s *Store) ReadUnprocessedRows(ctx context.Context, runID string) ([]ir.SourceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM rows r
		WHERE r.run_id = ?
		  AND (
		    NOT EXISTS (SELECT 1 FROM tokens t WHERE t.row_id = r.row_id)
		    OR EXISTS (
		      SELECT 1 FROM tokens t
		      WHERE t.row_id = r.row_id
		        AND NOT EXISTS (
		          SELECT 1 FROM token_outcomes o
		          WHERE o.token_id = t.token_id AND o.is_terminal = 1
		        )
		    )
		  )
		ORDER BY r.row_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed rows: %w", err)
	}
	return collectRows(rows)
}

const tokenColumns = `token_id, run_id, row_id, node_id, payload_ref, fork_group_id,
	branch_name, fork_node_id, expand_group_id, join_group_id, seq`

func scanToken(sc scanner) (ir.Token, error) {
	var t ir.Token
	err := sc.Scan(&t.TokenID, &t.RunID, &t.RowID, &t.NodeID, &t.PayloadRef,
		&t.ForkGroupID, &t.BranchName, &t.ForkNodeID, &t.ExpandGroupID, &t.JoinGroupID, &t.Seq)
	if err != nil {
		return ir.Token{}, err
	}
	return t, nil
}

// ReadToken returns a token with its parent links.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadToken(ctx context.Context, tokenID string) (ir.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM tokens WHERE token_id = ?
	`, tokenID))
	if err != nil {
		return ir.Token{}, err
	}
	t.Parents, err = s.ReadParents(ctx, tokenID)
	if err != nil {
		return ir.Token{}, err
	}
	return t, nil
}

// ReadTokens returns a run's tokens ordered by seq, then token id.
// Parent links are not loaded.
func (s *Store) ReadTokens(ctx context.Context, runID string) ([]ir.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE run_id = ?
		ORDER BY seq ASC, token_id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	tokens := []ir.Token{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// ReadParents returns a token's lineage links in ordinal order.
func (s *Store) ReadParents(ctx context.Context, tokenID string) ([]ir.ParentLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_token_id, relation FROM token_parents
		WHERE token_id = ?
		ORDER BY ordinal ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("query parents: %w", err)
	}
	defer rows.Close()

	links := []ir.ParentLink{}
	for rows.Next() {
		var p ir.ParentLink
		var rel string
		if err := rows.Scan(&p.ParentTokenID, &rel); err != nil {
			return nil, fmt.Errorf("scan parent: %w", err)
		}
		p.Relation = ir.LineageRelation(rel)
		links = append(links, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parents: %w", err)
	}
	return links, nil
}

// ReadChildren returns the ids of tokens linked to parentID by relation,
// ordered by seq.
func (s *Store) ReadChildren(ctx context.Context, parentID string, rel ir.LineageRelation) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.token_id FROM token_parents p
		JOIN tokens t ON t.token_id = p.token_id
		WHERE p.parent_token_id = ? AND p.relation = ?
		ORDER BY t.seq ASC, t.token_id COLLATE BINARY ASC
	`, parentID, string(rel))
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	return collectIDs(rows)
}

// ReadAncestors returns every token reachable from tokenID through parent
// links, excluding tokenID itself unless the lineage loops back to it.
func (s *Store) ReadAncestors(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE ancestors(id) AS (
			SELECT parent_token_id FROM token_parents WHERE token_id = ?
			UNION
			SELECT p.parent_token_id FROM token_parents p
			JOIN ancestors a ON p.token_id = a.id
		)
		SELECT id FROM ancestors ORDER BY id COLLATE BINARY ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("query ancestors: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

const outcomeColumns = `id, run_id, token_id, kind, sink_name, fork_group_id, expand_group_id,
	join_group_id, batch_id, error_hash, error_detail, retryable, seq`

func scanOutcome(sc scanner) (ir.Outcome, error) {
	var o ir.Outcome
	var kind string
	var retryable int
	err := sc.Scan(&o.ID, &o.RunID, &o.TokenID, &kind, &o.SinkName, &o.ForkGroupID,
		&o.ExpandGroupID, &o.JoinGroupID, &o.BatchID, &o.ErrorHash, &o.ErrorDetail,
		&retryable, &o.Seq)
	if err != nil {
		return ir.Outcome{}, err
	}
	o.Kind = ir.OutcomeKind(kind)
	o.Retryable = retryable != 0
	return o, nil
}

func collectOutcomes(rows *sql.Rows) ([]ir.Outcome, error) {
	defer rows.Close()
	out := []ir.Outcome{}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// ReadTerminalOutcome returns a token's terminal outcome, if any.
func (s *Store) ReadTerminalOutcome(ctx context.Context, tokenID string) (ir.Outcome, bool, error) {
	o, err := scanOutcome(s.db.QueryRowContext(ctx, `
		SELECT `+outcomeColumns+` FROM token_outcomes
		WHERE token_id = ? AND is_terminal = 1
	`, tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Outcome{}, false, nil
	}
	if err != nil {
		return ir.Outcome{}, false, fmt.Errorf("read terminal outcome: %w", err)
	}
	return o, true, nil
}

// ReadOutcomes returns a token's outcomes in seq order.
func (s *Store) ReadOutcomes(ctx context.Context, tokenID string) ([]ir.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outcomeColumns+` FROM token_outcomes
		WHERE token_id = ?
		ORDER BY seq ASC, id ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

// ReadRunOutcomes returns a run's outcomes in seq order.
func (s *Store) ReadRunOutcomes(ctx context.Context, runID string) ([]ir.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outcomeColumns+` FROM token_outcomes
		WHERE run_id = ?
		ORDER BY seq ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

// ReadNodeStates returns a run's node states in seq order.
func (s *Store) ReadNodeStates(ctx context.Context, runID string) ([]ir.NodeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, token_id, node_id, status, sink_name, seq
		FROM node_states
		WHERE run_id = ?
		ORDER BY seq ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query node states: %w", err)
	}
	defer rows.Close()

	states := []ir.NodeState{}
	for rows.Next() {
		var st ir.NodeState
		var status string
		if err := rows.Scan(&st.ID, &st.RunID, &st.TokenID, &st.NodeID, &status, &st.SinkName, &st.Seq); err != nil {
			return nil, fmt.Errorf("scan node state: %w", err)
		}
		st.Status = ir.NodeStatus(status)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node states: %w", err)
	}
	return states, nil
}

// PendingToken is a token without a terminal outcome. BatchID is set when
// its latest outcome is BUFFERED.
type PendingToken struct {
	Token   ir.Token
	BatchID string
}

// Buffered reports whether the token is waiting in an aggregation batch.
func (p PendingToken) Buffered() bool {
	return p.BatchID != ""
}

// ReadPendingTokens returns a run's tokens that have no terminal outcome,
// in seq order, with parent links loaded.
func (s *Store) ReadPendingTokens(ctx context.Context, runID string) ([]PendingToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("t", tokenColumns)+`,
			COALESCE((
				SELECT o.batch_id FROM token_outcomes o
				WHERE o.token_id = t.token_id AND o.kind = ?
				ORDER BY o.seq DESC, o.id DESC LIMIT 1
			), '')
		FROM tokens t
		WHERE t.run_id = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM token_outcomes o
		    WHERE o.token_id = t.token_id AND o.is_terminal = 1
		  )
		ORDER BY t.seq ASC, t.token_id COLLATE BINARY ASC
	`, string(ir.OutcomeBuffered), runID)
	if err != nil {
		return nil, fmt.Errorf("query pending tokens: %w", err)
	}

	var pending []PendingToken
	func() {
		defer rows.Close()
		for rows.Next() {
			var p PendingToken
			t := &p.Token
			if err = rows.Scan(&t.TokenID, &t.RunID, &t.RowID, &t.NodeID, &t.PayloadRef,
				&t.ForkGroupID, &t.BranchName, &t.ForkNodeID, &t.ExpandGroupID,
				&t.JoinGroupID, &t.Seq, &p.BatchID); err != nil {
				err = fmt.Errorf("scan pending token: %w", err)
				return
			}
			pending = append(pending, p)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, err
	}

	for i := range pending {
		if pending[i].Token.Parents, err = s.ReadParents(ctx, pending[i].Token.TokenID); err != nil {
			return nil, err
		}
	}
	if pending == nil {
		pending = []PendingToken{}
	}
	return pending, nil
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ReadMaxSeq returns the highest logical sequence number recorded for a
// run, or 0 for an unknown run. A resumed run continues its clock from here.
func (s *Store) ReadMaxSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(m) FROM (
			SELECT COALESCE(MAX(seq), 0) AS m FROM tokens WHERE run_id = ?
			UNION ALL SELECT COALESCE(MAX(seq), 0) FROM token_outcomes WHERE run_id = ?
			UNION ALL SELECT COALESCE(MAX(seq), 0) FROM node_states WHERE run_id = ?
			UNION ALL SELECT COALESCE(MAX(sequence_number), 0) FROM checkpoints WHERE run_id = ?
		)
	`, runID, runID, runID, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	return seq, nil
}
