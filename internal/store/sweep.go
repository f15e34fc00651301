package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/tokenline/internal/ir"
)

// Finding is one audit gap located by a sweep query.
type Finding struct {
	TokenID   string         `json:"token_id"`
	OutcomeID int64          `json:"outcome_id,omitempty"`
	Kind      ir.OutcomeKind `json:"kind,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// requiredFieldSQL renders the per-kind required column as a CASE
// expression. Kinds are known at compile time and the column names are the
// required field names.
func requiredFieldSQL(asName bool) string {
	var b strings.Builder
	b.WriteString("CASE kind")
	for _, k := range ir.AllOutcomeKinds() {
		f := string(ir.RequiredFieldFor(k))
		if asName {
			fmt.Fprintf(&b, " WHEN '%s' THEN '%s'", k, f)
		} else {
			fmt.Fprintf(&b, " WHEN '%s' THEN %s", k, f)
		}
	}
	b.WriteString(" ELSE '' END")
	return b.String()
}

// SweepTokensWithoutTerminal returns tokens of a run with no terminal
// outcome.
func (s *Store) SweepTokensWithoutTerminal(ctx context.Context, runID string) ([]Finding, error) {
	return s.sweep(ctx, `
		SELECT t.token_id, 0, '', t.node_id FROM tokens t
		WHERE t.run_id = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM token_outcomes o
		    WHERE o.token_id = t.token_id AND o.is_terminal = 1
		  )
		ORDER BY t.seq ASC, t.token_id COLLATE BINARY ASC
	`, runID)
}

// SweepMissingRequiredFields returns outcomes whose required field is
// empty, or whose kind is unknown.
func (s *Store) SweepMissingRequiredFields(ctx context.Context, runID string) ([]Finding, error) {
	return s.sweep(ctx, `
		SELECT token_id, id, kind, `+requiredFieldSQL(true)+` FROM token_outcomes
		WHERE run_id = ? AND (`+requiredFieldSQL(false)+`) = ''
		ORDER BY seq ASC, id ASC
	`, runID)
}

// SweepSinkOutcomesWithoutState returns COMPLETED and ROUTED outcomes
// with no completed node state for the same sink.
func (s *Store) SweepSinkOutcomesWithoutState(ctx context.Context, runID string) ([]Finding, error) {
	return s.sweep(ctx, `
		SELECT o.token_id, o.id, o.kind, o.sink_name FROM token_outcomes o
		WHERE o.run_id = ? AND o.kind IN (?, ?)
		  AND NOT EXISTS (
		    SELECT 1 FROM node_states ns
		    WHERE ns.token_id = o.token_id AND ns.status = ? AND ns.sink_name = o.sink_name
		  )
		ORDER BY o.seq ASC, o.id ASC
	`, runID, string(ir.OutcomeCompleted), string(ir.OutcomeRouted), string(ir.NodeCompleted))
}

// SweepSinkStatesWithoutOutcome returns completed sink node states with no
// COMPLETED or ROUTED outcome for the same sink.
func (s *Store) SweepSinkStatesWithoutOutcome(ctx context.Context, runID string) ([]Finding, error) {
	return s.sweep(ctx, `
		SELECT ns.token_id, 0, '', ns.sink_name FROM node_states ns
		WHERE ns.run_id = ? AND ns.sink_name != '' AND ns.status = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM token_outcomes o
		    WHERE o.token_id = ns.token_id AND o.kind IN (?, ?) AND o.sink_name = ns.sink_name
		  )
		ORDER BY ns.seq ASC, ns.id ASC
	`, runID, string(ir.NodeCompleted), string(ir.OutcomeCompleted), string(ir.OutcomeRouted))
}

// SweepGroupsWithoutChildren returns FORKED and EXPANDED outcomes with no
// child token sharing the group id and linking back to the parent.
func (s *Store) SweepGroupsWithoutChildren(ctx context.Context, runID string) ([]Finding, error) {
	return s.sweep(ctx, `
		SELECT o.token_id, o.id, o.kind,
			CASE o.kind WHEN ? THEN o.fork_group_id ELSE o.expand_group_id END
		FROM token_outcomes o
		WHERE o.run_id = ? AND (
		  (o.kind = ? AND NOT EXISTS (
		    SELECT 1 FROM token_parents p JOIN tokens c ON c.token_id = p.token_id
		    WHERE p.parent_token_id = o.token_id AND p.relation = ?
		      AND c.fork_group_id = o.fork_group_id
		  ))
		  OR
		  (o.kind = ? AND NOT EXISTS (
		    SELECT 1 FROM token_parents p JOIN tokens c ON c.token_id = p.token_id
		    WHERE p.parent_token_id = o.token_id AND p.relation = ?
		      AND c.expand_group_id = o.expand_group_id
		  ))
		)
		ORDER BY o.seq ASC, o.id ASC
	`,
		string(ir.OutcomeForked), runID,
		string(ir.OutcomeForked), string(ir.RelationForkedFrom),
		string(ir.OutcomeExpanded), string(ir.RelationExpandedFrom),
	)
}

// SweepCoalescedWithoutSurvivor returns COALESCED outcomes whose join group
// is not carried by any other token of the run.
func (s *Store) SweepCoalescedWithoutSurvivor(ctx context.Context, runID string) ([]Finding, error) {
	return s.sweep(ctx, `
		SELECT o.token_id, o.id, o.kind, o.join_group_id FROM token_outcomes o
		WHERE o.run_id = ? AND o.kind = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM tokens sv
		    WHERE sv.run_id = o.run_id AND sv.join_group_id = o.join_group_id
		      AND sv.token_id != o.token_id
		  )
		ORDER BY o.seq ASC, o.id ASC
	`, runID, string(ir.OutcomeCoalesced))
}

func (s *Store) sweep(ctx context.Context, query string, args ...any) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sweep query: %w", err)
	}
	return collectFindings(rows)
}

func collectFindings(rows *sql.Rows) ([]Finding, error) {
	defer rows.Close()
	findings := []Finding{}
	for rows.Next() {
		var f Finding
		var kind string
		if err := rows.Scan(&f.TokenID, &f.OutcomeID, &kind, &f.Detail); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Kind = ir.OutcomeKind(kind)
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return findings, nil
}
