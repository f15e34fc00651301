package harness

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/store"
)

// Snapshot renders a run's ledger as newline separated canonical JSON: a
// header line, then one line per token in byte order. Token ids, row ids,
// group ids and sequence numbers are left out so the snapshot depends only
// on what happened to each row.
func Snapshot(ctx context.Context, st *store.Store, runID, name string, status ir.RunStatus) ([]byte, error) {
	rows, err := st.ReadRows(ctx, runID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int64, len(rows))
	for _, r := range rows {
		index[r.RowID] = r.RowIndex
	}

	tokens, err := st.ReadTokens(ctx, runID)
	if err != nil {
		return nil, err
	}
	outcomes, err := st.ReadRunOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	byToken := make(map[string][]ir.Outcome)
	for _, o := range outcomes {
		byToken[o.TokenID] = append(byToken[o.TokenID], o)
	}

	lines := make([][]byte, 0, len(tokens))
	for _, tok := range tokens {
		parents, err := st.ReadParents(ctx, tok.TokenID)
		if err != nil {
			return nil, err
		}
		line, err := ir.MarshalCanonical(tokenEntry(tok, index[tok.RowID], parents, byToken[tok.TokenID]))
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", tok.TokenID, err)
		}
		lines = append(lines, line)
	}
	slices.SortFunc(lines, bytes.Compare)

	header, err := ir.MarshalCanonical(ir.IRObject{
		"scenario": ir.IRString(name),
		"status":   ir.IRString(status),
	})
	if err != nil {
		return nil, err
	}
	return bytes.Join(append([][]byte{header}, lines...), []byte("\n")), nil
}

func tokenEntry(tok ir.Token, row int64, parents []ir.ParentLink, outcomes []ir.Outcome) ir.IRObject {
	entry := ir.IRObject{
		"row":  ir.IRInt(row),
		"node": ir.IRString(tok.NodeID),
	}
	if tok.BranchName != "" {
		entry["branch"] = ir.IRString(tok.BranchName)
	}
	if len(parents) > 0 {
		rels := make(ir.IRArray, len(parents))
		for i, p := range parents {
			rels[i] = ir.IRString(p.Relation)
		}
		entry["parents"] = rels
	}
	list := make(ir.IRArray, len(outcomes))
	for i, o := range outcomes {
		oe := ir.IRObject{"kind": ir.IRString(o.Kind)}
		if o.SinkName != "" {
			oe["sink_name"] = ir.IRString(o.SinkName)
		}
		if o.ErrorHash != "" {
			oe["error_hash"] = ir.IRString(o.ErrorHash)
		}
		if o.Retryable {
			oe["retryable"] = ir.IRBool(true)
		}
		list[i] = oe
	}
	entry["outcomes"] = list
	return entry
}
