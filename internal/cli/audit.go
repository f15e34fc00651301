package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/ledger"
	"github.com/roach88/tokenline/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	Database string
	Token    string // optional - explain one token
}

// AuditResult is the output of the audit command for one run.
type AuditResult struct {
	Run      ir.Run                 `json:"run"`
	Tokens   int                    `json:"tokens"`
	Outcomes map[ir.OutcomeKind]int `json:"outcomes"`
	Report   ledger.AuditReport     `json:"report"`
}

// TokenTrace explains one token: where it is, where it came from and
// what was recorded for it.
type TokenTrace struct {
	Token     ir.Token     `json:"token"`
	Ancestors []string     `json:"ancestors"`
	Outcomes  []ir.Outcome `json:"outcomes"`
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit [run-id]",
		Short: "Sweep a run's ledger for gaps",
		Long: `Check a run's ledger: every token must have exactly one terminal
outcome with its required fields, every sink write must be paired with
its outcome, and every fork, expansion and join must be complete.

Without a run id, lists the runs in the database. With --token, explains
one token's lineage and outcomes instead.

Exit codes:
  0 - Ledger is clean
  1 - Audit gaps found
  2 - Command error (database or run not found, etc.)

Examples:
  tokenline audit --db ./audit.db
  tokenline audit --db ./audit.db 0190a3c2-...
  tokenline audit --db ./audit.db 0190a3c2-... --token 0190a3c3-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Token, "token", "", "explain a single token")

	return cmd
}

func runAudit(opts *AuditOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 0 {
		return listRuns(ctx, st, f)
	}
	runID := args[0]
	run, err := st.ReadRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = f.Error(ErrCodeNotFound, fmt.Sprintf("run %s not found", runID), nil)
		return NewExitError(ExitCommandError, "run not found: "+runID)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	if opts.Token != "" {
		return traceToken(ctx, st, f, opts.Token)
	}

	l := ledger.New(st, ledger.WithLogger(opts.logger(cmd.ErrOrStderr())))
	report, err := l.AuditSweep(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "audit sweep failed", err)
	}
	tokens, err := st.ReadTokens(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read tokens", err)
	}
	outcomes, err := st.ReadRunOutcomes(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outcomes", err)
	}
	res := AuditResult{Run: run, Tokens: len(tokens), Outcomes: map[ir.OutcomeKind]int{}, Report: report}
	for _, o := range outcomes {
		res.Outcomes[o.Kind]++
	}

	if f.JSON() {
		err = f.Success(res)
	} else {
		err = f.Success(auditResultText(res))
	}
	if err != nil {
		return err
	}
	if !report.Clean() {
		return WrapExitError(ExitFailure, "audit gaps found", report.Err())
	}
	return nil
}

func auditResultText(res AuditResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s, engine %s)\n", res.Run.RunID, res.Run.Status, res.Run.EngineVersion)
	fmt.Fprintf(&b, "Tokens: %s\n", humanize.Comma(int64(res.Tokens)))
	kinds := make([]ir.OutcomeKind, 0, len(res.Outcomes))
	for k := range res.Outcomes {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-18s %s\n", k, humanize.Comma(int64(res.Outcomes[k])))
	}
	b.WriteString(auditText(res.Report))
	if !res.Report.Clean() {
		for _, s := range res.Report.Sections {
			for _, fd := range s.Findings {
				fmt.Fprintf(&b, "  - %s token=%s %s\n", s.Category, fd.TokenID, fd.Detail)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func listRuns(ctx context.Context, st *store.Store, f *OutputFormatter) error {
	runs, err := st.ReadRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if f.JSON() {
		return f.Success(runs)
	}
	if len(runs) == 0 {
		return f.Success("No runs found in database.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s:\n", humanize.Comma(int64(len(runs))), plural(len(runs), "run", "runs"))
	for _, r := range runs {
		fmt.Fprintf(&b, "  %-40s %s\n", r.RunID, r.Status)
	}
	return f.Success(strings.TrimRight(b.String(), "\n"))
}

func traceToken(ctx context.Context, st *store.Store, f *OutputFormatter, tokenID string) error {
	tok, err := st.ReadToken(ctx, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = f.Error(ErrCodeNotFound, fmt.Sprintf("token %s not found", tokenID), nil)
		return NewExitError(ExitCommandError, "token not found: "+tokenID)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read token", err)
	}
	ancestors, err := st.ReadAncestors(ctx, tokenID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read lineage", err)
	}
	outcomes, err := st.ReadOutcomes(ctx, tokenID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outcomes", err)
	}
	tr := TokenTrace{Token: tok, Ancestors: ancestors, Outcomes: outcomes}
	if f.JSON() {
		return f.Success(tr)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Token %s (row %s) at %s\n", tok.TokenID, tok.RowID, tok.NodeID)
	for _, p := range tok.Parents {
		fmt.Fprintf(&b, "  %s %s\n", p.Relation, p.ParentTokenID)
	}
	if len(ancestors) > 0 {
		fmt.Fprintf(&b, "Ancestors: %s\n", strings.Join(ancestors, ", "))
	}
	for _, o := range outcomes {
		fmt.Fprintf(&b, "  #%d %s", o.Seq, o.Kind)
		if o.SinkName != "" {
			fmt.Fprintf(&b, " sink=%s", o.SinkName)
		}
		if o.ErrorDetail != "" {
			fmt.Fprintf(&b, " error=%q", o.ErrorDetail)
		}
		b.WriteString("\n")
	}
	return f.Success(strings.TrimRight(b.String(), "\n"))
}
