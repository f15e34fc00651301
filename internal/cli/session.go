package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/tokenline/internal/config"
	"github.com/roach88/tokenline/internal/engine"
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/ledger"
	"github.com/roach88/tokenline/internal/payload"
	"github.com/roach88/tokenline/internal/plugin/builtin"
	"github.com/roach88/tokenline/internal/store"
)

// session is an open audit database with the ledger and payload store
// over it.
type session struct {
	store    *store.Store
	ledger   *ledger.Ledger
	payloads *payload.Store
	logger   *slog.Logger
}

// openSession opens (creating if needed) the database at path.
func openSession(path string, ids ledger.IDGenerator, logger *slog.Logger) (*session, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	ps, err := payload.New(st, payload.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open payload store", err)
	}
	opts := []ledger.Option{ledger.WithLogger(logger)}
	if ids != nil {
		opts = append(opts, ledger.WithIDGenerator(ids))
	}
	return &session{store: st, ledger: ledger.New(st, opts...), payloads: ps, logger: logger}, nil
}

// openExisting opens a database that must already exist.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing database", "error", err)
	}
}

// engine builds an engine for g with the pipeline's settings.
func (s *session) engine(p *config.Pipeline, g *graph.Graph) (*engine.Engine, error) {
	cfg, err := p.EngineConfig()
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid engine settings", err)
	}
	e, err := engine.New(g, s.ledger, s.payloads,
		engine.WithConfig(cfg),
		engine.WithLogger(s.logger),
		engine.WithMetrics(engine.NewMetrics(prometheus.NewRegistry())),
	)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to create engine", err)
	}
	return e, nil
}

// loadPipeline loads a pipeline file and builds its graph with the
// builtin plugins.
func loadPipeline(path string) (*config.Pipeline, *graph.Graph, error) {
	p, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := p.Build(builtin.NewRegistry())
	if err != nil {
		return nil, nil, err
	}
	return p, g, nil
}

// errorCode maps a graph or file error to its JSON error code.
func errorCode(err error) string {
	var pathErr *os.PathError
	switch {
	case errors.As(err, &pathErr):
		return ErrCodeNotFound
	case ir.IsSchemaError(err):
		return ErrCodeSchema
	case ir.IsStructuralError(err):
		return ErrCodeStructural
	default:
		return ErrCodeGeneric
	}
}

// summaryText renders a run summary for the terminal.
func summaryText(sum engine.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s %s: %s rows\n", sum.RunID, sum.Status, humanize.Comma(sum.Rows))
	kinds := make([]ir.OutcomeKind, 0, len(sum.Outcomes))
	for k := range sum.Outcomes {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-18s %s\n", k, humanize.Comma(int64(sum.Outcomes[k])))
	}
	if sum.Audit.RunID != "" {
		fmt.Fprint(&b, auditText(sum.Audit))
	}
	return strings.TrimRight(b.String(), "\n")
}

func auditText(r ledger.AuditReport) string {
	if r.Clean() {
		return "Audit: clean\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Audit: %s %s\n", humanize.Comma(int64(r.Total())), plural(r.Total(), "gap", "gaps"))
	for _, s := range r.Sections {
		if len(s.Findings) == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s: %s\n", s.Category, humanize.Comma(int64(len(s.Findings))))
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
