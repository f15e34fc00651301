package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tokenline/internal/config"
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/plugin/builtin"
)

// ValidationResult is the output of the validate command.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Pipeline    string   `json:"pipeline,omitempty"`
	Nodes       int      `json:"nodes"`
	Edges       int      `json:"edges"`
	Joins       int      `json:"joins"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pipeline.yaml>",
		Short: "Check a pipeline without running it",
		Long: `Load a pipeline, build its graph with the builtin plugins and check
every edge's schemas. Nothing is written.

Exit codes:
  0 - Pipeline is valid
  1 - Pipeline is invalid
  2 - Command error

Examples:
  tokenline validate ./orders.yaml
  tokenline validate ./orders.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	p, err := config.Load(path)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			_ = f.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "pipeline not found", err)
		}
		_ = f.Error(ErrCodeParse, err.Error(), nil)
		return WrapExitError(ExitFailure, "invalid pipeline", err)
	}
	f.VerboseLog("loaded %s: %d nodes, %d edges", path, len(p.Nodes), len(p.Edges))

	g, err := p.Build(builtin.NewRegistry())
	if err != nil {
		msgs := errorLines(err)
		_ = f.Error(errorCode(err), msgs[0], msgs)
		return WrapExitError(ExitFailure, "invalid pipeline", err)
	}

	res := ValidationResult{
		Valid:       true,
		Pipeline:    p.Name,
		Nodes:       len(g.Nodes()),
		Edges:       len(g.Edges()),
		Joins:       countJoins(g),
		Fingerprint: g.Fingerprint(),
	}
	if f.JSON() {
		return f.Success(res)
	}
	name := res.Pipeline
	if name == "" {
		name = path
	}
	return f.Success(fmt.Sprintf("✓ %s is valid: %d nodes, %d edges, %d joins\n  fingerprint %s",
		name, res.Nodes, res.Edges, res.Joins, res.Fingerprint))
}

func countJoins(g *graph.Graph) int {
	n := 0
	for _, node := range g.Nodes() {
		if _, ok := g.JoinFor(node.ID()); ok {
			n++
		}
	}
	return n
}

// errorLines splits a joined error into one message per error.
func errorLines(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		if len(out) > 0 {
			return out
		}
	}
	return strings.Split(err.Error(), "\n")
}
