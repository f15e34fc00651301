package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/tokenline/internal/engine"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/ledger"
)

// RunOptions holds flags for the run and resume commands.
type RunOptions struct {
	*RootOptions
	Database string
	RunID    string

	// IDGenerator overrides token and row ids (for testing). If nil, the
	// ledger's UUIDv7 generator is used.
	IDGenerator ledger.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline",
		Long: `Run a pipeline to completion, recording every token in the audit
database (created if it does not exist).

Ctrl-C stops the run: in-flight rows finish, the run is marked
interrupted and can be continued with "tokenline resume".

Exit codes:
  0 - Run completed with a clean audit
  1 - Run failed, was interrupted, or left audit gaps
  2 - Command error

Examples:
  tokenline run --db ./audit.db ./orders.yaml
  tokenline run --db ./audit.db --run-id nightly-2024-06-01 ./orders.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, args[0], cmd, false)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run id (default: a new UUID)")

	return cmd
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <pipeline.yaml> <run-id>",
		Short: "Continue an interrupted run",
		Long: `Continue a run from its latest checkpoint. The pipeline must match
the one the run checkpointed with; a changed node configuration or
topology is refused.

Examples:
  tokenline resume --db ./audit.db ./orders.yaml 0190a3c2-...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RunID = args[1]
			return runPipeline(opts, args[0], cmd, true)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runPipeline(opts *RunOptions, path string, cmd *cobra.Command, resume bool) error {
	f := opts.formatter(cmd)
	logger := opts.logger(cmd.ErrOrStderr())

	p, g, err := loadPipeline(path)
	if err != nil {
		_ = f.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load pipeline", err)
	}

	if resume {
		if _, err := os.Stat(opts.Database); err != nil {
			return WrapExitError(ExitCommandError, "database not found", err)
		}
	}
	s, err := openSession(opts.Database, opts.IDGenerator, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	e, err := s.engine(p, g)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sum engine.Summary
	if resume {
		sum, err = e.Resume(ctx, opts.RunID)
		if ir.IsCompatibilityRejected(err) {
			_ = f.Error(ErrCodeStructural, err.Error(), nil)
			return WrapExitError(ExitFailure, "resume refused", err)
		}
	} else {
		if opts.RunID == "" {
			opts.RunID = uuid.NewString()
		}
		sum, err = e.Run(ctx, opts.RunID)
	}
	if sum.RunID == "" {
		return WrapExitError(ExitCommandError, "run did not start", err)
	}

	if f.JSON() {
		if outErr := f.Success(sum); outErr != nil {
			return outErr
		}
	} else if outErr := f.Success(summaryText(sum)); outErr != nil {
		return outErr
	}
	if sum.Status != ir.RunCompleted {
		return WrapExitError(ExitFailure, "run "+string(sum.Status), err)
	}
	return nil
}
