package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/tokenline/internal/checkpoint"
	"github.com/roach88/tokenline/internal/ir"
)

// CheckpointOptions holds flags for the checkpoint commands.
type CheckpointOptions struct {
	*RootOptions
	Database string
}

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or clear a run's checkpoints",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(&cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's checkpoints, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointList(opts, args[0], cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <run-id>",
		Short: "Delete a run's checkpoints",
		Long: `Delete a run's checkpoints. A run without checkpoints resumes
without fingerprint validation, so clear only runs you will not resume
against a changed pipeline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointClear(opts, args[0], cmd)
		},
	})
	return cmd
}

func checkpointManager(opts *CheckpointOptions, cmd *cobra.Command) (*checkpoint.Manager, func(), error) {
	st, err := openExisting(opts.Database)
	if err != nil {
		return nil, nil, err
	}
	m := checkpoint.NewManager(st, checkpoint.WithLogger(opts.logger(cmd.ErrOrStderr())))
	return m, func() { st.Close() }, nil
}

func runCheckpointList(opts *CheckpointOptions, runID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	m, closeFn, err := checkpointManager(opts, cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	cps, err := m.List(context.Background(), runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list checkpoints", err)
	}
	if f.JSON() {
		return f.Success(cps)
	}
	if len(cps) == 0 {
		return f.Success(fmt.Sprintf("No checkpoints for run %s.", runID))
	}
	return f.Success(checkpointText(runID, cps))
}

func checkpointText(runID string, cps []ir.Checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s for run %s:\n", humanize.Comma(int64(len(cps))), plural(len(cps), "checkpoint", "checkpoints"), runID)
	for _, cp := range cps {
		fmt.Fprintf(&b, "  #%-6d %-20s token=%s", cp.SequenceNumber, cp.NodeID, cp.TokenID)
		if cp.AggregationState != "" {
			if st, err := checkpoint.DecodeBatchState(cp.AggregationState); err == nil {
				fmt.Fprintf(&b, " batch=%s (%d buffered)", st.BatchID, len(st.Members))
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func runCheckpointClear(opts *CheckpointOptions, runID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	m, closeFn, err := checkpointManager(opts, cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Clear(context.Background(), runID); err != nil {
		return WrapExitError(ExitCommandError, "failed to clear checkpoints", err)
	}
	if f.JSON() {
		return f.Success(map[string]string{"run_id": runID, "cleared": "true"})
	}
	return f.Success(fmt.Sprintf("Cleared checkpoints for run %s.", runID))
}
