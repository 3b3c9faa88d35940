package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/docflow/internal/ledger"
	"github.com/ChuLiYu/docflow/internal/report"
	"github.com/ChuLiYu/docflow/internal/storage/journal"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// states / history / journal / report
// ============================================================================

func buildStatesCommand(cc *commandContext) *cobra.Command {
	var remove string
	cmd := &cobra.Command{
		Use:   "states",
		Short: "List saved checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := cc.snapshots()
			if remove != "" {
				if err := store.Delete(remove); err != nil {
					return err
				}
				fmt.Fprintf(cc.out, "Deleted checkpoint %s\n", remove)
				return nil
			}
			infos, err := store.List()
			if err != nil {
				return err
			}
			renderStates(cc.out, infos)
			return nil
		},
	}
	cmd.Flags().StringVar(&remove, "delete", "", "delete the checkpoint of this batch")
	return cmd
}

func buildHistoryCommand(cc *commandContext) *cobra.Command {
	var (
		limit    int
		statuses []string
		remove   bool
	)
	cmd := &cobra.Command{
		Use:   "history [batch-id]",
		Short: "Show finished batches, or the jobs of one batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cc, func(store *ledger.Store) error {
				ctx := cmd.Context()
				if len(args) == 0 {
					batches, err := store.Batches(ctx, limit)
					if err != nil {
						return err
					}
					renderBatches(cc.out, batches)
					return nil
				}
				if remove {
					if err := store.DeleteBatch(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cc.out, "Deleted history of %s\n", args[0])
					return nil
				}
				filter, err := parseStatuses(statuses)
				if err != nil {
					return err
				}
				rec, err := store.Batch(ctx, args[0])
				if err != nil {
					return err
				}
				jobs, err := store.JobResults(ctx, args[0], filter...)
				if err != nil {
					return err
				}
				renderBatches(cc.out, []ledger.BatchRecord{rec})
				renderJobs(cc.out, jobs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of batches to list (0 = all)")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only jobs with these statuses (succeeded, failed, cancelled)")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the recorded history of the batch")
	return cmd
}

func buildJournalCommand(cc *commandContext) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "journal <batch-id|file>",
		Short: "Replay the diagnostic journal of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err != nil {
				path = cc.cfg.JournalPath(args[0])
			}
			if verify {
				n, err := journal.Validate(path)
				if err != nil {
					return fmt.Errorf("journal %s: %w", path, err)
				}
				fmt.Fprintf(cc.out, "%s: %d entries, checksums and sequence ok\n", path, n)
				return nil
			}
			return journal.Replay(path, func(e journal.Entry) error {
				fmt.Fprintln(cc.out, journalLine(e))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "only check checksums and sequence numbers")
	return cmd
}

func buildReportCommand(cc *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "report <batch-id>",
		Short: "Export a recorded batch to an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = args[0] + ".xlsx"
			}
			return withLedger(cc, func(store *ledger.Store) error {
				rec, err := store.Batch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				jobs, err := store.JobResults(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if dir := filepath.Dir(output); dir != "." {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return err
					}
				}
				if err := report.WriteFile(output, rec, jobs); err != nil {
					return err
				}
				fmt.Fprintf(cc.out, "Wrote %s (%d jobs)\n", output, len(jobs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "workbook path (default <batch-id>.xlsx)")
	return cmd
}

func withLedger(cc *commandContext, fn func(*ledger.Store) error) error {
	if !cc.cfg.Ledger.Enabled {
		return fmt.Errorf("batch history is disabled (ledger.enabled = false)")
	}
	store, err := ledger.Open(cc.cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func parseStatuses(in []string) ([]types.JobStatus, error) {
	out := make([]types.JobStatus, 0, len(in))
	for _, s := range in {
		st := types.JobStatus(strings.ToLower(strings.TrimSpace(s)))
		switch st {
		case types.StatusSucceeded, types.StatusFailed, types.StatusCancelled:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown job status %q", s)
		}
	}
	return out, nil
}

func journalLine(e journal.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d %s %-15s", e.Seq, time.UnixMilli(e.Timestamp).Local().Format(stampLayout), e.Type)
	if e.JobID != "" {
		fmt.Fprintf(&b, " %s", e.JobID)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " phase=%s", e.Phase)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.ErrorKind != "" {
		fmt.Fprintf(&b, " kind=%s", e.ErrorKind)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " status=%s", e.Status)
	}
	if e.Workers > 0 {
		fmt.Fprintf(&b, " workers=%d", e.Workers)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %s", e.Message)
	}
	return b.String()
}
