package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/ChuLiYu/docflow/internal/status"
)

// ============================================================================
// Control of a running batch
// ============================================================================

const controlTimeout = 5 * time.Second

// withControl dials the control server of the running batch
func withControl(cc *commandContext, fn func(ctx context.Context, c *server.Client) error) error {
	if cc.cfg.Server.Addr == "" {
		return errors.New("no control server address configured (server.addr)")
	}
	client, err := server.Dial(cc.cfg.Server.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return fn(ctx, client)
}

func buildStatusCommand(cc *commandContext) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status [batch-id]",
		Short: "Show live progress of a batch",
		Long: `Without a batch id the control server of the running batch is asked.
With a batch id and status.redis_url configured, the latest snapshot
published to Redis is shown; --follow keeps printing updates.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && cc.cfg.Status.RedisURL != "" {
				return redisStatus(cmd.Context(), cc, args[0], follow)
			}
			return withControl(cc, func(ctx context.Context, c *server.Client) error {
				snap, err := c.Progress(ctx)
				if err != nil {
					return err
				}
				if len(args) == 1 && snap.BatchID != args[0] {
					return fmt.Errorf("running batch is %s, not %s", snap.BatchID, args[0])
				}
				fmt.Fprintf(cc.out, "State %s, %d workers", snap.State, snap.Workers)
				if snap.Paused {
					fmt.Fprint(cc.out, ", intake paused")
				}
				fmt.Fprintln(cc.out)
				renderProgress(cc.out, snap.Progress)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing Redis updates until interrupted")
	return cmd
}

func redisStatus(parent context.Context, cc *commandContext, batchID string, follow bool) error {
	pub, err := status.Dial(parent, cc.cfg.Status.RedisURL,
		status.WithChannel(cc.cfg.Status.Channel),
		status.WithLogger(logging.Component(cc.log, "status")))
	if err != nil {
		return err
	}
	defer pub.Close()

	u, err := pub.Get(parent, batchID)
	switch {
	case errors.Is(err, status.ErrNoStatus) && follow:
	case err != nil:
		return err
	default:
		renderProgress(cc.out, u.Progress)
	}
	if !follow {
		return nil
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return pub.Follow(ctx, batchID, func(u status.Update) {
		renderProgress(cc.out, u.Progress)
	})
}

func buildCancelCommand(cc *commandContext) *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running batch",
		Long: `By default in-flight jobs finish their current phase and a checkpoint is
written. --now also aborts running stage calls.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cc, func(ctx context.Context, c *server.Client) error {
				if err := c.Cancel(ctx, !now); err != nil {
					return err
				}
				fmt.Fprintln(cc.out, "Cancellation requested")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "abort in-flight work immediately")
	return cmd
}

func buildResumeIntakeCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume-intake",
		Short: "Resume dispatch after a critical-error pause",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cc, func(ctx context.Context, c *server.Client) error {
				if err := c.ResumeIntake(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cc.out, "Intake resumed")
				return nil
			})
		},
	}
}

func buildResizeCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resize <workers>",
		Short: "Change the worker count of the running batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("workers must be a positive integer, got %q", args[0])
			}
			return withControl(cc, func(ctx context.Context, c *server.Client) error {
				applied, err := c.Resize(ctx, n)
				if err != nil {
					return err
				}
				fmt.Fprintf(cc.out, "Workers set to %d\n", applied)
				return nil
			})
		},
	}
}
