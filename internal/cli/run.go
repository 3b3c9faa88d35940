package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/docflow/internal/ledger"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/manifest"
	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/orchestrator"
	"github.com/ChuLiYu/docflow/internal/queue"
	"github.com/ChuLiYu/docflow/internal/resource"
	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/ChuLiYu/docflow/internal/simulate"
	"github.com/ChuLiYu/docflow/internal/status"
	"github.com/ChuLiYu/docflow/internal/storage/journal"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// run / resume
// ============================================================================

type runFlags struct {
	dir          string
	pattern      string
	batchID      string
	noCheckpoint bool
	workers      int
	quiet        bool
}

func buildRunCommand(cc *commandContext) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [manifest.json]",
		Short: "Process a batch of documents",
		Long: `Process the items listed in a manifest, or every file in --dir matching --pattern.
Stage collaborators are simulated; tune them in the simulate section of the config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args, f)
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), cc, m, f)
		},
	}
	cmd.Flags().StringVar(&f.dir, "dir", "", "process every file in this directory instead of a manifest")
	cmd.Flags().StringVar(&f.pattern, "pattern", "*", "glob applied inside --dir")
	cmd.Flags().StringVar(&f.batchID, "batch-id", "", "batch id (generated when empty)")
	cmd.Flags().BoolVar(&f.noCheckpoint, "no-checkpoint", false, "do not keep resumable state")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "initial worker count (default from config)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "print only the summary")
	return cmd
}

func buildResumeCommand(cc *commandContext) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "resume <batch-id|state.json>",
		Short: "Resume a cancelled batch from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeBatch(cmd.Context(), cc, args[0], f)
		},
	}
	cmd.Flags().BoolVar(&f.noCheckpoint, "no-checkpoint", false, "do not keep resumable state")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "initial worker count (default from config)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "print only the summary")
	return cmd
}

func loadManifest(args []string, f runFlags) (manifest.Manifest, error) {
	switch {
	case len(args) == 1 && f.dir != "":
		return manifest.Manifest{}, errors.New("give either a manifest or --dir, not both")
	case len(args) == 1:
		return manifest.Load(args[0])
	case f.dir != "":
		return manifest.FromDir(f.dir, f.pattern)
	}
	return manifest.Manifest{}, errors.New("a manifest file or --dir is required")
}

func runBatch(ctx context.Context, cc *commandContext, m manifest.Manifest, f runFlags) error {
	cfg := cc.cfg
	id := f.batchID
	if id == "" {
		id = m.BatchID
	}
	if id == "" {
		id = uuid.NewString()
	}

	rt, err := newRuntime(ctx, cc, id)
	if err != nil {
		return err
	}
	defer rt.close()

	sess, err := rt.orch.Run(ctx, orchestrator.Batch{
		ID:                id,
		Items:             m.BatchItems(),
		Stages:            rt.sim.Stages(),
		Policy:            cfg.Retry,
		Concurrency:       rt.concurrency(f.workers),
		CheckpointEnabled: m.Checkpoint(cfg.Checkpoint.Enabled) && !f.noCheckpoint,
	})
	if err != nil {
		return err
	}
	return rt.drive(sess, f.quiet)
}

func resumeBatch(ctx context.Context, cc *commandContext, ref string, f runFlags) error {
	store := cc.snapshots()
	var (
		state types.ProcessingState
		err   error
	)
	if _, statErr := os.Stat(ref); statErr == nil {
		state, err = store.Load(ref)
	} else {
		state, err = store.LoadBatch(ref)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	rt, err := newRuntime(ctx, cc, state.BatchID)
	if err != nil {
		return err
	}
	defer rt.close()

	sess, err := rt.orch.Resume(ctx, state, orchestrator.ResumeOptions{
		Stages:            rt.sim.Stages(),
		Concurrency:       rt.concurrency(f.workers),
		CheckpointEnabled: cc.cfg.Checkpoint.Enabled && !f.noCheckpoint,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cc.out, "Resuming %s: %d of %d jobs already finished\n",
		state.BatchID, len(state.CompletedResults), len(state.Jobs))
	return rt.drive(sess, f.quiet)
}

// ============================================================================
// Runtime wiring
// ============================================================================

// runtime owns the sinks and servers around one session
type runtime struct {
	cc      *commandContext
	orch    *orchestrator.Orchestrator
	sim     *simulate.Simulator
	control *server.Server

	closers []func() error
	bg      errgroup.Group
	stopBg  context.CancelFunc
}

func newRuntime(ctx context.Context, cc *commandContext, batchID string) (*runtime, error) {
	cfg := cc.cfg
	log := cc.log
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	bgCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	rt := &runtime{
		cc:     cc,
		sim:    simulate.New(cfg.SimulateConfig(), logging.Component(log, "simulate")),
		stopBg: stop,
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logging.Component(log, "orchestrator")),
		orchestrator.WithStore(cc.snapshots()),
	}

	if sampler, err := resource.NewSystemSampler(cfg.DataDir); err != nil {
		log.Warn().Err(err).Msg("resource sampling unavailable; worker count stays fixed")
	} else {
		opts = append(opts, orchestrator.WithSampler(sampler))
	}

	reg := prometheus.NewRegistry()
	opts = append(opts, orchestrator.WithMetrics(metrics.NewCollector(reg)))
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		rt.bg.Go(func() error { return metrics.Serve(bgCtx, cfg.Metrics.Addr, reg) })
	}

	if cfg.Ledger.Enabled {
		store, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		opts = append(opts, orchestrator.WithLedger(store))
	}

	if cfg.Journal.Enabled {
		jopts := cfg.JournalOptions()
		jopts.Logger = logging.Component(log, "journal")
		j, err := journal.Open(cfg.JournalPath(batchID), jopts)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.closers = append(rt.closers, j.Close)
		opts = append(opts, orchestrator.WithJournal(j))
	}

	if cfg.Status.RedisURL != "" {
		pub, err := status.Dial(ctx, cfg.Status.RedisURL,
			status.WithChannel(cfg.Status.Channel),
			status.WithTTL(cfg.Status.TTL),
			status.WithLogger(logging.Component(log, "status")))
		if err != nil {
			log.Warn().Err(err).Msg("redis status publishing disabled")
		} else {
			rt.closers = append(rt.closers, pub.Close)
			opts = append(opts, orchestrator.WithStatus(pub))
		}
	}

	if cfg.Server.Enabled && cfg.Server.Addr != "" {
		rt.control = server.New(logging.Component(log, "server"))
		rt.bg.Go(func() error { return rt.control.ListenAndServe(bgCtx, cfg.Server.Addr) })
	}

	rt.orch = orchestrator.New(cfg.Orchestrator(), opts...)
	return rt, nil
}

func (rt *runtime) concurrency(initial int) queue.Concurrency {
	c := rt.cc.cfg.Worker
	if initial > 0 {
		c.Initial = c.Clamp(initial)
	}
	return c
}

// drive attaches the session to the control plane, turns signals into
// cancellation and prints events until the batch completes.
func (rt *runtime) drive(sess *orchestrator.Session, quiet bool) error {
	if rt.control != nil {
		rt.control.Attach(sess)
		defer rt.control.Detach()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		graceful := true
		for {
			select {
			case <-sess.Done():
				return
			case <-sigCh:
				if sess.Cancel(graceful) {
					if graceful {
						fmt.Fprintln(rt.cc.out, "Cancelling: in-flight jobs finish their current phase (interrupt again to stop now)")
					} else {
						fmt.Fprintln(rt.cc.out, "Stopping now")
					}
				}
				graceful = false
			}
		}
	}()

	p := newPrinter(rt.cc.out, quiet)
	for ev := range sess.Events() {
		p.event(ev)
	}
	sum, err := sess.Wait()
	renderSummary(rt.cc.out, sum)
	if err != nil {
		return err
	}
	if sum.WasCancelled {
		return errBatchCancelled
	}
	return nil
}

var errBatchCancelled = errors.New("batch was cancelled")

func (rt *runtime) close() {
	rt.stopBg()
	if err := rt.bg.Wait(); err != nil {
		rt.cc.log.Warn().Err(err).Msg("background server stopped with error")
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.cc.log.Warn().Err(err).Msg("close failed")
		}
	}
	rt.closers = nil
}
