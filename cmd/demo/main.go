// Command demo runs a simulated batch, cancels it part way through and
// resumes it from the checkpoint, printing what the orchestrator reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/orchestrator"
	"github.com/ChuLiYu/docflow/internal/queue"
	"github.com/ChuLiYu/docflow/internal/simulate"
	"github.com/ChuLiYu/docflow/internal/snapshot"
	"github.com/ChuLiYu/docflow/pkg/types"
)

func main() {
	items := flag.Int("items", 60, "number of synthetic documents")
	cancelAt := flag.Int("cancel-at", 25, "cancel gracefully once this percentage completes (0 = never)")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Pretty: "auto"}, os.Stderr)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}

	dir, err := os.MkdirTemp("", "docflow-demo-*")
	if err != nil {
		log.Fatalf("create state dir: %v", err)
	}
	defer os.RemoveAll(dir)

	simCfg := simulate.DefaultConfig()
	simCfg.Delay = 20 * time.Millisecond
	simCfg.TemporaryRate = 0.08
	simCfg.PermanentRate = 0.02
	sim := simulate.New(simCfg, logging.Component(logger, "simulate"))
	sim.Inject("doc-007.pdf", types.PhaseExtraction, types.KindTemporary, 2)
	sim.Inject("doc-013.pdf", types.PhaseValidation, types.KindPermanent, -1)
	sim.Inject("doc-021.pdf", types.PhaseOCRFallback, types.KindCritical, 1)

	cfg := orchestrator.DefaultConfig()
	cfg.CriticalCooldown = 500 * time.Millisecond
	store := snapshot.NewManager(dir, 5, logging.Component(logger, "snapshot"))
	orch := orchestrator.New(cfg,
		orchestrator.WithLogger(logging.Component(logger, "orchestrator")),
		orchestrator.WithStore(store),
	)

	batch := make([]orchestrator.Item, 0, *items)
	for i := 1; i <= *items; i++ {
		it := orchestrator.Item{Ref: fmt.Sprintf("doc-%03d.pdf", i)}
		if i%10 == 0 {
			it.Priority = types.PriorityUrgent
		}
		batch = append(batch, it)
	}
	policy := types.DefaultRetryPolicy()
	policy.BaseDelay = 50 * time.Millisecond
	conc := queue.Concurrency{Min: 1, Max: 6, Initial: 4}

	ctx := context.Background()
	sess, err := orch.Run(ctx, orchestrator.Batch{
		ID:                "demo",
		Items:             batch,
		Stages:            sim.Stages(),
		Policy:            policy,
		Concurrency:       conc,
		CheckpointEnabled: true,
	})
	if err != nil {
		log.Fatalf("start batch: %v", err)
	}
	fmt.Printf("Started batch %s with %d documents\n", sess.ID(), *items)

	sum := watch(sess, *cancelAt)
	if !sum.StateSaved {
		return
	}

	fmt.Printf("\nResuming from %s\n", sum.StatePath)
	state, err := store.LoadBatch(sum.BatchID)
	if err != nil {
		log.Fatalf("load checkpoint: %v", err)
	}
	resumed, err := orch.Resume(ctx, state, orchestrator.ResumeOptions{
		Stages:            sim.Stages(),
		Concurrency:       conc,
		CheckpointEnabled: true,
	})
	if err != nil {
		log.Fatalf("resume: %v", err)
	}
	watch(resumed, 0)
	fmt.Printf("\nStage calls made: %d\n", sim.Calls())
}

// watch prints events until the session ends. A graceful cancel is issued
// at the cancelAt milestone.
func watch(sess *orchestrator.Session, cancelAt int) types.Summary {
	for ev := range sess.Events() {
		switch ev.Type {
		case orchestrator.EventMilestone:
			p := ev.Progress
			fmt.Printf("  %3d%%  %d/%d done, %.0f items/min\n", ev.Milestone, p.CompletedJobs, p.TotalJobs, p.ThroughputItemsPerMin)
			if cancelAt > 0 && ev.Milestone >= cancelAt && sess.Cancel(true) {
				fmt.Println("  cancelling gracefully")
			}
		case orchestrator.EventRetryAttempted:
			fmt.Printf("  retry %s %s attempt %d (%s)\n", ev.Retry.JobID, ev.Retry.Phase, ev.Retry.AttemptNumber, ev.Retry.ErrorKind)
		case orchestrator.EventIntakePaused, orchestrator.EventIntakeResumed:
			fmt.Printf("  %s %s\n", ev.Type, ev.Message)
		case orchestrator.EventWorkersResized:
			fmt.Printf("  workers -> %d\n", ev.Workers)
		case orchestrator.EventCancellationConfirmed:
			fmt.Printf("  cancellation confirmed: %s\n", ev.Message)
		}
	}

	sum, err := sess.Wait()
	if err != nil {
		log.Fatalf("batch %s: %v", sess.ID(), err)
	}
	fmt.Printf("\nBatch %s: %d succeeded, %d failed, %d cancelled of %d in %s (avg confidence %.2f)\n",
		sum.BatchID, sum.Succeeded, sum.Failed, sum.Cancelled, sum.Total,
		sum.Elapsed.Round(time.Millisecond), sum.AvgConfidence)
	for _, f := range sum.Failures {
		fmt.Printf("  %s %s: %s\n", f.JobID, f.Status, f.Reason)
	}
	return sum
}
