// ============================================================================
// docflow CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting document batches
//
// Command Structure:
//   docflow                          # Root command
//   ├── run [manifest.json]          # Process a batch (or --dir with --pattern)
//   ├── resume <batch-id|state.json> # Continue a cancelled batch from its checkpoint
//   ├── states                       # List saved checkpoints
//   ├── history [batch-id]           # Finished batches, or the jobs of one batch
//   ├── journal <batch-id|file>      # Replay a batch's diagnostic journal
//   ├── report <batch-id>            # Export a batch to an XLSX workbook
//   ├── status [batch-id]            # Live progress (control server or Redis)
//   ├── cancel [--now]               # Cancel the running batch
//   ├── resume-intake                # Lift a critical-error pause
//   └── resize <workers>             # Change the worker count of the running batch
//
// Every command accepts --config/-c (YAML or TOML). Logs go to stderr and
// the optional log file; tables and summaries go to stdout.
//
// Signal Handling:
//   run and resume translate the first SIGINT/SIGTERM into a graceful
//   cancel and a second one into an immediate cancel. The summary is printed
//   either way and the checkpoint path is shown when one was saved.
//
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/docflow/internal/config"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/snapshot"
)

// Version is overridden at link time
var Version = "0.1.0"

// commandContext lazily loads configuration and the logger shared by every
// subcommand.
type commandContext struct {
	configPath string
	out        io.Writer
	errOut     *os.File

	cfg *config.Config
	log zerolog.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, warnings, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log, c.errOut)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	for _, w := range warnings {
		log.Warn().Str("component", "config").Msg(w)
	}
	c.cfg = cfg
	c.log = log
	return cfg, nil
}

func (c *commandContext) snapshots() *snapshot.Manager {
	return snapshot.NewManager(c.cfg.Checkpoint.Dir, c.cfg.Checkpoint.MaxStateFiles,
		logging.Component(c.log, "snapshot"))
}

// BuildCLI returns the root command writing to stdout
func BuildCLI() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func newRootCommand(out io.Writer, errOut *os.File) *cobra.Command {
	cc := &commandContext{out: out, errOut: errOut, log: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "docflow",
		Short: "docflow: resilient batch orchestration for document processing",
		Long: `docflow runs batches of documents through ingestion, OCR fallback,
masking, proofreading, extraction and validation with:
- prioritised, resizable worker pools
- classified retries with exponential backoff
- resource-aware scaling and critical-error intake pauses
- graceful or immediate cancellation with resumable checkpoints`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := cc.ensureConfig()
			return err
		},
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVarP(&cc.configPath, "config", "c", "", "config file path (.yaml, .yml or .toml)")

	rootCmd.AddCommand(
		buildRunCommand(cc),
		buildResumeCommand(cc),
		buildStatesCommand(cc),
		buildHistoryCommand(cc),
		buildJournalCommand(cc),
		buildReportCommand(cc),
		buildStatusCommand(cc),
		buildCancelCommand(cc),
		buildResumeIntakeCommand(cc),
		buildResizeCommand(cc),
	)
	return rootCmd
}
