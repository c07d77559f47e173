// Command batchctl operates the media batch pipeline from a terminal: it
// plans and prepares runs, ingests finished jobs, cancels runs, sweeps
// storage, and repairs or validates single model responses.
//
// Configuration comes from the same BATCH_* environment variables the
// Lambdas read.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/media-batch/internal/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "batchctl",
		Short: "Operate the media batch-inference pipeline",
		Long: `batchctl plans batch runs, stages chunks into their storage folders,
ingests finished jobs and reclaims storage.

Examples:
  batchctl plan --files files.json
  batchctl prepare --files files.json --analysis classification
  batchctl prepare --ids a1,b2,c3 --async
  batchctl ingest --job batch-6f1c...
  batchctl cleanup --dry-run
  batchctl cleanup --legacy-days 30
  batchctl cancel --run-token 20250301T120000
  echo '{"family": "landscape",}' | batchctl repair`,
		Version:      logging.Commit + " (" + logging.BuildTime + ")",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init()
		},
	}

	root.AddCommand(
		newPlanCmd(),
		newPrepareCmd(),
		newIngestCmd(),
		newCleanupCmd(),
		newCancelCmd(),
		newStatusCmd(),
		newRepairCmd(),
		newValidateCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("batchctl failed")
		os.Exit(1)
	}
}
