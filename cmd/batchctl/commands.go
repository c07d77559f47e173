package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/media-batch/internal/batch"
	"github.com/fpang/media-batch/internal/cleanup"
	"github.com/fpang/media-batch/internal/cli"
	"github.com/fpang/media-batch/internal/config"
	"github.com/fpang/media-batch/internal/dispatch"
	"github.com/fpang/media-batch/internal/jobs"
	"github.com/fpang/media-batch/internal/jsonutil"
	"github.com/fpang/media-batch/internal/manifest"
	"github.com/fpang/media-batch/internal/pipeline"
	"github.com/fpang/media-batch/internal/store"
	"github.com/fpang/media-batch/internal/taxonomy"
)

// signalContext cancels on SIGINT or SIGTERM, so long staging or cleanup
// runs stop between objects.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func runTokenOrNow(token string) string {
	if token != "" {
		return token
	}
	return jobs.NewRunToken(time.Now())
}

// --- plan ---

func newPlanCmd() *cobra.Command {
	var filesPath, runToken string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Partition a file list into chunks without touching storage",
		Long: `plan reads a JSON array or JSON Lines of {"id","storageKey","sizeBytes"} objects
and prints the chunk plan. Limits come from BATCH_* variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			files, err := readFiles(cmd, filesPath)
			if err != nil {
				return err
			}
			chunks, err := batch.Planner{Limits: cfg.Limits, Prefix: cfg.InputPrefix}.Plan(files, runTokenOrNow(runToken))
			if err != nil {
				return err
			}
			return cli.WriteJSON(cmd.OutOrStdout(), chunks)
		},
	}
	cmd.Flags().StringVarP(&filesPath, "files", "f", "-", "File list (JSON array or JSON Lines); - for stdin")
	cmd.Flags().StringVar(&runToken, "run-token", "", "Run token (default: current UTC time)")
	return cmd
}

func readFiles(cmd *cobra.Command, path string) ([]batch.File, error) {
	rc, err := cli.OpenInput(path, cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return cli.ReadFileList(rc)
}

// --- prepare ---

func newPrepareCmd() *cobra.Command {
	var filesPath, ids, runToken, analysis string
	var async bool
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Stage chunks, publish manifests and announce them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !manifest.ValidAnalysis(analysis) {
				return fmt.Errorf("unsupported analysis type %q", analysis)
			}
			token := runTokenOrNow(runToken)
			if err := jobs.ValidateRunToken(token); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			if async {
				idList := cli.SplitIDs(ids)
				if len(idList) == 0 {
					return errors.New("--async requires --ids")
				}
				d := loadDeps(config.EnvWorkerLambdaARN)
				if err := d.dispatcher.Invoke(ctx, dispatch.Event{
					Type:         dispatch.TypePrepare,
					RunToken:     token,
					AnalysisType: analysis,
					FileIDs:      idList,
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dispatched run %s (%d files)\n", token, len(idList))
				return nil
			}

			d := loadDeps()
			progress := func(p pipeline.Progress) {
				line := fmt.Sprintf("[%d/%d] %-9s %s (%d files)", p.ChunkIndex, p.Chunks, p.State, p.JobID, p.Files)
				if p.Err != "" {
					line += ": " + p.Err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}

			var out *pipeline.Outcome
			var err error
			if ids != "" {
				out, err = d.preparer().PrepareByIDs(ctx, token, analysis, cli.SplitIDs(ids), progress)
			} else {
				files, rerr := readFiles(cmd, filesPath)
				if rerr != nil {
					return rerr
				}
				out, err = d.preparer().Prepare(ctx, pipeline.Request{RunToken: token, AnalysisType: analysis, Files: files}, progress)
			}
			if out != nil {
				if werr := cli.WriteJSON(cmd.OutOrStdout(), out); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&filesPath, "files", "f", "-", "File list (JSON array or JSON Lines); - for stdin")
	cmd.Flags().StringVar(&ids, "ids", "", "Comma-separated file ids resolved through the files table")
	cmd.Flags().StringVar(&runToken, "run-token", "", "Run token (default: current UTC time); reuse it to resume a run")
	cmd.Flags().StringVarP(&analysis, "analysis", "a", manifest.AnalysisCombined, "Analysis type: combined, classification or description")
	cmd.Flags().BoolVar(&async, "async", false, "Dispatch to the worker Lambda instead of running locally")
	return cmd
}

// --- ingest ---

func newIngestCmd() *cobra.Command {
	var jobID string
	var async bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Read a finished job's output into the result store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			if async {
				d := loadDeps(config.EnvWorkerLambdaARN)
				return d.dispatcher.Invoke(ctx, dispatch.Event{Type: dispatch.TypeIngest, JobID: jobID})
			}

			d := loadDeps()
			job, err := d.jobs.GetBatchJob(ctx, jobID)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
			}
			sum, err := d.ingester().Ingest(ctx, job)
			if err != nil {
				return err
			}
			return cli.WriteJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job id")
	cmd.Flags().BoolVar(&async, "async", false, "Dispatch to the worker Lambda instead of running locally")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// --- cleanup ---

func newCleanupCmd() *cobra.Command {
	var dryRun, yes bool
	var legacyDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim storage of completed jobs",
		Long: `cleanup deletes the staging folder and output prefix of every COMPLETED job
not yet cleaned, then marks it cleaned. With --legacy-days it instead sweeps
legacy jobs (no storage folder) older than that many days.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if legacyDays < 0 {
				return errors.New("--legacy-days must not be negative")
			}
			if !dryRun && !yes && !cli.Confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "Delete reclaimed objects?") {
				return errors.New("aborted")
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			svc := loadDeps().cleaner()
			var report *cleanup.Report
			var err error
			if legacyDays > 0 {
				report, err = svc.RunLegacy(ctx, cleanup.LegacyOptions{OlderThanDays: legacyDays, DryRun: dryRun})
			} else {
				report, err = svc.Run(ctx, cleanup.Options{DryRun: dryRun})
			}
			if report != nil {
				summarize(cmd.ErrOrStderr(), report)
				if werr := cli.WriteJSON(cmd.OutOrStdout(), report); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be reclaimed without deleting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().IntVar(&legacyDays, "legacy-days", 0, "Sweep legacy jobs older than this many days")
	return cmd
}

func summarize(w io.Writer, r *cleanup.Report) {
	verb := "Reclaimed"
	if r.DryRun {
		verb = "Would reclaim"
	}
	fmt.Fprintf(w, "%s %s in %d objects from %d of %d jobs (%d errors)\n",
		verb, cli.FormatBytes(r.BytesFreed), r.ObjectsDeleted, r.JobsCleaned, r.JobsProcessed, len(r.Errors))
}

// --- cancel / status ---

func newCancelCmd() *cobra.Command {
	var runToken string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Stop a preparation run before its remaining chunks start",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := jobs.ValidateRunToken(runToken); err != nil {
				return err
			}
			d := loadDeps()
			if err := d.jobs.RequestCancel(cmd.Context(), runToken); err != nil {
				return err
			}
			log.Info().Str("runToken", runToken).Msg("Cancel requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&runToken, "run-token", "", "Run token to cancel")
	_ = cmd.MarkFlagRequired("run-token")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var jobID string
	var withResults bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a job record",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := loadDeps()
			job, err := d.jobs.GetBatchJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
			}
			out := struct {
				Job     *store.BatchJob `json:"job"`
				Results []*store.Result `json:"results,omitempty"`
			}{Job: job}
			if withResults {
				if out.Results, err = d.jobs.ListResults(cmd.Context(), jobID); err != nil {
					return err
				}
			}
			return cli.WriteJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job id")
	cmd.Flags().BoolVar(&withResults, "results", false, "Include ingested results")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// --- repair / validate ---

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Repair a malformed model response read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := repairInput(cmd)
			if err != nil {
				return err
			}
			return cli.WriteJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Repair and normalize a classification response read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := repairInput(cmd)
			if err != nil {
				return err
			}
			return cli.WriteJSON(cmd.OutOrStdout(), taxonomy.Validate(v, taxonomy.DefaultSpec()))
		},
	}
}

func repairInput(cmd *cobra.Command) (any, error) {
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	v, err := jsonutil.Repair(string(raw))
	if err != nil {
		var pe *jsonutil.ParseError
		if errors.As(err, &pe) {
			fmt.Fprintf(cmd.ErrOrStderr(), "offset: %d\ncontext: %q\ntail: %q\n", pe.Offset, pe.Context, pe.Tail)
		}
		return nil, err
	}
	return v, nil
}
