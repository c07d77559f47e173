package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/cleanup"
	"github.com/fpang/media-batch/internal/dispatch"
	"github.com/fpang/media-batch/internal/manifest"
	"github.com/fpang/media-batch/internal/pipeline"
	"github.com/fpang/media-batch/internal/results"
	"github.com/fpang/media-batch/internal/store"
)

type preparer interface {
	PrepareByIDs(ctx context.Context, runToken, analysis string, ids []string, progress pipeline.ProgressFunc) (*pipeline.Outcome, error)
}

type ingester interface {
	Ingest(ctx context.Context, job *store.BatchJob) (*results.Summary, error)
}

type sweeper interface {
	Run(ctx context.Context, opts cleanup.Options) (*cleanup.Report, error)
	RunLegacy(ctx context.Context, opts cleanup.LegacyOptions) (*cleanup.Report, error)
}

type worker struct {
	prep     preparer
	ingest   ingester
	jobs     store.BatchJobStore
	sweep    sweeper
	handlers map[string]func(context.Context, dispatch.Event) error
}

func newWorker(prep preparer, ing ingester, jobs store.BatchJobStore, sweep sweeper) *worker {
	w := &worker{prep: prep, ingest: ing, jobs: jobs, sweep: sweep}
	w.handlers = map[string]func(context.Context, dispatch.Event) error{
		dispatch.TypePrepare: w.handlePrepare,
		dispatch.TypeIngest:  w.handleIngest,
		dispatch.TypeCleanup: w.handleCleanup,
	}
	return w
}

func (w *worker) handle(ctx context.Context, event dispatch.Event) error {
	start := time.Now()
	log.Info().
		Str("type", event.Type).
		Str("runToken", event.RunToken).
		Str("jobId", event.JobID).
		Int("fileCount", len(event.FileIDs)).
		Msg("Batch worker invoked")

	if err := event.Validate(); err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("Rejected worker event")
		return err
	}
	h, ok := w.handlers[event.Type]
	if !ok {
		return fmt.Errorf("no handler for %q", event.Type)
	}
	if err := h(ctx, event); err != nil {
		log.Error().Err(err).Str("type", event.Type).Dur("elapsed", time.Since(start)).Msg("Worker event failed")
		return err
	}
	log.Info().Str("type", event.Type).Dur("elapsed", time.Since(start)).Msg("Worker event complete")
	return nil
}

func (w *worker) handlePrepare(ctx context.Context, event dispatch.Event) error {
	analysis := event.AnalysisType
	if analysis == "" {
		analysis = manifest.AnalysisCombined
	}
	out, err := w.prep.PrepareByIDs(ctx, event.RunToken, analysis, event.FileIDs, func(p pipeline.Progress) {
		log.Debug().
			Int("chunk", p.ChunkIndex).
			Int("chunks", p.Chunks).
			Str("state", p.State).
			Str("job", p.JobID).
			Msg("Chunk progress")
	})
	if out != nil {
		log.Info().
			Str("runToken", out.RunToken).
			Int("prepared", out.Prepared).
			Int("failed", out.Failed).
			Int("skipped", out.Skipped).
			Msg("Prepare finished")
	}
	if errors.Is(err, pipeline.ErrChunksFailed) {
		// Failed chunks are recorded FAILED on their own jobs.
		return nil
	}
	return err
}

func (w *worker) handleIngest(ctx context.Context, event dispatch.Event) error {
	job, err := w.jobs.GetBatchJob(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", event.JobID, err)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, event.JobID)
	}
	switch job.Status {
	case store.StatusFailed:
		log.Warn().Str("job", job.ID).Str("error", job.Error).Msg("Skipping ingest of failed job")
		return nil
	case store.StatusPending:
		log.Warn().Str("job", job.ID).Msg("Skipping ingest of job that was never submitted")
		return nil
	}
	_, err = w.ingest.Ingest(ctx, job)
	return err
}

func (w *worker) handleCleanup(ctx context.Context, event dispatch.Event) error {
	if event.LegacyDays > 0 {
		_, err := w.sweep.RunLegacy(ctx, cleanup.LegacyOptions{OlderThanDays: event.LegacyDays, DryRun: event.DryRun})
		return err
	}
	_, err := w.sweep.Run(ctx, cleanup.Options{DryRun: event.DryRun})
	return err
}
