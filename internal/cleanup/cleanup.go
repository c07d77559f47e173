// Package cleanup reclaims the storage of batch jobs whose results have been
// ingested.
//
// A job is eligible when it is COMPLETED, has a storage folder, and has no
// cleanup marker. Live sweeps delete the folder's input and output prefixes
// and then set the marker; dry runs only measure. Legacy jobs, which predate
// folders, are swept by age instead.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/folder"
	"github.com/fpang/media-batch/internal/metrics"
	"github.com/fpang/media-batch/internal/store"
)

// Options controls a folder sweep.
type Options struct {
	DryRun bool
}

// LegacyOptions controls an age-based sweep of legacy jobs. Now defaults to
// time.Now.
type LegacyOptions struct {
	OlderThanDays int
	DryRun        bool
	Now           func() time.Time
}

// JobError records why one job was not cleaned.
type JobError struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// Report is returned by both live and dry-run sweeps. In a dry run
// JobsCleaned counts jobs that would be cleaned and BytesFreed is the
// estimate.
type Report struct {
	DryRun         bool       `json:"dry_run"`
	JobsProcessed  int        `json:"jobs_processed"`
	JobsCleaned    int        `json:"jobs_cleaned"`
	ObjectsDeleted int        `json:"objects_deleted"`
	BytesFreed     int64      `json:"bytes_freed"`
	Errors         []JobError `json:"errors"`
}

func (r *Report) fail(jobID string, err error) {
	r.Errors = append(r.Errors, JobError{JobID: jobID, Error: err.Error()})
}

// Service runs cleanup sweeps.
type Service struct {
	jobs       store.BatchJobStore
	folders    *folder.Manager
	now        func() time.Time
	metricsOut io.Writer
}

// NewService creates a Service.
func NewService(jobs store.BatchJobStore, folders *folder.Manager) *Service {
	return &Service{
		jobs:       jobs,
		folders:    folders,
		now:        time.Now,
		metricsOut: os.Stdout,
	}
}

// SetMetricsWriter redirects the EMF document emitted after each sweep.
func (s *Service) SetMetricsWriter(w io.Writer) { s.metricsOut = w }

// Run sweeps every eligible job. A failure on one job is recorded in the
// report and the sweep continues. The returned error is non-nil only when
// the job list cannot be read or ctx ends the sweep early; the partial
// report is returned with it.
func (s *Service) Run(ctx context.Context, opts Options) (*Report, error) {
	start := s.now()
	report := &Report{DryRun: opts.DryRun, Errors: []JobError{}}

	jobs, err := s.jobs.ListCleanupEligible(ctx)
	if err != nil {
		return report, fmt.Errorf("list eligible jobs: %w", err)
	}
	log.Info().Int("eligible", len(jobs)).Bool("dryRun", opts.DryRun).Msg("Cleanup sweep started")

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			s.finish(report, "folder", start)
			return report, err
		}
		// The registry query may be stale or only approximately filtered.
		if !job.CleanupEligible() {
			log.Debug().Str("job", job.ID).Str("status", job.Status).Msg("Skipping ineligible job")
			continue
		}
		report.JobsProcessed++

		if opts.DryRun {
			u, err := s.folders.MeasureFolder(ctx, job.StorageFolder)
			if err != nil {
				report.fail(job.ID, err)
				continue
			}
			report.JobsCleaned++
			report.ObjectsDeleted += u.Objects()
			report.BytesFreed += u.Bytes()
			continue
		}

		stats, err := s.folders.Reclaim(ctx, job.StorageFolder)
		report.ObjectsDeleted += stats.ObjectsDeleted
		report.BytesFreed += stats.BytesFreed
		if err != nil {
			log.Warn().Err(err).Str("job", job.ID).Str("folder", job.StorageFolder).Msg("Folder reclaim failed")
			report.fail(job.ID, err)
			continue
		}
		s.mark(ctx, report, job)
	}

	s.finish(report, "folder", start)
	return report, nil
}

// RunLegacy sweeps legacy jobs created more than OlderThanDays ago: their
// input object and output prefix are deleted and the cleanup marker set.
func (s *Service) RunLegacy(ctx context.Context, opts LegacyOptions) (*Report, error) {
	if opts.OlderThanDays <= 0 {
		return nil, errors.New("older-than days must be positive")
	}
	now := opts.Now
	if now == nil {
		now = s.now
	}
	start := s.now()
	cutoff := now().AddDate(0, 0, -opts.OlderThanDays).Unix()
	report := &Report{DryRun: opts.DryRun, Errors: []JobError{}}

	jobs, err := s.jobs.ListLegacyJobsBefore(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list legacy jobs: %w", err)
	}
	log.Info().
		Int("candidates", len(jobs)).
		Int("olderThanDays", opts.OlderThanDays).
		Bool("dryRun", opts.DryRun).
		Msg("Legacy cleanup sweep started")

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			s.finish(report, "legacy", start)
			return report, err
		}
		if !job.IsLegacy() || job.CleanupCompletedAt != 0 || job.CreatedAt >= cutoff {
			continue
		}
		report.JobsProcessed++

		if opts.DryRun {
			u, err := s.folders.MeasureLegacy(ctx, job.InputKey, job.OutputPrefix)
			if err != nil {
				report.fail(job.ID, err)
				continue
			}
			report.JobsCleaned++
			report.ObjectsDeleted += u.Objects()
			report.BytesFreed += u.Bytes()
			continue
		}

		stats, err := s.folders.ReclaimLegacy(ctx, job.InputKey, job.OutputPrefix)
		report.ObjectsDeleted += stats.ObjectsDeleted
		report.BytesFreed += stats.BytesFreed
		if err != nil {
			log.Warn().Err(err).Str("job", job.ID).Msg("Legacy reclaim failed")
			report.fail(job.ID, err)
			continue
		}
		s.mark(ctx, report, job)
	}

	s.finish(report, "legacy", start)
	return report, nil
}

// mark sets the cleanup marker after a successful reclaim. Losing the race
// to another sweep is not an error.
func (s *Service) mark(ctx context.Context, report *Report, job *store.BatchJob) {
	err := s.jobs.MarkCleanupCompleted(ctx, job.ID, s.now())
	switch {
	case err == nil:
		report.JobsCleaned++
	case errors.Is(err, store.ErrAlreadyCleaned):
		log.Info().Str("job", job.ID).Msg("Job already marked cleaned by another sweep")
	default:
		log.Warn().Err(err).Str("job", job.ID).Msg("Failed to set cleanup marker")
		report.fail(job.ID, err)
	}
}

func (s *Service) finish(report *Report, mode string, start time.Time) {
	log.Info().
		Str("mode", mode).
		Bool("dryRun", report.DryRun).
		Int("jobsProcessed", report.JobsProcessed).
		Int("jobsCleaned", report.JobsCleaned).
		Int("objectsDeleted", report.ObjectsDeleted).
		Int64("bytesFreed", report.BytesFreed).
		Int("errors", len(report.Errors)).
		Msg("Cleanup sweep finished")

	rec := metrics.New(metrics.Namespace).
		WithWriter(s.metricsOut).
		Dimension("Operation", "cleanup").
		Dimension("Mode", mode).
		Add("JobsProcessed", report.JobsProcessed).
		Add("CleanupErrors", len(report.Errors)).
		Since("CleanupDurationMs", start)
	if !report.DryRun {
		rec.Add("JobsCleaned", report.JobsCleaned).
			Add("ObjectsDeleted", report.ObjectsDeleted).
			Bytes("BytesFreed", report.BytesFreed)
	} else {
		rec.Bytes("BytesReclaimable", report.BytesFreed)
	}
	rec.Flush()
}
