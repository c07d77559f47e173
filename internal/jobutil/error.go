// Package jobutil provides shared helpers for batch job lifecycle handling.
package jobutil

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/store"
)

// ErrorWriter persists a job failure.
type ErrorWriter func(ctx context.Context, jobID, errMsg string) error

// StatusWriter returns an ErrorWriter that marks the job FAILED in jobs.
func StatusWriter(jobs store.BatchJobStore) ErrorWriter {
	return func(ctx context.Context, jobID, errMsg string) error {
		return jobs.UpdateBatchJobStatus(ctx, jobID, store.StatusFailed, errMsg)
	}
}

// SetJobError logs the failure and delegates persistence to write.
func SetJobError(ctx context.Context, runToken, jobID, msg string, write ErrorWriter) error {
	log.Error().
		Str("job", jobID).
		Str("runToken", runToken).
		Str("error", msg).
		Msg("Job failed")
	return write(ctx, jobID, msg)
}
