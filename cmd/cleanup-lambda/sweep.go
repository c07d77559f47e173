package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/cleanup"
)

type sweeper interface {
	Run(ctx context.Context, opts cleanup.Options) (*cleanup.Report, error)
	RunLegacy(ctx context.Context, opts cleanup.LegacyOptions) (*cleanup.Report, error)
}

// Result is the Lambda response.
type Result struct {
	Folders *cleanup.Report `json:"folders"`
	Legacy  *cleanup.Report `json:"legacy,omitempty"`
}

// sweep runs the folder sweep and, when legacyDays is positive, the legacy
// sweep. A folder sweep error stops the run before the legacy sweep.
func sweep(ctx context.Context, s sweeper, dryRun bool, legacyDays int) (*Result, error) {
	res := &Result{}

	report, err := s.Run(ctx, cleanup.Options{DryRun: dryRun})
	res.Folders = report
	if err != nil {
		log.Error().Err(err).Msg("Folder sweep failed")
		return res, err
	}

	if legacyDays <= 0 {
		return res, nil
	}
	report, err = s.RunLegacy(ctx, cleanup.LegacyOptions{OlderThanDays: legacyDays, DryRun: dryRun})
	res.Legacy = report
	if err != nil {
		log.Error().Err(err).Int("legacyDays", legacyDays).Msg("Legacy sweep failed")
		return res, err
	}
	return res, nil
}
