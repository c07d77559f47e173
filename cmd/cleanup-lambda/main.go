// Package main provides the scheduled cleanup Lambda.
//
// An EventBridge schedule invokes this Lambda periodically. Each run reclaims
// the storage folders of completed batch jobs and marks them cleaned. When
// CLEANUP_LEGACY_DAYS is set, legacy jobs older than that many days are swept
// afterwards. CLEANUP_DRY_RUN=true reports what would be reclaimed without
// deleting anything.
package main

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/cleanup"
	"github.com/fpang/media-batch/internal/config"
	"github.com/fpang/media-batch/internal/folder"
	"github.com/fpang/media-batch/internal/lambdaboot"
	"github.com/fpang/media-batch/internal/logging"
)

var coldStart = true

var (
	service    sweeper
	dryRun     bool
	legacyDays int
)

func setup() {
	initStart := time.Now()
	logging.Init()

	awsClients := lambdaboot.InitAWS()
	cfg := lambdaboot.LoadConfig(awsClients.SSM, config.EnvBucket, config.EnvJobsTable)
	stores := lambdaboot.InitStores(awsClients.Config, cfg)
	folders := folder.NewManager(lambdaboot.InitS3(awsClients.Config), cfg.Bucket, cfg.OutputRoot).WithInputRoot(cfg.InputPrefix)

	service = cleanup.NewService(stores.Jobs, folders)
	dryRun = cfg.CleanupDryRun
	legacyDays = cfg.CleanupLegacyDays

	lambdaboot.StartupLog("cleanup-lambda", initStart, cfg).
		Feature("dryRun", dryRun).
		Config("legacyDays", strconv.Itoa(legacyDays)).
		Log()
}

func main() {
	setup()
	lambda.Start(handler)
}

func handler(ctx context.Context, event events.CloudWatchEvent) (*Result, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "cleanup-lambda").Msg("Cold start, first invocation")
	}
	log.Info().Str("eventId", event.ID).Time("scheduled", event.Time).Msg("Scheduled cleanup triggered")
	return sweep(ctx, service, dryRun, legacyDays)
}
