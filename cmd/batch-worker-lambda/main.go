// Package main provides the batch worker Lambda entry point.
//
// The worker is invoked asynchronously (lambda:Invoke with
// InvocationType=Event) by batchctl or by other pipeline components. Each
// event names one unit of work:
//
//	{"type": "prepare", "runToken": "20250301T120000", "analysisType": "combined", "fileIds": [...]}
//	{"type": "ingest", "jobId": "batch-..."}
//	{"type": "cleanup", "dryRun": false, "legacyDays": 0}
//
// Prepare stages and announces chunks, ingest reads a finished job's output
// into the result store, and cleanup reclaims completed folders.
package main

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/cleanup"
	"github.com/fpang/media-batch/internal/config"
	"github.com/fpang/media-batch/internal/dispatch"
	"github.com/fpang/media-batch/internal/folder"
	"github.com/fpang/media-batch/internal/lambdaboot"
	"github.com/fpang/media-batch/internal/logging"
	"github.com/fpang/media-batch/internal/pipeline"
	"github.com/fpang/media-batch/internal/results"
	"github.com/fpang/media-batch/internal/store"
	"github.com/fpang/media-batch/internal/taxonomy"
)

var coldStart = true

var w *worker

// setup runs once per cold start, before the first event.
func setup() {
	initStart := time.Now()
	logging.Init()

	awsClients := lambdaboot.InitAWS()
	cfg := lambdaboot.LoadConfig(awsClients.SSM, config.EnvBucket, config.EnvJobsTable)
	s3Client := lambdaboot.InitS3(awsClients.Config)
	stores := lambdaboot.InitStores(awsClients.Config, cfg)
	folders := folder.NewManager(s3Client, cfg.Bucket, cfg.OutputRoot).WithInputRoot(cfg.InputPrefix)

	var files store.FileRegistry
	if stores.Files != nil {
		files = stores.Files
	}
	prep := pipeline.NewPreparer(folders, stores.Jobs, files, cfg.PreparerOptions()).
		WithNotifier(lambdaboot.InitPublisher(awsClients.Config, cfg)).
		WithCancelWatcher(stores.Jobs)

	w = newWorker(
		prep,
		results.NewIngester(s3Client, folders, stores.Jobs, stores.Jobs, taxonomy.DefaultSpec()),
		stores.Jobs,
		cleanup.NewService(stores.Jobs, folders),
	)

	lambdaboot.StartupLog("batch-worker-lambda", initStart, cfg).
		EventBus("chunks", cfg.EventBus).
		Feature("prepareByID", stores.Files != nil).
		Config("stageConcurrency", strconv.Itoa(cfg.StageConcurrency)).
		Log()
}

func main() {
	setup()
	lambda.Start(handler)
}

func handler(ctx context.Context, event dispatch.Event) error {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "batch-worker-lambda").Msg("Cold start, first invocation")
	}
	return w.handle(ctx, event)
}
