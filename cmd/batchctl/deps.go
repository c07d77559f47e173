package main

import (
	"github.com/fpang/media-batch/internal/cleanup"
	"github.com/fpang/media-batch/internal/config"
	"github.com/fpang/media-batch/internal/dispatch"
	"github.com/fpang/media-batch/internal/folder"
	"github.com/fpang/media-batch/internal/lambdaboot"
	"github.com/fpang/media-batch/internal/pipeline"
	"github.com/fpang/media-batch/internal/results"
	"github.com/fpang/media-batch/internal/s3util"
	"github.com/fpang/media-batch/internal/store"
	"github.com/fpang/media-batch/internal/taxonomy"
)

// deps are the AWS-backed components. Offline commands never build them.
type deps struct {
	cfg        *config.Config
	s3         s3util.Client
	folders    *folder.Manager
	jobs       *store.DynamoStore
	files      store.FileRegistry
	notifier   pipeline.Notifier
	dispatcher *dispatch.Dispatcher
}

func loadDeps(required ...string) *deps {
	awsClients := lambdaboot.InitAWS()
	cfg := lambdaboot.LoadConfig(awsClients.SSM, append([]string{config.EnvBucket, config.EnvJobsTable}, required...)...)
	s3Client := lambdaboot.InitS3(awsClients.Config)
	stores := lambdaboot.InitStores(awsClients.Config, cfg)

	d := &deps{
		cfg:        cfg,
		s3:         s3Client,
		folders:    folder.NewManager(s3Client, cfg.Bucket, cfg.OutputRoot).WithInputRoot(cfg.InputPrefix),
		jobs:       stores.Jobs,
		notifier:   lambdaboot.InitPublisher(awsClients.Config, cfg),
		dispatcher: lambdaboot.InitDispatcher(awsClients.Config, cfg),
	}
	if stores.Files != nil {
		d.files = stores.Files
	}
	return d
}

func (d *deps) preparer() *pipeline.Preparer {
	return pipeline.NewPreparer(d.folders, d.jobs, d.files, d.cfg.PreparerOptions()).
		WithNotifier(d.notifier).
		WithCancelWatcher(d.jobs)
}

func (d *deps) ingester() *results.Ingester {
	return results.NewIngester(d.s3, d.folders, d.jobs, d.jobs, taxonomy.DefaultSpec())
}

func (d *deps) cleaner() *cleanup.Service {
	return cleanup.NewService(d.jobs, d.folders)
}
