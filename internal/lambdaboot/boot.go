// Package lambdaboot provides shared Lambda cold-start bootstrap logic.
//
// Every Lambda in the project needs some subset of: AWS config, S3, DynamoDB,
// SSM parameter fetch, and startup logging. This package extracts the common
// init patterns so each Lambda's init() is a short composition of helpers.
package lambdaboot

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/config"
	"github.com/fpang/media-batch/internal/dispatch"
	"github.com/fpang/media-batch/internal/events"
	"github.com/fpang/media-batch/internal/logging"
	"github.com/fpang/media-batch/internal/store"
)

// AWSClients holds the core AWS SDK clients used across Lambdas.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// Stores holds the DynamoDB-backed registries.
type Stores struct {
	Jobs  *store.DynamoStore
	Files *store.FileStore
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// LoadConfig reads the environment, applies the SSM limits overlay and
// checks that the named variables are set. Fatals on any error.
func LoadConfig(ssmClient config.SSMAPI, required ...string) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := cfg.Require(required...); err != nil {
		log.Fatal().Err(err).Msg("Missing required configuration")
	}
	if cfg.LimitsParam != "" {
		ssmStart := time.Now()
		if err := cfg.ApplyLimitsParam(context.Background(), ssmClient); err != nil {
			log.Fatal().Err(err).Str("param", cfg.LimitsParam).Msg("Failed to load chunk limits from SSM")
		}
		log.Debug().Str("param", cfg.LimitsParam).Dur("elapsed", time.Since(ssmStart)).Msg("Chunk limits loaded")
	}
	return cfg
}

// InitS3 creates an S3 client.
func InitS3(cfg aws.Config) *s3.Client {
	return s3.NewFromConfig(cfg)
}

// InitStores creates the job and file registries. The file registry is nil
// (with a warning) when no files table is configured.
func InitStores(cfg aws.Config, c *config.Config) Stores {
	if c.JobsTable == "" {
		log.Fatal().Str("envVar", config.EnvJobsTable).Msg("DynamoDB table environment variable is required")
	}
	ddbClient := dynamodb.NewFromConfig(cfg)
	stores := Stores{Jobs: store.NewDynamoStore(ddbClient, c.JobsTable)}
	if c.FilesTable == "" {
		log.Warn().Str("envVar", config.EnvFilesTable).Msg("Files table not set; preparing by file id is disabled")
		return stores
	}
	stores.Files = store.NewFileStore(ddbClient, c.FilesTable)
	return stores
}

// InitPublisher creates the chunk-ready event publisher. An empty bus name
// targets the account's default bus.
func InitPublisher(cfg aws.Config, c *config.Config) *events.Publisher {
	return events.NewPublisher(eventbridge.NewFromConfig(cfg), c.EventBus)
}

// InitDispatcher creates the async worker dispatcher, or nil when no worker
// function is configured.
func InitDispatcher(cfg aws.Config, c *config.Config) *dispatch.Dispatcher {
	if c.WorkerLambdaARN == "" {
		log.Warn().Str("envVar", config.EnvWorkerLambdaARN).Msg("Worker Lambda not set; async dispatch disabled")
		return nil
	}
	return dispatch.New(lambdasvc.NewFromConfig(cfg), c.WorkerLambdaARN)
}

// StartupLog starts a cold-start summary with the resources named in c.
// Unset resources are left out.
func StartupLog(name string, initStart time.Time, c *config.Config) *logging.StartupLogger {
	return logging.NewStartupLogger(name).
		InitDuration(time.Since(initStart)).
		S3Bucket("media", c.Bucket).
		DynamoTable("jobs", c.JobsTable).
		DynamoTable("files", c.FilesTable).
		SSMParam("limits", c.LimitsParam).
		EventBus("chunks", c.EventBus).
		LambdaFunc("worker", c.WorkerLambdaARN).
		Config("inputPrefix", c.InputPrefix).
		Config("outputRoot", c.OutputRoot)
}
