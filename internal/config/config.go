// Package config reads batch pipeline settings from the environment, with an
// optional SSM Parameter Store overlay for the chunk limits.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/batch"
	"github.com/fpang/media-batch/internal/folder"
	"github.com/fpang/media-batch/internal/pipeline"
)

// Environment variables.
const (
	EnvBucket           = "BATCH_BUCKET"
	EnvInputPrefix      = "BATCH_INPUT_PREFIX"
	EnvOutputRoot       = "BATCH_OUTPUT_ROOT"
	EnvJobsTable        = "BATCH_JOBS_TABLE"
	EnvFilesTable       = "BATCH_FILES_TABLE"
	EnvEventBus         = "BATCH_EVENT_BUS"
	EnvWorkerLambdaARN  = "BATCH_WORKER_LAMBDA_ARN"
	EnvStageConcurrency = "BATCH_STAGE_CONCURRENCY"
	EnvMinFiles         = "BATCH_MIN_FILES_PER_CHUNK"
	EnvMaxFiles         = "BATCH_MAX_FILES_PER_CHUNK"
	EnvMaxBytesRaw      = "BATCH_MAX_BYTES_PER_CHUNK_RAW"
	EnvSafetyMargin     = "BATCH_SAFETY_MARGIN"
	EnvLimitsParam      = "BATCH_LIMITS_SSM_PARAM"
	EnvCleanupDryRun    = "CLEANUP_DRY_RUN"
	EnvCleanupLegacy    = "CLEANUP_LEGACY_DAYS"
)

// Config is the resolved pipeline configuration.
type Config struct {
	Bucket           string
	InputPrefix      string
	OutputRoot       string
	JobsTable        string
	FilesTable       string
	EventBus         string
	WorkerLambdaARN  string
	StageConcurrency int
	Limits           batch.Limits
	LimitsParam      string
	CleanupDryRun    bool

	// CleanupLegacyDays enables the legacy sweep in scheduled cleanup runs
	// when positive.
	CleanupLegacyDays int
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup reads the configuration through lookup. Unset values take
// their defaults; malformed numbers are errors. The result is validated.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Bucket:          get(EnvBucket, ""),
		InputPrefix:     get(EnvInputPrefix, batch.DefaultPrefix),
		OutputRoot:      get(EnvOutputRoot, folder.DefaultOutputRoot),
		JobsTable:       get(EnvJobsTable, ""),
		FilesTable:      get(EnvFilesTable, ""),
		EventBus:        get(EnvEventBus, ""),
		WorkerLambdaARN: get(EnvWorkerLambdaARN, ""),
		LimitsParam:     get(EnvLimitsParam, ""),
		Limits:          batch.DefaultLimits(),
	}

	var err error
	if cfg.StageConcurrency, err = intVar(lookup, EnvStageConcurrency, pipeline.DefaultConcurrency); err != nil {
		return nil, err
	}
	if cfg.Limits.MinFiles, err = intVar(lookup, EnvMinFiles, cfg.Limits.MinFiles); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxFiles, err = intVar(lookup, EnvMaxFiles, cfg.Limits.MaxFiles); err != nil {
		return nil, err
	}
	if v := get(EnvMaxBytesRaw, ""); v != "" {
		if cfg.Limits.MaxBytesRaw, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvMaxBytesRaw, err)
		}
	}
	if v := get(EnvSafetyMargin, ""); v != "" {
		if cfg.Limits.SafetyMargin, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvSafetyMargin, err)
		}
	}
	if v := get(EnvCleanupDryRun, ""); v != "" {
		if cfg.CleanupDryRun, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvCleanupDryRun, err)
		}
	}

	if cfg.CleanupLegacyDays, err = intVar(lookup, EnvCleanupLegacy, 0); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func intVar(lookup func(string) (string, bool), key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// Validate checks the numeric settings. Resource names are
// checked by the binaries that need them.
func (c *Config) Validate() error {
	if c.StageConcurrency <= 0 {
		return fmt.Errorf("%s must be positive, got %d", EnvStageConcurrency, c.StageConcurrency)
	}
	if c.CleanupLegacyDays < 0 {
		return fmt.Errorf("%s must not be negative, got %d", EnvCleanupLegacy, c.CleanupLegacyDays)
	}
	return c.Limits.Validate()
}

// Require returns an error naming the first empty value among the given
// environment variables.
func (c *Config) Require(envVars ...string) error {
	values := map[string]string{
		EnvBucket:          c.Bucket,
		EnvJobsTable:       c.JobsTable,
		EnvFilesTable:      c.FilesTable,
		EnvEventBus:        c.EventBus,
		EnvWorkerLambdaARN: c.WorkerLambdaARN,
	}
	for _, k := range envVars {
		if values[k] == "" {
			return fmt.Errorf("%s is required", k)
		}
	}
	return nil
}

// SSMAPI is the Parameter Store call used by ApplyLimitsParam.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

var _ SSMAPI = (*ssm.Client)(nil)

// limitsOverlay mirrors batch.Limits with optional fields so a parameter may
// override a subset.
type limitsOverlay struct {
	MinFiles     *int     `json:"minFilesPerChunk"`
	MaxFiles     *int     `json:"maxFilesPerChunk"`
	MaxBytesRaw  *int64   `json:"maxBytesPerChunkRaw"`
	SafetyMargin *float64 `json:"safetyMargin"`
}

// ApplyLimitsParam overlays the JSON document stored in LimitsParam onto
// Limits. It does nothing when LimitsParam is empty. The merged limits are
// validated before they replace the current ones.
func (c *Config) ApplyLimitsParam(ctx context.Context, client SSMAPI) error {
	if c.LimitsParam == "" {
		return nil
	}

	start := time.Now()
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(c.LimitsParam)})
	if err != nil {
		return fmt.Errorf("SSM GetParameter %s: %w", c.LimitsParam, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return fmt.Errorf("SSM parameter %s has no value", c.LimitsParam)
	}

	var ov limitsOverlay
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &ov); err != nil {
		return fmt.Errorf("parse %s: %w", c.LimitsParam, err)
	}

	merged := c.Limits
	if ov.MinFiles != nil {
		merged.MinFiles = *ov.MinFiles
	}
	if ov.MaxFiles != nil {
		merged.MaxFiles = *ov.MaxFiles
	}
	if ov.MaxBytesRaw != nil {
		merged.MaxBytesRaw = *ov.MaxBytesRaw
	}
	if ov.SafetyMargin != nil {
		merged.SafetyMargin = *ov.SafetyMargin
	}
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("limits from %s: %w", c.LimitsParam, err)
	}
	c.Limits = merged

	log.Debug().
		Str("param", c.LimitsParam).
		Int("minFiles", merged.MinFiles).
		Int("maxFiles", merged.MaxFiles).
		Int64("maxBytesRaw", merged.MaxBytesRaw).
		Float64("safetyMargin", merged.SafetyMargin).
		Dur("elapsed", time.Since(start)).
		Msg("Chunk limits loaded from SSM")
	return nil
}

// PreparerOptions returns the pipeline options this configuration implies.
func (c *Config) PreparerOptions() pipeline.Options {
	return pipeline.Options{
		Limits:      c.Limits,
		Prefix:      c.InputPrefix,
		Concurrency: c.StageConcurrency,
	}
}
