package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":  zerolog.DebugLevel,
		"WARN":   zerolog.WarnLevel,
		" error": zerolog.ErrorLevel,
		"info":   zerolog.InfoLevel,
		"":       zerolog.InfoLevel,
		"trace":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestConfigure_JSON(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	assert.Equal(t, zerolog.WarnLevel, Configure("warn", "json", &buf))

	log.Info().Msg("hidden")
	log.Warn().Str("folder", "batch-input/job_1_001").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "batch-input/job_1_001", entry["folder"])
}

func TestStartupLogger_Log(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
	var buf bytes.Buffer
	Configure("info", "json", &buf)

	NewStartupLogger("cleanup-lambda").
		S3Bucket("media", "media-bucket").
		DynamoTable("jobs", "batch-jobs").
		EventBus("chunks", "default").
		LambdaFunc("worker", "").
		Feature("dryRun", true).
		Config("minFiles", "100").
		InitDuration(25 * time.Millisecond).
		Log()

	var entry struct {
		Message   string `json:"message"`
		Lambda    map[string]string
		Resources map[string]map[string]string
		Features  map[string]bool
		Config    map[string]string
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Lambda cold start complete", entry.Message)
	assert.Equal(t, "cleanup-lambda", entry.Lambda["name"])
	assert.Equal(t, "media-bucket", entry.Resources["s3Buckets"]["media"])
	assert.Equal(t, "batch-jobs", entry.Resources["dynamoTables"]["jobs"])
	assert.Equal(t, "default", entry.Resources["eventBuses"]["chunks"])
	assert.NotContains(t, entry.Resources, "lambdaFunctions", "empty names are not registered")
	assert.Equal(t, Commit, entry.Lambda["commit"])
	assert.True(t, entry.Features["dryRun"])
	assert.Equal(t, "100", entry.Config["minFiles"])
}
