package logging

import (
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Build identity, set at link time:
//
//	go build -ldflags="-X github.com/fpang/media-batch/internal/logging.Commit=${COMMIT_HASH} \
//	  -X github.com/fpang/media-batch/internal/logging.BuildTime=$(date -u +%Y%m%dT%H%M%SZ)"
var (
	Commit    = "dev"
	BuildTime = "unknown"
)

// Resource kinds reported under "resources" in the cold-start event.
const (
	kindS3Bucket    = "s3Buckets"
	kindDynamoTable = "dynamoTables"
	kindSSMParam    = "ssmParams"
	kindEventBus    = "eventBuses"
	kindLambda      = "lambdaFunctions"
)

// StartupLogger gathers what a Lambda was configured with during init and
// emits it as one structured event, so a cold start can be read back from
// CloudWatch in a single line.
type StartupLogger struct {
	name         string
	initDuration time.Duration
	resources    map[string]map[string]string
	features     map[string]bool
	config       map[string]string
}

// NewStartupLogger creates a StartupLogger for the named binary.
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:      name,
		resources: make(map[string]map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

func (s *StartupLogger) resource(kind, label, name string) *StartupLogger {
	if name == "" {
		return s
	}
	m, ok := s.resources[kind]
	if !ok {
		m = make(map[string]string)
		s.resources[kind] = m
	}
	m[label] = name
	return s
}

func (s *StartupLogger) S3Bucket(label, name string) *StartupLogger {
	return s.resource(kindS3Bucket, label, name)
}

func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	return s.resource(kindDynamoTable, label, name)
}

// SSMParam registers a parameter path. Values are never logged.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	return s.resource(kindSSMParam, label, path)
}

func (s *StartupLogger) EventBus(label, name string) *StartupLogger {
	return s.resource(kindEventBus, label, name)
}

func (s *StartupLogger) LambdaFunc(label, arn string) *StartupLogger {
	return s.resource(kindLambda, label, arn)
}

// Feature records a boolean switch such as "dryRun".
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config records a non-sensitive setting.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// Log emits the cold-start event at INFO. Empty sections are omitted.
func (s *StartupLogger) Log() {
	evt := log.Info().Dict("lambda", zerolog.Dict().
		Str("name", s.name).
		Str("functionName", os.Getenv("AWS_LAMBDA_FUNCTION_NAME")).
		Str("version", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
		Str("region", os.Getenv("AWS_REGION")).
		Str("memoryMB", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE")).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", os.Getenv(EnvLevel)).
		Str("commit", Commit).
		Str("buildTime", BuildTime))

	if len(s.resources) > 0 {
		res := zerolog.Dict()
		for _, kind := range sortedKeys(s.resources) {
			res = res.Dict(kind, strDict(s.resources[kind]))
		}
		evt = evt.Dict("resources", res)
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for _, k := range sortedKeys(s.features) {
			d = d.Bool(k, s.features[k])
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", strDict(s.config))
	}
	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Lambda cold start complete")
}

func strDict(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for _, k := range sortedKeys(m) {
		d = d.Str(k, m[k])
	}
	return d
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
