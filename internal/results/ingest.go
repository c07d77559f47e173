// Package results ingests the output lines of a finished batch job: each
// line's text payload is repaired into JSON, classification payloads are
// normalized against the taxonomy, and every record is persisted as a
// store.Result before the job is marked COMPLETED.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/folder"
	"github.com/fpang/media-batch/internal/jsonutil"
	"github.com/fpang/media-batch/internal/manifest"
	"github.com/fpang/media-batch/internal/metrics"
	"github.com/fpang/media-batch/internal/s3util"
	"github.com/fpang/media-batch/internal/store"
	"github.com/fpang/media-batch/internal/taxonomy"
)

var (
	// ErrJobNotReady is returned for jobs whose inference has not started
	// or has failed; only RUNNING and COMPLETED jobs are ingested.
	ErrJobNotReady = errors.New("job is not ready for ingestion")

	// ErrNoOutput is returned when the output prefix holds no result
	// records yet. The job status is left unchanged.
	ErrNoOutput = errors.New("no result output")
)

// Handler turns one record's text payload into the value persisted for it.
type Handler func(text string) (any, error)

// Summary reports one ingestion.
type Summary struct {
	JobID     string `json:"jobId"`
	Objects   int    `json:"objects"`
	Records   int    `json:"records"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Malformed int    `json:"malformed"`
	Missing   int    `json:"missing"`
}

// Ingester reads job output from S3 and persists results.
type Ingester struct {
	client     s3util.Client
	folders    *folder.Manager
	jobs       store.BatchJobStore
	results    store.ResultWriter
	handlers   map[string]Handler
	metricsOut io.Writer
	now        func() time.Time
}

// NewIngester builds an Ingester with the default handler table.
func NewIngester(client s3util.Client, folders *folder.Manager, jobs store.BatchJobStore, results store.ResultWriter, spec taxonomy.Spec) *Ingester {
	return &Ingester{
		client:     client,
		folders:    folders,
		jobs:       jobs,
		results:    results,
		handlers:   Handlers(spec),
		metricsOut: os.Stdout,
		now:        time.Now,
	}
}

// Handlers returns the dispatch table keyed by analysis type.
func Handlers(spec taxonomy.Spec) map[string]Handler {
	repairOnly := func(text string) (any, error) { return jsonutil.Repair(text) }
	return map[string]Handler{
		manifest.AnalysisCombined:    repairOnly,
		manifest.AnalysisDescription: repairOnly,
		manifest.AnalysisClassification: func(text string) (any, error) {
			v, err := jsonutil.Repair(text)
			if err != nil {
				return nil, err
			}
			return taxonomy.Validate(v, spec), nil
		},
	}
}

// SetMetricsWriter redirects the EMF document emitted per ingestion.
func (in *Ingester) SetMetricsWriter(w io.Writer) { in.metricsOut = w }

// OutputPrefix returns where the job's results are written.
func (in *Ingester) OutputPrefix(job *store.BatchJob) string {
	if job.IsLegacy() {
		return job.OutputPrefix
	}
	return in.folders.OutputPrefix(job.StorageFolder)
}

func isResultObject(key string) bool {
	name := path.Base(key)
	if strings.HasPrefix(name, "manifest.json") && !strings.HasPrefix(name, "manifest.jsonl") {
		// Service-written job summary.
		return false
	}
	return strings.Contains(name, ".jsonl")
}

// Ingest processes every result object of job. A record that cannot be
// parsed is stored as a failed result and does not stop the others. Store
// and storage errors abort the ingestion and leave the job status as is, so
// it can be re-run; results are keyed by file id and overwrite.
func (in *Ingester) Ingest(ctx context.Context, job *store.BatchJob) (*Summary, error) {
	if job.Status != store.StatusRunning && job.Status != store.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotReady, job.ID, job.Status)
	}

	start := in.now()
	prefix := in.OutputPrefix(job)
	if prefix == "" || prefix == "/" {
		return nil, fmt.Errorf("job %s has no output prefix", job.ID)
	}

	objs, err := s3util.ListPrefix(ctx, in.client, in.folders.Bucket(), prefix)
	if err != nil {
		return nil, fmt.Errorf("list output for %s: %w", job.ID, err)
	}

	sum := &Summary{JobID: job.ID}
	seen := make(map[string]bool, len(job.FileIDs))
	for _, obj := range objs {
		if !isResultObject(obj.Key) {
			log.Debug().Str("key", obj.Key).Msg("Skipping non-result object")
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum.Objects++
		if err := in.ingestObject(ctx, job, obj.Key, sum, seen); err != nil {
			return nil, err
		}
	}

	if sum.Records == 0 {
		return sum, fmt.Errorf("%w: %s under %s", ErrNoOutput, job.ID, prefix)
	}

	for _, id := range job.FileIDs {
		if !seen[id] {
			sum.Missing++
		}
	}

	if err := in.jobs.CompleteBatchJob(ctx, job.ID, sum.Succeeded, sum.Failed); err != nil {
		return nil, fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	log.Info().
		Str("job", job.ID).
		Int("objects", sum.Objects).
		Int("records", sum.Records).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("malformed", sum.Malformed).
		Int("missing", sum.Missing).
		Msg("Batch results ingested")

	metrics.New(metrics.Namespace).
		WithWriter(in.metricsOut).
		Dimension("Operation", "ingest").
		Add("ResultsIngested", sum.Succeeded).
		Add("ResultsFailed", sum.Failed+sum.Malformed).
		Add("ResultsMissing", sum.Missing).
		Since("IngestDurationMs", start).
		Property("jobId", job.ID).
		Flush()

	return sum, nil
}

func (in *Ingester) ingestObject(ctx context.Context, job *store.BatchJob, key string, sum *Summary, seen map[string]bool) error {
	rc, err := s3util.OpenObject(ctx, in.client, in.folders.Bucket(), key)
	if err != nil {
		return err
	}
	defer rc.Close()

	records, err := manifest.DecodeOutput(rc)
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}

	for i := range records {
		rec := &records[i]
		sum.Records++
		if rec.LineErr != nil {
			sum.Malformed++
			log.Warn().Err(rec.LineErr).Str("key", key).Int("line", rec.Line).Msg("Malformed output line")
			continue
		}

		fileID, analysis, err := manifest.ParseRecordID(rec.RecordID)
		if err != nil {
			sum.Malformed++
			log.Warn().Err(err).Str("key", key).Int("line", rec.Line).Msg("Output line has no usable record id")
			continue
		}
		seen[fileID] = true

		result := in.process(job, fileID, analysis, rec)
		if result.Status == store.ResultOK {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
		if err := in.results.PutResult(ctx, result); err != nil {
			return fmt.Errorf("persist result %s: %w", rec.RecordID, err)
		}
	}
	return nil
}

func (in *Ingester) process(job *store.BatchJob, fileID, analysis string, rec *manifest.OutputRecord) *store.Result {
	result := &store.Result{
		JobID:        job.ID,
		FileID:       fileID,
		RecordID:     rec.RecordID,
		AnalysisType: analysis,
		Status:       store.ResultFailed,
		CreatedAt:    in.now().Unix(),
	}

	if rec.Failed() {
		result.Error = fmt.Sprintf("inference error %v: %s", rec.Error.Code, rec.Error.Message)
		return result
	}

	handle, ok := in.handlers[analysis]
	if !ok {
		result.Error = fmt.Sprintf("unsupported analysis type %q", analysis)
		return result
	}

	text, err := rec.Text()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	value, err := handle(text)
	if err != nil {
		var perr *jsonutil.ParseError
		if errors.As(err, &perr) {
			log.Warn().
				Str("job", job.ID).
				Str("fileId", fileID).
				Strs("attempted", perr.Attempted).
				Int("offset", perr.Offset).
				Bool("truncated", perr.Truncated).
				Str("tail", perr.Tail).
				Msg("Model output could not be repaired")
		}
		result.Error = err.Error()
		return result
	}

	payload, err := json.Marshal(value)
	if err != nil {
		result.Error = fmt.Sprintf("encode payload: %v", err)
		return result
	}
	result.Status = store.ResultOK
	result.Payload = string(payload)
	return result
}
