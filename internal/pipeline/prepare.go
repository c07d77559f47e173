// Package pipeline prepares batch runs: it plans chunks, stages each chunk's
// files into its own folder, publishes the chunk manifest, records a PENDING
// job and announces the chunk to the inference submitter.
//
// Chunks are prepared concurrently, each in its own folder. A chunk whose
// staging fails never gets a manifest; its job is recorded FAILED and the
// other chunks continue. Preparing the same run again is safe: job ids are
// derived from folder names, and chunks already announced are skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/media-batch/internal/batch"
	"github.com/fpang/media-batch/internal/events"
	"github.com/fpang/media-batch/internal/folder"
	"github.com/fpang/media-batch/internal/jobs"
	"github.com/fpang/media-batch/internal/jobutil"
	"github.com/fpang/media-batch/internal/manifest"
	"github.com/fpang/media-batch/internal/mediatype"
	"github.com/fpang/media-batch/internal/metrics"
	"github.com/fpang/media-batch/internal/store"
)

// DefaultConcurrency is how many chunks are staged at once.
const DefaultConcurrency = 4

// Chunk states reported in Progress and ChunkOutcome.
const (
	StateStaging   = "staging"
	StatePrepared  = "prepared"
	StateFailed    = "failed"
	StateSkipped   = "skipped"
	StateCancelled = "cancelled"
)

// ErrChunksFailed is returned when at least one chunk could not be prepared.
var ErrChunksFailed = errors.New("chunks failed")

// Request describes one preparation run.
type Request struct {
	RunToken     string
	AnalysisType string
	Files        []batch.File
}

// Progress is one state change of one chunk.
type Progress struct {
	RunToken   string
	ChunkIndex int
	Chunks     int
	State      string
	JobID      string
	Files      int
	Err        string
}

// ProgressFunc receives progress updates. Calls are serialized.
type ProgressFunc func(Progress)

// ChunkOutcome is the final state of one chunk.
type ChunkOutcome struct {
	Index          int    `json:"index"`
	JobID          string `json:"jobId"`
	StorageFolder  string `json:"storageFolder"`
	ManifestKey    string `json:"manifestKey,omitempty"`
	Files          int    `json:"files"`
	TotalSizeBytes int64  `json:"totalSizeBytes"`
	State          string `json:"state"`
	Error          string `json:"error,omitempty"`
}

// Outcome reports a run.
type Outcome struct {
	RunToken  string         `json:"runToken"`
	Chunks    []ChunkOutcome `json:"chunks"`
	Prepared  int            `json:"prepared"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Cancelled int            `json:"cancelled"`
}

// Notifier announces prepared chunks.
type Notifier interface {
	PublishChunkReady(ctx context.Context, ev events.ChunkReady) error
}

// CancelWatcher reports whether a run was asked to stop.
type CancelWatcher interface {
	CancelRequested(ctx context.Context, runToken string) (bool, error)
}

// Options configures a Preparer.
type Options struct {
	Limits       batch.Limits
	Prefix       string
	Concurrency  int
	InputBuilder manifest.InputBuilder
}

// Preparer runs preparation. Notifier and CancelWatcher are optional.
type Preparer struct {
	folders    *folder.Manager
	jobs       store.BatchJobStore
	files      store.FileRegistry
	notifier   Notifier
	cancel     CancelWatcher
	planner    batch.Planner
	workers    int
	build      manifest.InputBuilder
	metricsOut io.Writer
}

// NewPreparer creates a Preparer. Zero-valued options take their defaults.
func NewPreparer(folders *folder.Manager, jobStore store.BatchJobStore, files store.FileRegistry, opts Options) *Preparer {
	if opts.Limits == (batch.Limits{}) {
		opts.Limits = batch.DefaultLimits()
	}
	if opts.Prefix == "" {
		opts.Prefix = batch.DefaultPrefix
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Preparer{
		folders:    folders,
		jobs:       jobStore,
		files:      files,
		planner:    batch.Planner{Limits: opts.Limits, Prefix: opts.Prefix},
		workers:    opts.Concurrency,
		build:      opts.InputBuilder,
		metricsOut: os.Stdout,
	}
}

// WithNotifier sets where prepared chunks are announced.
func (p *Preparer) WithNotifier(n Notifier) *Preparer {
	p.notifier = n
	return p
}

// WithCancelWatcher sets the run-level cancel flag source, polled before
// each chunk starts.
func (p *Preparer) WithCancelWatcher(w CancelWatcher) *Preparer {
	p.cancel = w
	return p
}

// SetMetricsWriter redirects the EMF document emitted per run.
func (p *Preparer) SetMetricsWriter(w io.Writer) { p.metricsOut = w }

// PrepareByIDs resolves ids through the file registry and prepares them in
// the given order.
func (p *Preparer) PrepareByIDs(ctx context.Context, runToken, analysis string, ids []string, progress ProgressFunc) (*Outcome, error) {
	if p.files == nil {
		return nil, errors.New("no file registry configured")
	}
	recs, err := p.files.LookupFiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve files: %w", err)
	}

	files := make([]batch.File, len(recs))
	for i, r := range recs {
		files[i] = batch.File{ID: r.ID, StorageKey: r.StorageKey, SizeBytes: r.SizeBytes, MediaType: r.MediaType}
	}
	return p.Prepare(ctx, Request{RunToken: runToken, AnalysisType: analysis, Files: files}, progress)
}

// Prepare plans req and prepares every chunk. Planning errors are returned
// before any storage is touched. Per-chunk failures are reported in the
// Outcome and summarized by an error wrapping ErrChunksFailed. When ctx ends
// the run, chunks not yet started are reported as cancelled and ctx's error
// is returned.
func (p *Preparer) Prepare(ctx context.Context, req Request, progress ProgressFunc) (*Outcome, error) {
	start := time.Now()
	if err := jobs.ValidateRunToken(req.RunToken); err != nil {
		return nil, err
	}
	if !manifest.ValidAnalysis(req.AnalysisType) {
		return nil, fmt.Errorf("unsupported analysis type %q", req.AnalysisType)
	}

	chunks, err := p.planner.Plan(req.Files, req.RunToken)
	if err != nil {
		return nil, err
	}

	mediaTypes := make(map[string]string, len(req.Files))
	for _, f := range req.Files {
		if t := mediatype.Resolve(f.MediaType, f.StorageKey); t != "" {
			mediaTypes[f.ID] = t
		}
	}

	r := &run{
		Preparer:   p,
		req:        req,
		total:      len(chunks),
		mediaTypes: mediaTypes,
		progress:   progress,
	}
	outcome := &Outcome{RunToken: req.RunToken, Chunks: make([]ChunkOutcome, len(chunks))}

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i := range chunks {
		g.Go(func() error {
			outcome.Chunks[i] = r.chunk(ctx, chunks[i])
			return nil
		})
	}
	_ = g.Wait()

	var files int
	var bytes int64
	for _, c := range outcome.Chunks {
		switch c.State {
		case StatePrepared:
			outcome.Prepared++
			files += c.Files
			bytes += c.TotalSizeBytes
		case StateFailed:
			outcome.Failed++
		case StateSkipped:
			outcome.Skipped++
		case StateCancelled:
			outcome.Cancelled++
		}
	}

	log.Info().
		Str("runToken", req.RunToken).
		Int("chunks", len(chunks)).
		Int("prepared", outcome.Prepared).
		Int("failed", outcome.Failed).
		Int("skipped", outcome.Skipped).
		Int("cancelled", outcome.Cancelled).
		Dur("elapsed", time.Since(start)).
		Msg("Batch run prepared")

	metrics.New(metrics.Namespace).
		WithWriter(p.metricsOut).
		Dimension("Operation", "prepare").
		Add("ChunksPrepared", outcome.Prepared).
		Add("ChunksFailed", outcome.Failed).
		Add("FilesStaged", files).
		Bytes("BytesStaged", bytes).
		Since("PrepareDurationMs", start).
		Property("runToken", req.RunToken).
		Flush()

	if err := ctx.Err(); err != nil {
		return outcome, err
	}
	if outcome.Failed > 0 {
		return outcome, fmt.Errorf("%w: %d of %d", ErrChunksFailed, outcome.Failed, len(chunks))
	}
	return outcome, nil
}

// run holds the state shared by the chunk workers of one Prepare call.
type run struct {
	*Preparer
	req        Request
	total      int
	mediaTypes map[string]string

	mu       sync.Mutex
	progress ProgressFunc
}

func (r *run) report(c batch.Chunk, state, jobID, errMsg string) {
	if r.progress == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress(Progress{
		RunToken:   r.req.RunToken,
		ChunkIndex: c.Index,
		Chunks:     r.total,
		State:      state,
		JobID:      jobID,
		Files:      c.Len(),
		Err:        errMsg,
	})
}

func (r *run) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if r.cancel == nil {
		return false
	}
	stop, err := r.cancel.CancelRequested(ctx, r.req.RunToken)
	if err != nil {
		log.Warn().Err(err).Str("runToken", r.req.RunToken).Msg("Cancel flag check failed; continuing")
		return false
	}
	return stop
}

func (r *run) chunk(ctx context.Context, c batch.Chunk) ChunkOutcome {
	jobID := jobs.FolderJobID(c.StorageFolder)
	out := ChunkOutcome{
		Index:          c.Index,
		JobID:          jobID,
		StorageFolder:  c.StorageFolder,
		Files:          c.Len(),
		TotalSizeBytes: c.TotalSizeBytes,
	}

	if r.cancelled(ctx) {
		out.State = StateCancelled
		r.report(c, out.State, jobID, "")
		return out
	}

	existing, err := r.jobs.GetBatchJob(ctx, jobID)
	if err != nil {
		return r.fail(ctx, c, out, nil, fmt.Errorf("read job: %w", err))
	}
	if alreadyPrepared(existing) {
		log.Info().Str("job", jobID).Str("status", existing.Status).Int("chunk", c.Index).Msg("Chunk already prepared, skipping")
		out.State = StateSkipped
		out.ManifestKey = existing.ManifestKey
		r.report(c, out.State, jobID, "")
		return out
	}

	job := &store.BatchJob{
		ID:             jobID,
		RunToken:       r.req.RunToken,
		ChunkIndex:     c.Index,
		Status:         store.StatusPending,
		AnalysisType:   r.req.AnalysisType,
		StorageFolder:  c.StorageFolder,
		FileIDs:        c.FileIDs,
		TotalSizeBytes: c.TotalSizeBytes,
	}
	if err := r.jobs.PutBatchJob(ctx, job); err != nil {
		out.State = StateFailed
		out.Error = fmt.Sprintf("create job: %v", err)
		log.Error().Err(err).Str("job", jobID).Msg("Failed to create job record")
		r.report(c, out.State, jobID, out.Error)
		return out
	}
	r.report(c, StateStaging, jobID, "")

	staged, err := r.folders.Stage(ctx, c.StorageKeys, c.StorageFolder)
	if err != nil {
		return r.fail(ctx, c, out, job, err)
	}
	if err := r.folders.Verify(ctx, staged); err != nil {
		return r.fail(ctx, c, out, job, err)
	}

	records, err := manifest.Build(c, staged, r.folders.Bucket(), r.req.AnalysisType, r.mediaTypes, r.build)
	if err != nil {
		return r.fail(ctx, c, out, job, err)
	}
	body, err := manifest.Encode(records)
	if err != nil {
		return r.fail(ctx, c, out, job, err)
	}
	manifestKey, err := r.folders.PublishManifest(ctx, body, c.StorageFolder)
	if err != nil {
		return r.fail(ctx, c, out, job, err)
	}

	job.ManifestKey = manifestKey
	job.OutputPrefix = r.folders.OutputPrefix(c.StorageFolder)
	if err := r.jobs.PutBatchJob(ctx, job); err != nil {
		return r.fail(ctx, c, out, job, fmt.Errorf("record manifest: %w", err))
	}

	if r.notifier != nil {
		err := r.notifier.PublishChunkReady(ctx, events.ChunkReady{
			JobID:          jobID,
			RunToken:       r.req.RunToken,
			ChunkIndex:     c.Index,
			AnalysisType:   r.req.AnalysisType,
			Bucket:         r.folders.Bucket(),
			StorageFolder:  c.StorageFolder,
			ManifestKey:    manifestKey,
			OutputPrefix:   job.OutputPrefix,
			FileCount:      c.Len(),
			TotalSizeBytes: c.TotalSizeBytes,
		})
		if err != nil {
			return r.fail(ctx, c, out, job, fmt.Errorf("announce chunk: %w", err))
		}
	}

	out.State = StatePrepared
	out.ManifestKey = manifestKey
	log.Info().
		Str("job", jobID).
		Int("chunk", c.Index).
		Int("files", c.Len()).
		Int64("bytes", c.TotalSizeBytes).
		Str("manifest", manifestKey).
		Msg("Chunk prepared")
	r.report(c, out.State, jobID, "")
	return out
}

// alreadyPrepared reports whether a previous run got the chunk past
// manifest publication. FAILED jobs are prepared again.
func alreadyPrepared(job *store.BatchJob) bool {
	if job == nil {
		return false
	}
	switch job.Status {
	case store.StatusRunning, store.StatusCompleted:
		return true
	case store.StatusPending:
		return job.ManifestKey != ""
	}
	return false
}

func (r *run) fail(ctx context.Context, c batch.Chunk, out ChunkOutcome, job *store.BatchJob, cause error) ChunkOutcome {
	out.State = StateFailed
	out.Error = cause.Error()

	if job != nil {
		// Record the failure even if ctx was cancelled mid-chunk.
		writeCtx := context.WithoutCancel(ctx)
		if err := jobutil.SetJobError(writeCtx, r.req.RunToken, job.ID, out.Error, jobutil.StatusWriter(r.jobs)); err != nil {
			log.Error().Err(err).Str("job", job.ID).Msg("Failed to record job error")
		}
	} else {
		log.Error().Err(cause).Str("job", out.JobID).Int("chunk", c.Index).Msg("Chunk preparation failed")
	}
	r.report(c, out.State, out.JobID, out.Error)
	return out
}
