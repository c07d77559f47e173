// Package store provides the job registry, file registry and result store
// used by the batch pipeline.
//
// The DynamoDB implementation uses a single-table design for jobs: every
// record for a batch job shares the partition key JOB#{jobId}, with the sort
// key META for the job itself and RESULT#{fileId} for each ingested result.
// Run-level cancel markers live under RUN#{runToken} / CANCEL and expire via
// the expiresAt TTL attribute. Files live in their own table keyed by
// FILE#{fileId}.
//
// MemStore implements the same interfaces in memory for local runs and tests.
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Job statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Result statuses.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// CancelTTL is how long a run cancel marker is kept.
const CancelTTL = 24 * time.Hour

var (
	// ErrAlreadyCleaned is returned by MarkCleanupCompleted when the job's
	// cleanup marker is already set.
	ErrAlreadyCleaned = errors.New("job already cleaned up")

	// ErrJobNotFound is returned when an update targets a missing job.
	ErrJobNotFound = errors.New("job not found")

	// ErrFileNotFound is returned by LookupFiles when an id is unknown.
	ErrFileNotFound = errors.New("file not found")
)

// BatchJob is one chunk's inference job (SK = META).
//
// StorageFolder is empty for legacy jobs, which predate chunked staging and
// instead carry a single InputKey object plus an OutputPrefix.
// CleanupCompletedAt is a Unix timestamp; zero means the folder has not been
// reclaimed.
type BatchJob struct {
	ID                 string   `json:"id" dynamodbav:"-"`
	RunToken           string   `json:"runToken,omitempty" dynamodbav:"runToken,omitempty"`
	ChunkIndex         int      `json:"chunkIndex,omitempty" dynamodbav:"chunkIndex,omitempty"`
	Status             string   `json:"status" dynamodbav:"status"`
	AnalysisType       string   `json:"analysisType,omitempty" dynamodbav:"analysisType,omitempty"`
	StorageFolder      string   `json:"storageFolder,omitempty" dynamodbav:"storageFolder,omitempty"`
	ManifestKey        string   `json:"manifestKey,omitempty" dynamodbav:"manifestKey,omitempty"`
	InputKey           string   `json:"inputKey,omitempty" dynamodbav:"inputKey,omitempty"`
	OutputPrefix       string   `json:"outputPrefix,omitempty" dynamodbav:"outputPrefix,omitempty"`
	FileIDs            []string `json:"fileIds,omitempty" dynamodbav:"fileIds,omitempty"`
	TotalSizeBytes     int64    `json:"totalSizeBytes,omitempty" dynamodbav:"totalSizeBytes,omitempty"`
	ResultCount        int      `json:"resultCount" dynamodbav:"resultCount"`
	FailedCount        int      `json:"failedCount" dynamodbav:"failedCount"`
	Error              string   `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt          int64    `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt          int64    `json:"updatedAt" dynamodbav:"updatedAt"`
	CleanupCompletedAt int64    `json:"cleanupCompletedAt,omitempty" dynamodbav:"cleanupCompletedAt,omitempty"`
}

// IsLegacy reports whether the job predates folder staging.
func (j *BatchJob) IsLegacy() bool { return j.StorageFolder == "" }

// CleanupEligible reports whether the job's folder may be reclaimed:
// completed, folder-based and not yet cleaned.
func (j *BatchJob) CleanupEligible() bool {
	return j.Status == StatusCompleted && j.StorageFolder != "" && j.CleanupCompletedAt == 0
}

// FileRecord is one entry of the file registry.
type FileRecord struct {
	ID         string `json:"id" dynamodbav:"-"`
	StorageKey string `json:"storageKey" dynamodbav:"storageKey"`
	SizeBytes  int64  `json:"sizeBytes" dynamodbav:"sizeBytes"`
	MediaType  string `json:"mediaType,omitempty" dynamodbav:"mediaType,omitempty"`
	Filename   string `json:"filename,omitempty" dynamodbav:"filename,omitempty"`
}

// Result is one ingested inference result (SK = RESULT#{fileId}). Payload
// holds the normalized JSON; Error is set when the record could not be
// parsed.
type Result struct {
	JobID        string `json:"-" dynamodbav:"-"`
	FileID       string `json:"fileId" dynamodbav:"-"`
	RecordID     string `json:"recordId" dynamodbav:"recordId"`
	AnalysisType string `json:"analysisType" dynamodbav:"analysisType"`
	Status       string `json:"status" dynamodbav:"status"`
	Payload      string `json:"payload,omitempty" dynamodbav:"payload,omitempty"`
	Error        string `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt    int64  `json:"createdAt" dynamodbav:"createdAt"`
}

// BatchJobStore is the job registry. Get methods return (nil, nil) when the
// record does not exist. Put methods replace the whole item.
type BatchJobStore interface {
	PutBatchJob(ctx context.Context, job *BatchJob) error
	GetBatchJob(ctx context.Context, jobID string) (*BatchJob, error)

	// UpdateBatchJobStatus sets status (and error, when non-empty) without
	// touching other fields.
	UpdateBatchJobStatus(ctx context.Context, jobID, status, errMsg string) error

	// CompleteBatchJob marks the job COMPLETED with its result counts.
	CompleteBatchJob(ctx context.Context, jobID string, resultCount, failedCount int) error

	// ListCleanupEligible returns COMPLETED folder jobs with no cleanup marker.
	ListCleanupEligible(ctx context.Context) ([]*BatchJob, error)

	// ListLegacyJobsBefore returns uncleaned jobs without a storage folder
	// created before cutoff (Unix seconds).
	ListLegacyJobsBefore(ctx context.Context, cutoff int64) ([]*BatchJob, error)

	// MarkCleanupCompleted sets the cleanup marker. It fails with
	// ErrAlreadyCleaned when the marker is already set and ErrJobNotFound
	// when the job does not exist.
	MarkCleanupCompleted(ctx context.Context, jobID string, at time.Time) error

	// RequestCancel flags a preparation run for cancellation.
	RequestCancel(ctx context.Context, runToken string) error

	// CancelRequested reports whether RequestCancel was called for runToken.
	CancelRequested(ctx context.Context, runToken string) (bool, error)
}

// FileRegistry resolves file ids to storage locations.
type FileRegistry interface {
	// LookupFiles returns records in the order of ids. Unknown ids fail the
	// whole call with ErrFileNotFound.
	LookupFiles(ctx context.Context, ids []string) ([]FileRecord, error)
}

// ResultWriter persists ingested results.
type ResultWriter interface {
	PutResult(ctx context.Context, result *Result) error
}

// ResultReader lists a job's results ordered by file id.
type ResultReader interface {
	ListResults(ctx context.Context, jobID string) ([]*Result, error)
}

// sortJobs orders jobs by creation time, then id.
func sortJobs(jobs []*BatchJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].ID < jobs[j].ID
	})
}
