package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockAt(t time.Time) func() time.Time { return func() time.Time { return t } }

// --- Batch Job Tests ---

func TestMemStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.SetClock(clockAt(time.Unix(1000, 0)))

	job := &BatchJob{ID: "j1", Status: StatusPending, StorageFolder: "batch-input/job_r_001", FileIDs: []string{"a"}}
	require.NoError(t, m.PutBatchJob(ctx, job))
	assert.Equal(t, int64(1000), job.CreatedAt)

	require.NoError(t, m.UpdateBatchJobStatus(ctx, "j1", StatusRunning, ""))
	require.NoError(t, m.CompleteBatchJob(ctx, "j1", 10, 2))

	got, err := m.GetBatchJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 10, got.ResultCount)
	assert.Equal(t, 2, got.FailedCount)

	got.FileIDs[0] = "mutated"
	again, _ := m.GetBatchJob(ctx, "j1")
	assert.Equal(t, "a", again.FileIDs[0], "returned jobs are copies")
}

func TestMemStore_MissingJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	got, err := m.GetBatchJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, m.UpdateBatchJobStatus(ctx, "nope", StatusFailed, "x"), ErrJobNotFound)
	assert.ErrorIs(t, m.MarkCleanupCompleted(ctx, "nope", time.Now()), ErrJobNotFound)
}

func TestMemStore_StatusKeepsErrorWhenEmpty(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.PutBatchJob(ctx, &BatchJob{ID: "j", Status: StatusPending}))

	require.NoError(t, m.UpdateBatchJobStatus(ctx, "j", StatusFailed, "copy failed"))
	require.NoError(t, m.UpdateBatchJobStatus(ctx, "j", StatusFailed, ""))

	got, _ := m.GetBatchJob(ctx, "j")
	assert.Equal(t, "copy failed", got.Error)
}

// --- Cleanup Eligibility Tests ---

func TestMemStore_CleanupEligibility(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	put := func(j *BatchJob) { require.NoError(t, m.PutBatchJob(ctx, j)) }

	put(&BatchJob{ID: "done", Status: StatusCompleted, StorageFolder: "f/1", CreatedAt: 2})
	put(&BatchJob{ID: "done-early", Status: StatusCompleted, StorageFolder: "f/0", CreatedAt: 1})
	put(&BatchJob{ID: "running", Status: StatusRunning, StorageFolder: "f/2"})
	put(&BatchJob{ID: "failed", Status: StatusFailed, StorageFolder: "f/3"})
	put(&BatchJob{ID: "legacy", Status: StatusCompleted, InputKey: "old/input.jsonl", CreatedAt: 5})
	put(&BatchJob{ID: "cleaned", Status: StatusCompleted, StorageFolder: "f/4", CleanupCompletedAt: 9})

	jobs, err := m.ListCleanupEligible(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "done-early", jobs[0].ID)
	assert.Equal(t, "done", jobs[1].ID)

	legacy, err := m.ListLegacyJobsBefore(ctx, 6)
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	assert.Equal(t, "legacy", legacy[0].ID)

	legacy, err = m.ListLegacyJobsBefore(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, legacy)
}

func TestMemStore_MarkCleanupCompletedOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.PutBatchJob(ctx, &BatchJob{ID: "j", Status: StatusCompleted, StorageFolder: "f"}))

	require.NoError(t, m.MarkCleanupCompleted(ctx, "j", time.Unix(50, 0)))
	assert.ErrorIs(t, m.MarkCleanupCompleted(ctx, "j", time.Unix(60, 0)), ErrAlreadyCleaned)

	got, _ := m.GetBatchJob(ctx, "j")
	assert.Equal(t, int64(50), got.CleanupCompletedAt)
	assert.False(t, got.CleanupEligible())
}

// --- Cancel Tests ---

func TestMemStore_CancelExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	start := time.Unix(10_000, 0)
	m.SetClock(clockAt(start))

	ok, err := m.CancelRequested(ctx, "run")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.RequestCancel(ctx, "run"))
	ok, _ = m.CancelRequested(ctx, "run")
	assert.True(t, ok)

	m.SetClock(clockAt(start.Add(CancelTTL + time.Second)))
	ok, _ = m.CancelRequested(ctx, "run")
	assert.False(t, ok)
}

// --- Files / Results Tests ---

func TestMemStore_LookupFiles(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.PutFile(ctx, &FileRecord{ID: "a", StorageKey: "u/a.jpg", SizeBytes: 1}))
	require.NoError(t, m.PutFile(ctx, &FileRecord{ID: "b", StorageKey: "u/b.jpg", SizeBytes: 2}))

	recs, err := m.LookupFiles(ctx, []string{"b", "a"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "u/b.jpg", recs[0].StorageKey)
	assert.Equal(t, "u/a.jpg", recs[1].StorageKey)

	_, err = m.LookupFiles(ctx, []string{"a", "zzz"})
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestMemStore_ResultsOverwriteByFile(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.PutResult(ctx, &Result{JobID: "j", FileID: "b", Status: ResultFailed}))
	require.NoError(t, m.PutResult(ctx, &Result{JobID: "j", FileID: "a", Status: ResultOK}))
	require.NoError(t, m.PutResult(ctx, &Result{JobID: "j", FileID: "b", Status: ResultOK}))

	results, err := m.ListResults(ctx, "j")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].FileID)
	assert.Equal(t, ResultOK, results[1].Status)
}
