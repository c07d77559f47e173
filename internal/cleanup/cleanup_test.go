package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/media-batch/internal/folder"
	"github.com/fpang/media-batch/internal/store"
	"github.com/fpang/media-batch/internal/testutil"
)

const bucket = "media"

type fixture struct {
	s3  *testutil.S3
	mem *store.MemStore
	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := testutil.NewS3()
	mem := store.NewMemStore()
	svc := NewService(mem, folder.NewManager(fake, bucket, "batch-output"))
	svc.SetMetricsWriter(io.Discard)
	return &fixture{s3: fake, mem: mem, svc: svc}
}

func (f *fixture) job(t *testing.T, job *store.BatchJob) {
	t.Helper()
	require.NoError(t, f.mem.PutBatchJob(context.Background(), job))
}

// seed writes n input objects of 10 bytes and one 5-byte output object.
func (f *fixture) seed(dir string, n int) {
	for i := 0; i < n; i++ {
		f.s3.Put(bucket, fmt.Sprintf("%s/files/%d.jpg", dir, i), []byte("0123456789"))
	}
	f.s3.Put(bucket, "batch-output/"+dir+"/out.jsonl.out", []byte("12345"))
}

// --- Run Tests ---

func TestRun_OnlyEligibleJobs(t *testing.T) {
	f := newFixture(t)
	f.job(t, &store.BatchJob{ID: "done", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_001"})
	f.job(t, &store.BatchJob{ID: "running", Status: store.StatusRunning, StorageFolder: "batch-input/job_r_002"})
	f.job(t, &store.BatchJob{ID: "legacy", Status: store.StatusCompleted, InputKey: "old/in.jsonl"})
	f.job(t, &store.BatchJob{ID: "cleaned", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_003", CleanupCompletedAt: 1})
	for _, d := range []string{"batch-input/job_r_001", "batch-input/job_r_002", "batch-input/job_r_003"} {
		f.seed(d, 2)
	}

	report, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, &Report{JobsProcessed: 1, JobsCleaned: 1, ObjectsDeleted: 3, BytesFreed: 25, Errors: []JobError{}}, report)

	assert.Empty(t, f.s3.Keys(bucket, "batch-input/job_r_001/"))
	assert.NotEmpty(t, f.s3.Keys(bucket, "batch-input/job_r_002/"))
	assert.NotEmpty(t, f.s3.Keys(bucket, "batch-input/job_r_003/"))

	job, _ := f.mem.GetBatchJob(context.Background(), "done")
	assert.NotZero(t, job.CleanupCompletedAt)
}

func TestRun_DryRunMatchesLiveShape(t *testing.T) {
	f := newFixture(t)
	f.job(t, &store.BatchJob{ID: "a", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_001"})
	f.seed("batch-input/job_r_001", 3)

	dry, err := f.svc.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, f.s3.Keys(bucket, ""), 4, "dry run must not delete")

	job, _ := f.mem.GetBatchJob(context.Background(), "a")
	assert.Zero(t, job.CleanupCompletedAt, "dry run must not mark")

	live, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, dry.JobsProcessed, live.JobsProcessed)
	assert.Equal(t, dry.JobsCleaned, live.JobsCleaned)
	assert.Equal(t, dry.ObjectsDeleted, live.ObjectsDeleted)
	assert.Equal(t, dry.BytesFreed, live.BytesFreed)
	assert.True(t, dry.DryRun)
	assert.False(t, live.DryRun)
}

func TestRun_SecondSweepFindsNothing(t *testing.T) {
	f := newFixture(t)
	f.job(t, &store.BatchJob{ID: "a", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_001"})
	f.seed("batch-input/job_r_001", 1)

	_, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	report, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, report.JobsProcessed)
	assert.Zero(t, report.BytesFreed)
}

func TestRun_FailureDoesNotStopSweep(t *testing.T) {
	f := newFixture(t)
	f.job(t, &store.BatchJob{ID: "a", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_001", CreatedAt: 1})
	f.job(t, &store.BatchJob{ID: "b", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_002", CreatedAt: 2})
	f.seed("batch-input/job_r_001", 2)
	f.seed("batch-input/job_r_002", 2)
	f.s3.DeleteDenied["batch-input/job_r_001/files/1.jpg"] = true

	report, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.JobsProcessed)
	assert.Equal(t, 1, report.JobsCleaned)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "a", report.Errors[0].JobID)

	a, _ := f.mem.GetBatchJob(context.Background(), "a")
	assert.Zero(t, a.CleanupCompletedAt, "failed reclaim must not be marked")
	b, _ := f.mem.GetBatchJob(context.Background(), "b")
	assert.NotZero(t, b.CleanupCompletedAt)

	// The retry picks up the job that failed.
	delete(f.s3.DeleteDenied, "batch-input/job_r_001/files/1.jpg")
	report, err = f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.JobsCleaned)
	assert.Equal(t, 1, report.ObjectsDeleted)
}

// racingStore marks the job cleaned between listing and marking.
type racingStore struct {
	*store.MemStore
}

func (r racingStore) MarkCleanupCompleted(ctx context.Context, jobID string, at time.Time) error {
	_ = r.MemStore.MarkCleanupCompleted(ctx, jobID, at)
	return r.MemStore.MarkCleanupCompleted(ctx, jobID, at)
}

func TestRun_LostMarkerRaceIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.svc = NewService(racingStore{f.mem}, folder.NewManager(f.s3, bucket, "batch-output"))
	f.svc.SetMetricsWriter(io.Discard)
	f.job(t, &store.BatchJob{ID: "a", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_001"})
	f.seed("batch-input/job_r_001", 1)

	report, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Zero(t, report.JobsCleaned)
}

type failingList struct{ *store.MemStore }

func (failingList) ListCleanupEligible(context.Context) ([]*store.BatchJob, error) {
	return nil, errors.New("ProvisionedThroughputExceededException")
}

func TestRun_ListFailure(t *testing.T) {
	svc := NewService(failingList{store.NewMemStore()}, folder.NewManager(testutil.NewS3(), bucket, ""))
	svc.SetMetricsWriter(io.Discard)
	_, err := svc.Run(context.Background(), Options{})
	assert.ErrorContains(t, err, "list eligible jobs")
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.job(t, &store.BatchJob{ID: "a", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_001"})
	f.seed("batch-input/job_r_001", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.svc.Run(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.JobsProcessed)
	assert.Len(t, f.s3.Keys(bucket, ""), 2)
}

// --- Legacy Tests ---

func TestRunLegacy(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40).Unix()
	recent := now.AddDate(0, 0, -5).Unix()

	f.job(t, &store.BatchJob{ID: "old", Status: store.StatusCompleted, InputKey: "legacy/old.jsonl", OutputPrefix: "legacy-out/old/", CreatedAt: old})
	f.job(t, &store.BatchJob{ID: "old-missing", Status: store.StatusFailed, InputKey: "legacy/gone.jsonl", CreatedAt: old})
	f.job(t, &store.BatchJob{ID: "recent", Status: store.StatusCompleted, InputKey: "legacy/new.jsonl", CreatedAt: recent})
	f.job(t, &store.BatchJob{ID: "folder", Status: store.StatusCompleted, StorageFolder: "batch-input/job_r_001", CreatedAt: old})
	f.s3.Put(bucket, "legacy/old.jsonl", []byte("1234567"))
	f.s3.Put(bucket, "legacy-out/old/a.out", []byte("123"))
	f.s3.Put(bucket, "legacy/new.jsonl", []byte("1"))

	opts := LegacyOptions{OlderThanDays: 30, Now: func() time.Time { return now }}

	opts.DryRun = true
	dry, err := f.svc.RunLegacy(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, dry.JobsProcessed)
	assert.Equal(t, int64(10), dry.BytesFreed)
	assert.Len(t, f.s3.Keys(bucket, "legacy"), 3)

	opts.DryRun = false
	live, err := f.svc.RunLegacy(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, &Report{JobsProcessed: 2, JobsCleaned: 2, ObjectsDeleted: 2, BytesFreed: 10, Errors: []JobError{}}, live)
	assert.Equal(t, []string{"legacy/new.jsonl"}, f.s3.Keys(bucket, "legacy"))

	again, err := f.svc.RunLegacy(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, again.JobsProcessed)
}

func TestRunLegacy_RequiresAge(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RunLegacy(context.Background(), LegacyOptions{})
	assert.Error(t, err)
}
