package folder

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/media-batch/internal/testutil"
)

const (
	bucket = "media"
	folder = "batch-input/job_20250301T120000_001"
)

func newManager(t *testing.T) (*Manager, *testutil.S3) {
	t.Helper()
	fake := testutil.NewS3()
	return NewManager(fake, bucket, "batch-output"), fake
}

// --- Stage Tests ---

func TestStage_CopiesWithSanitizedNames(t *testing.T) {
	m, fake := newManager(t)
	keys := []string{
		"uploads/u1/Video Nov 14 2025, 10 02 14 AM_22153_720p15.mov",
		"uploads/u1/Café.jpg",
	}
	for _, k := range keys {
		fake.Put(bucket, k, []byte(k))
	}

	mapping, err := m.Stage(context.Background(), keys, folder)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		keys[0]: folder + "/files/Video_Nov_14_2025_10_02_14_AM_22153_720p15.mov",
		keys[1]: folder + "/files/Cafe.jpg",
	}, mapping)

	for src, dst := range mapping {
		obj, ok := fake.Get(bucket, dst)
		require.True(t, ok, dst)
		assert.Equal(t, []byte(src), obj.Body)

		_, ok = fake.Get(bucket, src)
		assert.True(t, ok, "source %s must not be removed", src)
	}
}

func TestStage_IsIdempotent(t *testing.T) {
	m, fake := newManager(t)
	fake.Put(bucket, "a/x.jpg", []byte("x"))

	first, err := m.Stage(context.Background(), []string{"a/x.jpg"}, folder)
	require.NoError(t, err)
	second, err := m.Stage(context.Background(), []string{"a/x.jpg"}, folder)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, fake.Keys(bucket, folder+"/"), 1)
}

func TestStage_AbortsOnFirstFailure(t *testing.T) {
	m, fake := newManager(t)
	keys := []string{"a/1.jpg", "a/2.jpg", "a/3.jpg"}
	for _, k := range keys {
		fake.Put(bucket, k, []byte("x"))
	}
	boom := errors.New("SlowDown")
	fake.CopyErr = func(src string) error {
		if src == "a/2.jpg" {
			return boom
		}
		return nil
	}

	mapping, err := m.Stage(context.Background(), keys, folder)
	assert.Nil(t, mapping)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "a/2.jpg", se.Key)
	assert.ErrorIs(t, err, boom)

	// The first copy stays for the caller to retry or reclaim; the third never ran.
	assert.Equal(t, []string{folder + "/files/1.jpg"}, fake.Keys(bucket, folder+"/"))
}

func TestStage_RejectsNameCollision(t *testing.T) {
	m, fake := newManager(t)
	keys := []string{"u1/My Photo.jpg", "u2/My, Photo.jpg"}
	for _, k := range keys {
		fake.Put(bucket, k, []byte("x"))
	}

	_, err := m.Stage(context.Background(), keys, folder)
	assert.ErrorIs(t, err, ErrNameCollision)
	assert.Zero(t, fake.Calls("CopyObject"))
}

func TestStage_DuplicateKeyStagedOnce(t *testing.T) {
	m, fake := newManager(t)
	fake.Put(bucket, "u/a.jpg", []byte("x"))

	mapping, err := m.Stage(context.Background(), []string{"u/a.jpg", "u/a.jpg"}, folder)
	require.NoError(t, err)
	assert.Len(t, mapping, 1)
	assert.Equal(t, 1, fake.Calls("CopyObject"))
}

func TestStage_StopsWhenCancelled(t *testing.T) {
	m, fake := newManager(t)
	fake.Put(bucket, "u/a.jpg", []byte("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Stage(ctx, []string{"u/a.jpg"}, folder)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fake.Calls("CopyObject"))
}

func TestStage_InvalidFolder(t *testing.T) {
	m, _ := newManager(t)
	for _, f := range []string{"", "/", "/abs/job", "a/../b"} {
		_, err := m.Stage(context.Background(), []string{"k"}, f)
		assert.ErrorIs(t, err, ErrInvalidFolder, f)
	}
}

// --- Verify / Manifest Tests ---

func TestVerify(t *testing.T) {
	m, fake := newManager(t)
	fake.Put(bucket, "u/a.jpg", []byte("x"))
	mapping, err := m.Stage(context.Background(), []string{"u/a.jpg"}, folder)
	require.NoError(t, err)
	require.NoError(t, m.Verify(context.Background(), mapping))

	mapping["u/b.jpg"] = folder + "/files/b.jpg"
	err = m.Verify(context.Background(), mapping)
	assert.ErrorIs(t, err, ErrStagedObjectMissing)
}

func TestPublishManifest(t *testing.T) {
	m, fake := newManager(t)

	key, err := m.PublishManifest(context.Background(), []byte("{\"recordId\":\"file-1:combined\"}\n"), folder)
	require.NoError(t, err)
	assert.Equal(t, folder+"/manifest.jsonl", key)

	obj, ok := fake.Get(bucket, key)
	require.True(t, ok)
	assert.Equal(t, ManifestContentType, obj.ContentType)

	_, err = m.PublishManifest(context.Background(), nil, folder)
	assert.Error(t, err)
}

// --- Reclaim Tests ---

func seedFolder(fake *testutil.S3, inputs, outputs int) {
	for i := 0; i < inputs; i++ {
		fake.Put(bucket, fmt.Sprintf("%s/files/%05d.jpg", folder, i), []byte("1234"))
	}
	fake.Put(bucket, folder+"/manifest.jsonl", []byte("12"))
	for i := 0; i < outputs; i++ {
		fake.Put(bucket, fmt.Sprintf("batch-output/%s/part-%05d.jsonl.out", folder, i), []byte("123456"))
	}
}

func TestReclaim_TwiceReportsZero(t *testing.T) {
	m, fake := newManager(t)
	seedFolder(fake, 3, 2)
	fake.Put(bucket, "batch-input/job_20250301T120000_0010/files/keep.jpg", []byte("keep"))

	stats, err := m.Reclaim(context.Background(), folder)
	require.NoError(t, err)
	assert.Equal(t, ReclaimStats{ObjectsDeleted: 6, BytesFreed: 3*4 + 2 + 2*6}, stats)
	assert.Empty(t, fake.Keys(bucket, folder+"/"))
	assert.Empty(t, fake.Keys(bucket, "batch-output/"+folder+"/"))
	assert.Len(t, fake.Keys(bucket, "batch-input/job_20250301T120000_0010/"), 1, "sibling folder must survive")

	stats, err = m.Reclaim(context.Background(), folder)
	require.NoError(t, err)
	assert.Equal(t, ReclaimStats{}, stats)
}

func TestReclaim_PaginatesPastOneThousand(t *testing.T) {
	m, fake := newManager(t)
	seedFolder(fake, 2400, 0)

	stats, err := m.Reclaim(context.Background(), folder)
	require.NoError(t, err)
	assert.Equal(t, 2401, stats.ObjectsDeleted)
	assert.Equal(t, 3, fake.Calls("DeleteObjects"))
	assert.Empty(t, fake.Keys(bucket, folder+"/"))
}

func TestReclaim_PerKeyFailureIsReported(t *testing.T) {
	m, fake := newManager(t)
	seedFolder(fake, 3, 1)
	denied := folder + "/files/00001.jpg"
	fake.DeleteDenied[denied] = true

	stats, err := m.Reclaim(context.Background(), folder)
	require.Error(t, err)
	assert.Contains(t, err.Error(), denied)
	assert.Equal(t, 4, stats.ObjectsDeleted)
	assert.Equal(t, []string{denied}, fake.Keys(bucket, folder+"/"))
}

func TestReclaim_RetriesListOnce(t *testing.T) {
	m, fake := newManager(t)
	seedFolder(fake, 2, 0)
	fake.ListFailures = 1

	stats, err := m.Reclaim(context.Background(), folder)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ObjectsDeleted)
}

func TestReclaim_RejectsEmptyFolder(t *testing.T) {
	m, fake := newManager(t)
	seedFolder(fake, 1, 0)

	_, err := m.Reclaim(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidFolder)
	assert.NotEmpty(t, fake.Keys(bucket, ""))
}

// --- Measure Tests ---

func TestMeasureFolder(t *testing.T) {
	m, fake := newManager(t)
	seedFolder(fake, 3, 2)

	u, err := m.MeasureFolder(context.Background(), folder)
	require.NoError(t, err)
	assert.Equal(t, Usage{InputObjects: 4, InputBytes: 14, OutputObjects: 2, OutputBytes: 12}, u)
	assert.Equal(t, 6, u.Objects())
	assert.Equal(t, int64(26), u.Bytes())

	size, err := m.Measure(context.Background(), folder+"/files/")
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	// Measuring never deletes.
	assert.Len(t, fake.Keys(bucket, folder+"/"), 4)
}

func TestOutputPrefix(t *testing.T) {
	m, _ := newManager(t)
	assert.Equal(t, "batch-output/"+folder+"/", m.OutputPrefix(folder))
	assert.Equal(t, folder+"/", InputPrefix(folder))
}

// --- Legacy Tests ---

func TestReclaimLegacy(t *testing.T) {
	m, fake := newManager(t)
	fake.Put(bucket, "legacy/input-42.jsonl", []byte("12345"))
	fake.Put(bucket, "legacy-out/42/a.jsonl.out", []byte("123"))
	fake.Put(bucket, "legacy-out/42/b.jsonl.out", []byte("1"))
	fake.Put(bucket, "legacy-out/420/keep.jsonl.out", []byte("1"))

	u, err := m.MeasureLegacy(context.Background(), "legacy/input-42.jsonl", "legacy-out/42")
	require.NoError(t, err)
	assert.Equal(t, Usage{InputObjects: 1, InputBytes: 5, OutputObjects: 2, OutputBytes: 4}, u)

	stats, err := m.ReclaimLegacy(context.Background(), "legacy/input-42.jsonl", "legacy-out/42")
	require.NoError(t, err)
	assert.Equal(t, ReclaimStats{ObjectsDeleted: 3, BytesFreed: 9}, stats)
	assert.Equal(t, []string{"legacy-out/420/keep.jsonl.out"}, fake.Keys(bucket, "legacy"))

	stats, err = m.ReclaimLegacy(context.Background(), "legacy/input-42.jsonl", "legacy-out/42")
	require.NoError(t, err, "missing input object is not an error")
	assert.Equal(t, ReclaimStats{}, stats)
}

func TestReclaimLegacy_RejectsRootPrefix(t *testing.T) {
	m, fake := newManager(t)
	m.WithInputRoot("batch-input")
	fake.Put(bucket, "batch-output/"+folder+"/part-0.jsonl.out", []byte("0123456789"))
	fake.Put(bucket, "batch-output/batch-input/job_20250301T120000_002/part-0.jsonl.out", []byte("0123456789"))
	fake.Put(bucket, folder+"/manifest.jsonl", []byte("12"))

	for _, prefix := range []string{
		"/",
		"batch-output",
		"batch-output/",
		"batch-input",
		"batch-output/batch-input",
		"legacy",
	} {
		_, err := m.ReclaimLegacy(context.Background(), "", prefix)
		assert.ErrorIs(t, err, ErrInvalidFolder, prefix)

		_, err = m.MeasureLegacy(context.Background(), "", prefix)
		assert.ErrorIs(t, err, ErrInvalidFolder, prefix)
	}
	assert.Len(t, fake.Keys(bucket, "batch-output/"), 2)
	assert.Len(t, fake.Keys(bucket, folder+"/"), 1)
	assert.Zero(t, fake.Calls("DeleteObjects"))
}

func TestReclaimLegacy_AllowsPrefixBelowOutputRoot(t *testing.T) {
	m, fake := newManager(t)
	m.WithInputRoot("batch-input")
	fake.Put(bucket, "batch-output/legacy-42/a.jsonl.out", []byte("123"))

	stats, err := m.ReclaimLegacy(context.Background(), "", "batch-output/legacy-42")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ObjectsDeleted)
}
