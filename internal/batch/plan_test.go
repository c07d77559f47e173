package batch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func makeFiles(n int, size int64) []File {
	files := make([]File, n)
	for i := range files {
		files[i] = File{
			ID:         fmt.Sprintf("f%04d", i),
			StorageKey: fmt.Sprintf("uploads/f%04d.jpg", i),
			SizeBytes:  size,
		}
	}
	return files
}

func chunkLens(chunks []Chunk) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = c.Len()
	}
	return out
}

// --- Limits Tests ---

func TestLimits_MaxBytes(t *testing.T) {
	assert.Equal(t, int64(4831838208), DefaultLimits().MaxBytes())
	assert.Equal(t, int64(900), Limits{MaxBytesRaw: 1000, SafetyMargin: 0.9}.MaxBytes())
}

func TestLimits_Validate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	bad := []Limits{
		{MinFiles: 1, MaxFiles: 0, MaxBytesRaw: 10, SafetyMargin: 1},
		{MinFiles: -1, MaxFiles: 5, MaxBytesRaw: 10, SafetyMargin: 1},
		{MinFiles: 6, MaxFiles: 5, MaxBytesRaw: 10, SafetyMargin: 1},
		{MinFiles: 1, MaxFiles: 5, MaxBytesRaw: 0, SafetyMargin: 1},
		{MinFiles: 1, MaxFiles: 5, MaxBytesRaw: 10, SafetyMargin: 0},
		{MinFiles: 1, MaxFiles: 5, MaxBytesRaw: 10, SafetyMargin: 1.5},
		{MinFiles: 1, MaxFiles: 5, MaxBytesRaw: 1, SafetyMargin: 0.5},
	}
	for i, l := range bad {
		assert.ErrorIs(t, l.Validate(), ErrInvalidLimits, "case %d", i)
	}
}

// --- Plan Tests ---

func TestPlan_Empty(t *testing.T) {
	chunks, err := Plan(nil, "run1", DefaultLimits())
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestPlan_TooSmall(t *testing.T) {
	_, err := Plan(makeFiles(99, 1024), "run1", DefaultLimits())
	assert.True(t, errors.Is(err, ErrBatchTooSmall))
}

func TestPlan_CountCeiling(t *testing.T) {
	tests := []struct {
		files int
		want  []int
	}{
		{100, []int{100}},
		{150, []int{150}},
		{151, []int{100, 51}},
		{200, []int{100, 100}},
		{300, []int{150, 150}},
		{350, []int{150, 100, 100}},
		{400, []int{150, 150, 100}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.files), func(t *testing.T) {
			chunks, err := Plan(makeFiles(tt.files, 1024), "run1", DefaultLimits())
			require.NoError(t, err)
			assert.Equal(t, tt.want, chunkLens(chunks))
		})
	}
}

func TestPlan_UndersizedTailIsRebalancedNotMerged(t *testing.T) {
	// 150 + 10: merging would give 160 files, over MaxFiles. The tail takes
	// files from its neighbour until the neighbour is at the minimum and is
	// submitted below the minimum.
	limits := DefaultLimits()
	chunks, err := Plan(makeFiles(160, 1024), "run1", limits)
	require.NoError(t, err)

	assert.Equal(t, []int{100, 60}, chunkLens(chunks))
	assert.Equal(t, "f0099", chunks[0].FileIDs[99])
	assert.Equal(t, "f0100", chunks[1].FileIDs[0])
	for _, c := range chunks {
		assert.LessOrEqual(t, c.Len(), limits.MaxFiles)
	}
}

func TestPlan_ByteCeiling(t *testing.T) {
	limits := Limits{MinFiles: 1, MaxFiles: 150, MaxBytesRaw: 1000, SafetyMargin: 0.9}

	chunks, err := Plan(makeFiles(5, 400), "run1", limits)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, chunkLens(chunks))
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TotalSizeBytes, limits.MaxBytes())
	}
}

func TestPlan_OversizedFileGetsOwnChunk(t *testing.T) {
	limits := Limits{MinFiles: 1, MaxFiles: 150, MaxBytesRaw: 1000, SafetyMargin: 0.9}
	files := []File{
		{ID: "small-1", SizeBytes: 10},
		{ID: "huge", SizeBytes: 5000},
		{ID: "small-2", SizeBytes: 10},
	}

	chunks, err := Plan(files, "run1", limits)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"huge"}, chunks[1].FileIDs)
	assert.Equal(t, int64(5000), chunks[1].TotalSizeBytes)
}

func TestPlan_TailBalancedWithinByteCeiling(t *testing.T) {
	limits := Limits{MinFiles: 3, MaxFiles: 10, MaxBytesRaw: 100, SafetyMargin: 1}
	// Bytes close the first chunk after four files. The one-file tail takes
	// "d" and then stops because its neighbour is down to the minimum.
	files := []File{
		{ID: "a", SizeBytes: 25}, {ID: "b", SizeBytes: 25}, {ID: "c", SizeBytes: 25},
		{ID: "d", SizeBytes: 25}, {ID: "e", SizeBytes: 30},
	}

	chunks, err := Plan(files, "run1", limits)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"a", "b", "c"}, chunks[0].FileIDs)
	assert.Equal(t, []string{"d", "e"}, chunks[1].FileIDs)
}

func TestPlan_FolderNames(t *testing.T) {
	chunks, err := Planner{Limits: DefaultLimits(), Prefix: "batch-input"}.Plan(makeFiles(400, 1), "20250301T120000")
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for i, c := range chunks {
		assert.Equal(t, i+1, c.Index)
	}
	assert.Equal(t, "batch-input/job_20250301T120000_001", chunks[0].StorageFolder)
	assert.Equal(t, "batch-input/job_20250301T120000_003", chunks[2].StorageFolder)
	assert.Equal(t, "job_x_012", FolderName("", "x", 12))
}

func TestPlan_RejectsDuplicateIDs(t *testing.T) {
	files := makeFiles(120, 1)
	files[50].ID = files[10].ID

	_, err := Plan(files, "run1", DefaultLimits())
	assert.ErrorIs(t, err, ErrDuplicateFile)
}

func TestPlan_RequiresRunToken(t *testing.T) {
	_, err := Plan(makeFiles(120, 1), "", DefaultLimits())
	assert.Error(t, err)
}

func TestPlan_DoesNotMutateInput(t *testing.T) {
	files := makeFiles(200, 1)
	before := append([]File(nil), files...)

	_, err := Plan(files, "run1", DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, before, files)
}

// --- Property Tests ---

func TestPlan_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limits := Limits{
			MinFiles:     rapid.IntRange(0, 6).Draw(t, "min"),
			MaxBytesRaw:  rapid.Int64Range(100, 2000).Draw(t, "maxBytesRaw"),
			SafetyMargin: 0.9,
		}
		limits.MaxFiles = limits.MinFiles + rapid.IntRange(1, 8).Draw(t, "extra")
		maxBytes := limits.MaxBytes()

		sizes := rapid.SliceOfN(rapid.Int64Range(0, 2500), 0, 80).Draw(t, "sizes")
		files := make([]File, len(sizes))
		for i, s := range sizes {
			files[i] = File{ID: fmt.Sprintf("id-%d", i), StorageKey: fmt.Sprintf("k/%d", i), SizeBytes: s}
		}

		chunks, err := Plan(files, "tok", limits)
		if err != nil {
			if !errors.Is(err, ErrBatchTooSmall) {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(files) == 0 || len(files) >= limits.MinFiles {
				t.Fatalf("too-small error for %d files with min %d", len(files), limits.MinFiles)
			}
			return
		}

		var ids []string
		for i, c := range chunks {
			if c.Index != i+1 {
				t.Fatalf("chunk %d has index %d", i, c.Index)
			}
			if c.StorageFolder != FolderName(DefaultPrefix, "tok", i+1) {
				t.Fatalf("chunk %d folder %q", i, c.StorageFolder)
			}
			if len(c.FileIDs) != len(c.StorageKeys) || len(c.FileIDs) != len(c.SizesBytes) {
				t.Fatalf("chunk %d has mismatched slices", i)
			}
			if c.Len() == 0 || c.Len() > limits.MaxFiles {
				t.Fatalf("chunk %d has %d files (max %d)", i, c.Len(), limits.MaxFiles)
			}

			var sum int64
			for _, s := range c.SizesBytes {
				sum += s
			}
			if sum != c.TotalSizeBytes {
				t.Fatalf("chunk %d total %d != sum %d", i, c.TotalSizeBytes, sum)
			}
			if c.TotalSizeBytes > maxBytes && c.Len() != 1 {
				t.Fatalf("chunk %d has %d bytes over ceiling %d with %d files", i, c.TotalSizeBytes, maxBytes, c.Len())
			}
			ids = append(ids, c.FileIDs...)
		}

		if len(ids) != len(files) {
			t.Fatalf("planned %d ids for %d files", len(ids), len(files))
		}
		for i := range files {
			if ids[i] != files[i].ID {
				t.Fatalf("position %d: got %s, want %s", i, ids[i], files[i].ID)
			}
		}

		// A short tail is only left when nothing more could move into it.
		if n := len(chunks); n >= 2 && chunks[n-1].Len() < limits.MinFiles {
			prev, last := chunks[n-2], chunks[n-1]
			moveable := prev.Len() > limits.MinFiles &&
				last.Len()+1 <= limits.MaxFiles &&
				last.TotalSizeBytes+prev.SizesBytes[prev.Len()-1] <= maxBytes
			if moveable {
				t.Fatalf("tail of %d files could still take from a neighbour of %d", last.Len(), prev.Len())
			}
		}
	})
}
