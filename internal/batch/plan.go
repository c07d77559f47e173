// Package batch partitions an ordered file list into chunks sized for bulk
// inference jobs. Two ceilings apply at once: a file count and a byte size
// (the provider's hard limit less a safety margin). Planning is pure and safe
// for concurrent use.
package batch

import (
	"errors"
	"fmt"
	"math"
	"path"

	"github.com/rs/zerolog/log"
)

// Default chunk limits. All of them can be overridden through config.
const (
	DefaultMinFiles           = 100
	DefaultMaxFiles           = 150
	DefaultMaxBytesRaw  int64 = 5 * 1024 * 1024 * 1024
	DefaultSafetyMargin       = 0.9

	// DefaultPrefix is the storage prefix chunk folders are created under.
	DefaultPrefix = "batch-input"
)

var (
	// ErrBatchTooSmall means the whole input fits in one chunk that is under
	// the minimum size. Callers should fall back to per-item processing.
	ErrBatchTooSmall = errors.New("batch too small")

	ErrDuplicateFile = errors.New("duplicate file id")
	ErrInvalidLimits = errors.New("invalid chunk limits")
)

// File is one planning input.
type File struct {
	ID         string `json:"id"`
	StorageKey string `json:"storageKey"`
	SizeBytes  int64  `json:"sizeBytes"`
	MediaType  string `json:"mediaType,omitempty"`
}

// Chunk is one planned inference job. FileIDs, StorageKeys and SizesBytes are
// parallel slices.
type Chunk struct {
	Index          int      `json:"chunkIndex"`
	FileIDs        []string `json:"fileIds"`
	StorageKeys    []string `json:"storageKeys"`
	SizesBytes     []int64  `json:"sizesBytes"`
	TotalSizeBytes int64    `json:"totalSizeBytes"`
	StorageFolder  string   `json:"storageFolder"`
}

// Len returns the number of files in the chunk.
func (c Chunk) Len() int { return len(c.FileIDs) }

// Limits are the chunk-size constraints.
type Limits struct {
	MinFiles     int     `json:"minFilesPerChunk"`
	MaxFiles     int     `json:"maxFilesPerChunk"`
	MaxBytesRaw  int64   `json:"maxBytesPerChunkRaw"`
	SafetyMargin float64 `json:"safetyMargin"`
}

// DefaultLimits returns the production limits: 100..150 files and 90% of 5 GiB.
func DefaultLimits() Limits {
	return Limits{
		MinFiles:     DefaultMinFiles,
		MaxFiles:     DefaultMaxFiles,
		MaxBytesRaw:  DefaultMaxBytesRaw,
		SafetyMargin: DefaultSafetyMargin,
	}
}

// MaxBytes is the effective byte ceiling, floor(MaxBytesRaw * SafetyMargin).
func (l Limits) MaxBytes() int64 {
	return int64(math.Floor(float64(l.MaxBytesRaw) * l.SafetyMargin))
}

// Validate reports whether the limits can produce a plan.
func (l Limits) Validate() error {
	switch {
	case l.MaxFiles <= 0:
		return fmt.Errorf("%w: max files %d must be positive", ErrInvalidLimits, l.MaxFiles)
	case l.MinFiles < 0:
		return fmt.Errorf("%w: min files %d is negative", ErrInvalidLimits, l.MinFiles)
	case l.MinFiles > l.MaxFiles:
		return fmt.Errorf("%w: min files %d exceeds max files %d", ErrInvalidLimits, l.MinFiles, l.MaxFiles)
	case l.MaxBytesRaw <= 0:
		return fmt.Errorf("%w: max bytes %d must be positive", ErrInvalidLimits, l.MaxBytesRaw)
	case l.SafetyMargin <= 0 || l.SafetyMargin > 1:
		return fmt.Errorf("%w: safety margin %v outside (0, 1]", ErrInvalidLimits, l.SafetyMargin)
	case l.MaxBytes() <= 0:
		return fmt.Errorf("%w: effective byte ceiling is zero", ErrInvalidLimits)
	}
	return nil
}

// FolderName returns the storage folder for one chunk of a planning run:
// "<prefix>/job_<runToken>_<index:03d>".
func FolderName(prefix, runToken string, index int) string {
	return path.Join(prefix, fmt.Sprintf("job_%s_%03d", runToken, index))
}

// Planner plans chunks under Prefix.
type Planner struct {
	Limits Limits
	Prefix string
}

// Plan plans files with the given limits under DefaultPrefix.
func Plan(files []File, runToken string, limits Limits) ([]Chunk, error) {
	return Planner{Limits: limits, Prefix: DefaultPrefix}.Plan(files, runToken)
}

// Plan partitions files, in input order, into chunks. Empty input yields no
// chunks and no error.
//
// A file is appended to the open chunk unless that would break either
// ceiling, in which case the chunk is closed first. A single file larger than
// the byte ceiling therefore still gets a chunk of its own; it is not
// rejected here.
//
// If the only chunk is under MinFiles, Plan fails with ErrBatchTooSmall. An
// undersized final chunk after others is topped up from the end of the
// chunk before it (see balanceTail).
func (p Planner) Plan(files []File, runToken string) ([]Chunk, error) {
	if err := p.Limits.Validate(); err != nil {
		return nil, err
	}
	if runToken == "" {
		return nil, errors.New("run token is required")
	}
	if len(files) == 0 {
		return []Chunk{}, nil
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateFile, f.ID)
		}
		if f.SizeBytes < 0 {
			return nil, fmt.Errorf("file %q has negative size %d", f.ID, f.SizeBytes)
		}
		seen[f.ID] = true
	}

	maxBytes := p.Limits.MaxBytes()
	var groups [][]File
	var cur []File
	var curBytes int64

	for _, f := range files {
		if len(cur) > 0 && (len(cur)+1 > p.Limits.MaxFiles || curBytes+f.SizeBytes > maxBytes) {
			groups = append(groups, cur)
			cur, curBytes = nil, 0
		}
		cur = append(cur, f)
		curBytes += f.SizeBytes
	}
	groups = append(groups, cur)

	if len(groups) == 1 && len(groups[0]) < p.Limits.MinFiles {
		return nil, fmt.Errorf("%w: %d files, minimum is %d", ErrBatchTooSmall, len(files), p.Limits.MinFiles)
	}

	groups = p.balanceTail(groups, runToken)

	chunks := make([]Chunk, len(groups))
	for i, g := range groups {
		chunks[i] = newChunk(i+1, FolderName(p.Prefix, runToken, i+1), g)
	}

	log.Info().
		Str("runToken", runToken).
		Int("files", len(files)).
		Int("chunks", len(chunks)).
		Int64("maxBytes", maxBytes).
		Msg("Batch plan built")
	return chunks, nil
}

// balanceTail moves files from the end of the second-to-last group to the
// front of an undersized last group until the last group reaches MinFiles.
//
// Merging the whole tail into its neighbour would always break a ceiling:
// the neighbour was closed precisely because the tail's first file did not
// fit. Moving stops when the neighbour would drop to MinFiles or the tail
// would exceed a ceiling, so every chunk keeps honoring both limits. A tail
// that is still short after that is submitted as is.
func (p Planner) balanceTail(groups [][]File, runToken string) [][]File {
	n := len(groups)
	if n < 2 || len(groups[n-1]) >= p.Limits.MinFiles {
		return groups
	}

	maxBytes := p.Limits.MaxBytes()
	prev, tail := groups[n-2], groups[n-1]
	tailBytes := sumSizes(tail)
	moved := 0

	for len(tail) < p.Limits.MinFiles && len(prev) > p.Limits.MinFiles {
		f := prev[len(prev)-1]
		if len(tail)+1 > p.Limits.MaxFiles || tailBytes+f.SizeBytes > maxBytes {
			break
		}
		prev = prev[:len(prev)-1]
		tail = append([]File{f}, tail...)
		tailBytes += f.SizeBytes
		moved++
	}

	groups[n-2], groups[n-1] = prev, tail

	if len(tail) < p.Limits.MinFiles {
		log.Warn().
			Str("runToken", runToken).
			Int("tailFiles", len(tail)).
			Int("moved", moved).
			Int("minFiles", p.Limits.MinFiles).
			Msg("Final chunk is below the minimum and cannot be balanced further")
	} else if moved > 0 {
		log.Debug().
			Str("runToken", runToken).
			Int("moved", moved).
			Msg("Balanced undersized final chunk")
	}
	return groups
}

func newChunk(index int, folder string, files []File) Chunk {
	c := Chunk{
		Index:         index,
		FileIDs:       make([]string, len(files)),
		StorageKeys:   make([]string, len(files)),
		SizesBytes:    make([]int64, len(files)),
		StorageFolder: folder,
	}
	for i, f := range files {
		c.FileIDs[i] = f.ID
		c.StorageKeys[i] = f.StorageKey
		c.SizesBytes[i] = f.SizeBytes
		c.TotalSizeBytes += f.SizeBytes
	}
	return c
}

func sumSizes(files []File) int64 {
	var total int64
	for _, f := range files {
		total += f.SizeBytes
	}
	return total
}
