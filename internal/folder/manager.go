// Package folder manages the storage lifecycle of one batch chunk: staging
// its input files and manifest under an isolated folder, and reclaiming the
// folder together with its mirrored output once results are consumed.
//
// Layout:
//
//	<folder>/files/<sanitized name>
//	<folder>/manifest.jsonl
//	<outputRoot>/<folder>/...
//
// The manager keeps no state between calls. Every operation is idempotent
// for a given folder, so callers recover from partial failures by calling
// again. Operations on the same folder must not run concurrently.
package folder

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-batch/internal/s3util"
	"github.com/fpang/media-batch/internal/sanitize"
)

const (
	filesDir = "files"

	// ManifestName is the manifest object name inside a folder.
	ManifestName = "manifest.jsonl"

	// ManifestContentType is the content type manifests are uploaded with.
	ManifestContentType = "application/jsonl"

	// DefaultOutputRoot is where the inference service mirrors folders.
	DefaultOutputRoot = "batch-output"
)

var (
	// ErrNameCollision means two source keys sanitize to the same staged key.
	ErrNameCollision = errors.New("staged name collision")

	// ErrInvalidFolder rejects folder names that would address more than
	// one chunk (empty, rooted, or containing "..").
	ErrInvalidFolder = errors.New("invalid folder")

	// ErrStagedObjectMissing is reported by Verify.
	ErrStagedObjectMissing = errors.New("staged object missing")
)

// StageError reports the source key whose copy failed. Objects copied
// before it are left in place.
type StageError struct {
	Key       string
	StagedKey string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s -> %s: %v", e.Key, e.StagedKey, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ReclaimStats counts what Reclaim removed.
type ReclaimStats struct {
	ObjectsDeleted int   `json:"objects_deleted"`
	BytesFreed     int64 `json:"bytes_freed"`
}

// Add accumulates o into s.
func (s *ReclaimStats) Add(o ReclaimStats) {
	s.ObjectsDeleted += o.ObjectsDeleted
	s.BytesFreed += o.BytesFreed
}

// Usage is the storage held by a folder.
type Usage struct {
	InputObjects  int   `json:"input_objects"`
	InputBytes    int64 `json:"input_bytes"`
	OutputObjects int   `json:"output_objects"`
	OutputBytes   int64 `json:"output_bytes"`
}

// Objects returns input plus output object count.
func (u Usage) Objects() int { return u.InputObjects + u.OutputObjects }

// Bytes returns input plus output size.
func (u Usage) Bytes() int64 { return u.InputBytes + u.OutputBytes }

// Manager stages and reclaims chunk folders in one bucket.
type Manager struct {
	client     s3util.Client
	bucket     string
	outputRoot string
	pageSize   int32

	// protected roots a legacy output prefix may not equal or contain.
	protected []string
}

// NewManager creates a Manager. An empty outputRoot uses DefaultOutputRoot.
func NewManager(client s3util.Client, bucket, outputRoot string) *Manager {
	if outputRoot == "" {
		outputRoot = DefaultOutputRoot
	}
	return &Manager{
		client:     client,
		bucket:     bucket,
		outputRoot: strings.Trim(outputRoot, "/"),
		pageSize:   s3util.MaxDeleteBatch,
		protected:  []string{strings.Trim(outputRoot, "/")},
	}
}

// WithInputRoot records the prefix chunk folders are created under, so that
// legacy reclaims can never cover it or its mirrored output.
func (m *Manager) WithInputRoot(root string) *Manager {
	if root = strings.Trim(root, "/"); root != "" {
		m.protected = append(m.protected, root, path.Join(m.outputRoot, root))
	}
	return m
}

// Bucket returns the bucket the manager operates on.
func (m *Manager) Bucket() string { return m.bucket }

// StagedKey returns where originalKey is staged inside folder.
func StagedKey(folder, originalKey string) string {
	return path.Join(folder, filesDir, sanitize.Filename(originalKey))
}

// ManifestKey returns the manifest location for folder.
func ManifestKey(folder string) string {
	return path.Join(folder, ManifestName)
}

// InputPrefix returns the listing prefix for folder's staged input.
func InputPrefix(folder string) string {
	return strings.TrimSuffix(folder, "/") + "/"
}

// OutputPrefix returns the listing prefix of folder's mirrored output.
func (m *Manager) OutputPrefix(folder string) string {
	return path.Join(m.outputRoot, folder) + "/"
}

func validateFolder(folder string) error {
	trimmed := strings.Trim(folder, "/")
	switch {
	case trimmed == "":
		return fmt.Errorf("%w: empty", ErrInvalidFolder)
	case strings.HasPrefix(folder, "/"):
		return fmt.Errorf("%w: %q is rooted", ErrInvalidFolder, folder)
	case strings.Contains(folder, ".."):
		return fmt.Errorf("%w: %q contains '..'", ErrInvalidFolder, folder)
	}
	return nil
}

// validateLegacyPrefix accepts only prefixes at least two segments deep that
// do not cover a protected root.
func (m *Manager) validateLegacyPrefix(prefix string) error {
	if err := validateFolder(prefix); err != nil {
		return err
	}
	trimmed := strings.Trim(prefix, "/")
	if !strings.Contains(trimmed, "/") {
		return fmt.Errorf("%w: %q is a top-level prefix", ErrInvalidFolder, prefix)
	}
	for _, root := range m.protected {
		if trimmed == root || strings.HasPrefix(root, trimmed+"/") {
			return fmt.Errorf("%w: %q covers %q", ErrInvalidFolder, prefix, root)
		}
	}
	return nil
}

// Stage copies every key to StagedKey(folder, key) and returns the mapping
// from original to staged key. Names are checked for collisions before any
// copy. The first copy failure aborts with a *StageError; ctx is checked
// between files. Copies overwrite, so re-staging the same keys is safe.
func (m *Manager) Stage(ctx context.Context, keys []string, folder string) (map[string]string, error) {
	if err := validateFolder(folder); err != nil {
		return nil, err
	}

	mapping := make(map[string]string, len(keys))
	owner := make(map[string]string, len(keys))
	order := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := mapping[k]; dup {
			continue
		}
		staged := StagedKey(folder, k)
		if prev, taken := owner[staged]; taken {
			return nil, fmt.Errorf("%w: %q and %q both stage to %q", ErrNameCollision, prev, k, staged)
		}
		owner[staged] = k
		mapping[k] = staged
		order = append(order, k)
	}

	for i, k := range order {
		if err := ctx.Err(); err != nil {
			log.Warn().Str("folder", folder).Int("copied", i).Int("total", len(order)).Msg("Staging cancelled")
			return nil, err
		}
		if err := s3util.CopyObject(ctx, m.client, m.bucket, k, mapping[k]); err != nil {
			return nil, &StageError{Key: k, StagedKey: mapping[k], Err: err}
		}
	}

	log.Info().Str("folder", folder).Int("files", len(order)).Msg("Chunk files staged")
	return mapping, nil
}

// Verify checks that every staged key exists. It is run after Stage and
// before the manifest is published.
func (m *Manager) Verify(ctx context.Context, staged map[string]string) error {
	for orig, key := range staged {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, found, err := s3util.HeadObject(ctx, m.client, m.bucket, key)
		if err != nil {
			return &StageError{Key: orig, StagedKey: key, Err: err}
		}
		if !found {
			return &StageError{Key: orig, StagedKey: key, Err: ErrStagedObjectMissing}
		}
	}
	return nil
}

// PublishManifest uploads jsonl to ManifestKey(folder) and returns the key.
// Call it only after Stage has succeeded for every file the manifest lists.
func (m *Manager) PublishManifest(ctx context.Context, jsonl []byte, folder string) (string, error) {
	if err := validateFolder(folder); err != nil {
		return "", err
	}
	if len(jsonl) == 0 {
		return "", errors.New("manifest is empty")
	}

	key := ManifestKey(folder)
	if err := s3util.PutBytes(ctx, m.client, m.bucket, key, jsonl, ManifestContentType); err != nil {
		return "", fmt.Errorf("publish manifest: %w", err)
	}

	log.Info().Str("folder", folder).Str("key", key).Int("bytes", len(jsonl)).Msg("Manifest published")
	return key, nil
}

// Reclaim deletes everything under folder and under its output prefix.
// Listing is paginated and deletes go out one page (at most 1000 keys) at a
// time. Per-key delete failures are collected and returned after both
// prefixes have been processed; stats still count what was removed. An
// already empty folder reports zero.
func (m *Manager) Reclaim(ctx context.Context, folder string) (ReclaimStats, error) {
	var stats ReclaimStats
	if err := validateFolder(folder); err != nil {
		return stats, err
	}

	var errs []error
	for _, prefix := range []string{InputPrefix(folder), m.OutputPrefix(folder)} {
		s, err := m.reclaimPrefix(ctx, prefix)
		stats.Add(s)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, ctxErr
			}
			errs = append(errs, err)
		}
	}

	log.Info().
		Str("folder", folder).
		Int("objectsDeleted", stats.ObjectsDeleted).
		Int64("bytesFreed", stats.BytesFreed).
		Int("errors", len(errs)).
		Msg("Folder reclaimed")

	if len(errs) > 0 {
		return stats, fmt.Errorf("reclaim %s: %w", folder, errors.Join(errs...))
	}
	return stats, nil
}

// ReclaimLegacy deletes a pre-folder job's single input object and
// everything under its output prefix. A missing input object is not an
// error. The output prefix must be at least two segments deep and must not
// cover the output root or the input root.
func (m *Manager) ReclaimLegacy(ctx context.Context, inputKey, outputPrefix string) (ReclaimStats, error) {
	var stats ReclaimStats
	if outputPrefix != "" {
		if err := m.validateLegacyPrefix(outputPrefix); err != nil {
			return stats, err
		}
	}

	if inputKey != "" {
		size, found, err := s3util.HeadObject(ctx, m.client, m.bucket, inputKey)
		if err != nil {
			return stats, err
		}
		if found {
			if err := s3util.DeleteObject(ctx, m.client, m.bucket, inputKey); err != nil {
				return stats, err
			}
			stats.ObjectsDeleted++
			stats.BytesFreed += size
		}
	}

	if outputPrefix != "" {
		s, err := m.reclaimPrefix(ctx, InputPrefix(outputPrefix))
		stats.Add(s)
		if err != nil {
			return stats, fmt.Errorf("reclaim %s: %w", outputPrefix, err)
		}
	}

	log.Info().
		Str("inputKey", inputKey).
		Str("outputPrefix", outputPrefix).
		Int("objectsDeleted", stats.ObjectsDeleted).
		Int64("bytesFreed", stats.BytesFreed).
		Msg("Legacy job storage reclaimed")
	return stats, nil
}

// MeasureLegacy reports the storage a ReclaimLegacy call would free.
func (m *Manager) MeasureLegacy(ctx context.Context, inputKey, outputPrefix string) (Usage, error) {
	var u Usage
	if inputKey != "" {
		size, found, err := s3util.HeadObject(ctx, m.client, m.bucket, inputKey)
		if err != nil {
			return u, err
		}
		if found {
			u.InputObjects, u.InputBytes = 1, size
		}
	}
	if outputPrefix != "" {
		if err := m.validateLegacyPrefix(outputPrefix); err != nil {
			return u, err
		}
		var err error
		if u.OutputObjects, u.OutputBytes, err = s3util.SumPrefix(ctx, m.client, m.bucket, InputPrefix(outputPrefix)); err != nil {
			return u, fmt.Errorf("measure output %s: %w", outputPrefix, err)
		}
	}
	return u, nil
}

func (m *Manager) reclaimPrefix(ctx context.Context, prefix string) (ReclaimStats, error) {
	var stats ReclaimStats
	var keyErrs []error

	err := s3util.WalkPrefix(ctx, m.client, m.bucket, prefix, m.pageSize, func(objs []s3util.ObjectInfo) error {
		sizes := make(map[string]int64, len(objs))
		keys := make([]string, len(objs))
		for i, o := range objs {
			keys[i] = o.Key
			sizes[o.Key] = o.Size
		}

		deleted, err := s3util.DeleteKeys(ctx, m.client, m.bucket, keys)
		for _, k := range deleted {
			stats.ObjectsDeleted++
			stats.BytesFreed += sizes[k]
		}
		if err != nil {
			var ke *s3util.KeyError
			if !errors.As(err, &ke) {
				return err
			}
			keyErrs = append(keyErrs, err)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, errors.Join(keyErrs...)
}

// Measure sums object sizes under prefix without modifying anything.
func (m *Manager) Measure(ctx context.Context, prefix string) (int64, error) {
	_, size, err := s3util.SumPrefix(ctx, m.client, m.bucket, prefix)
	return size, err
}

// MeasureFolder reports the storage held by folder's input and output.
func (m *Manager) MeasureFolder(ctx context.Context, folder string) (Usage, error) {
	var u Usage
	if err := validateFolder(folder); err != nil {
		return u, err
	}

	var err error
	if u.InputObjects, u.InputBytes, err = s3util.SumPrefix(ctx, m.client, m.bucket, InputPrefix(folder)); err != nil {
		return u, fmt.Errorf("measure input %s: %w", folder, err)
	}
	if u.OutputObjects, u.OutputBytes, err = s3util.SumPrefix(ctx, m.client, m.bucket, m.OutputPrefix(folder)); err != nil {
		return u, fmt.Errorf("measure output %s: %w", folder, err)
	}
	return u, nil
}
