package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of every store interface. It is
// used by batchctl's local mode and by tests.
type MemStore struct {
	mu      sync.Mutex
	jobs    map[string]*BatchJob
	files   map[string]FileRecord
	results map[string]map[string]*Result
	cancels map[string]time.Time
	now     func() time.Time
}

var (
	_ BatchJobStore = (*MemStore)(nil)
	_ FileRegistry  = (*MemStore)(nil)
	_ ResultWriter  = (*MemStore)(nil)
	_ ResultReader  = (*MemStore)(nil)
)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:    make(map[string]*BatchJob),
		files:   make(map[string]FileRecord),
		results: make(map[string]map[string]*Result),
		cancels: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutFile registers a file record.
func (m *MemStore) PutFile(_ context.Context, rec *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rec.ID] = *rec
	return nil
}

func (m *MemStore) LookupFiles(_ context.Context, ids []string) ([]FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]FileRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok := m.files[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		out = append(out, rec)
	}
	return out, nil
}

func cloneJob(j *BatchJob) *BatchJob {
	cp := *j
	cp.FileIDs = append([]string(nil), j.FileIDs...)
	return &cp
}

func (m *MemStore) PutBatchJob(_ context.Context, job *BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemStore) GetBatchJob(_ context.Context, jobID string) (*BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

func (m *MemStore) update(jobID string, fn func(*BatchJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	fn(j)
	j.UpdatedAt = m.now().Unix()
	return nil
}

func (m *MemStore) UpdateBatchJobStatus(_ context.Context, jobID, status, errMsg string) error {
	return m.update(jobID, func(j *BatchJob) {
		j.Status = status
		if errMsg != "" {
			j.Error = errMsg
		}
	})
}

func (m *MemStore) CompleteBatchJob(_ context.Context, jobID string, resultCount, failedCount int) error {
	return m.update(jobID, func(j *BatchJob) {
		j.Status = StatusCompleted
		j.ResultCount = resultCount
		j.FailedCount = failedCount
	})
}

func (m *MemStore) list(match func(*BatchJob) bool) []*BatchJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*BatchJob
	for _, j := range m.jobs {
		if match(j) {
			out = append(out, cloneJob(j))
		}
	}
	sortJobs(out)
	return out
}

func (m *MemStore) ListCleanupEligible(_ context.Context) ([]*BatchJob, error) {
	return m.list(func(j *BatchJob) bool { return j.CleanupEligible() }), nil
}

func (m *MemStore) ListLegacyJobsBefore(_ context.Context, cutoff int64) ([]*BatchJob, error) {
	return m.list(func(j *BatchJob) bool {
		return j.IsLegacy() && j.CleanupCompletedAt == 0 && j.CreatedAt < cutoff
	}), nil
}

func (m *MemStore) MarkCleanupCompleted(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.CleanupCompletedAt != 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyCleaned, jobID)
	}
	j.CleanupCompletedAt = at.Unix()
	j.UpdatedAt = at.Unix()
	return nil
}

func (m *MemStore) RequestCancel(_ context.Context, runToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[runToken] = m.now().Add(CancelTTL)
	return nil
}

func (m *MemStore) CancelRequested(_ context.Context, runToken string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.cancels[runToken]
	return ok && m.now().Before(exp), nil
}

func (m *MemStore) PutResult(_ context.Context, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.CreatedAt == 0 {
		result.CreatedAt = m.now().Unix()
	}
	byFile, ok := m.results[result.JobID]
	if !ok {
		byFile = make(map[string]*Result)
		m.results[result.JobID] = byFile
	}
	cp := *result
	byFile[result.FileID] = &cp
	return nil
}

func (m *MemStore) ListResults(_ context.Context, jobID string) ([]*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Result, 0, len(m.results[jobID]))
	for _, r := range m.results[jobID] {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}
