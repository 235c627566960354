// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"delegate-server/internal/domain"
)

// === Job Repository Mock ===

// MockJobRepo implements domain.JobRepository for testing.
type MockJobRepo struct {
	CreateFn               func(ctx context.Context, job *domain.Job) error
	SaveFn                 func(ctx context.Context, job *domain.Job) error
	GetByIDFn              func(ctx context.Context, id string) (*domain.Job, error)
	ListByStateFn          func(ctx context.Context, state domain.JobState) ([]domain.Job, error)
	FindNextReadyToStartFn func(ctx context.Context, serverID string) (*domain.Job, error)
	CountInStateFn         func(ctx context.Context, serverID string, state domain.JobState) (int64, error)

	mu    sync.Mutex
	Saved []domain.Job // snapshots of every successful Save
}

// Create implements the interface method for testing.
func (m *MockJobRepo) Create(ctx context.Context, job *domain.Job) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, job)
	}
	panic("unexpected call to MockJobRepo.Create")
}

// Save implements the interface method for testing.
func (m *MockJobRepo) Save(ctx context.Context, job *domain.Job) error {
	if m.SaveFn == nil {
		panic("unexpected call to MockJobRepo.Save")
	}
	if err := m.SaveFn(ctx, job); err != nil {
		return err
	}
	m.mu.Lock()
	m.Saved = append(m.Saved, *job)
	m.mu.Unlock()
	return nil
}

// GetByID implements the interface method for testing.
func (m *MockJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	panic("unexpected call to MockJobRepo.GetByID")
}

// ListByState implements the interface method for testing.
func (m *MockJobRepo) ListByState(ctx context.Context, state domain.JobState) ([]domain.Job, error) {
	if m.ListByStateFn != nil {
		return m.ListByStateFn(ctx, state)
	}
	panic("unexpected call to MockJobRepo.ListByState")
}

// FindNextReadyToStart implements the interface method for testing.
func (m *MockJobRepo) FindNextReadyToStart(ctx context.Context, serverID string) (*domain.Job, error) {
	if m.FindNextReadyToStartFn != nil {
		return m.FindNextReadyToStartFn(ctx, serverID)
	}
	panic("unexpected call to MockJobRepo.FindNextReadyToStart")
}

// CountInState implements the interface method for testing.
func (m *MockJobRepo) CountInState(ctx context.Context, serverID string, state domain.JobState) (int64, error) {
	if m.CountInStateFn != nil {
		return m.CountInStateFn(ctx, serverID, state)
	}
	panic("unexpected call to MockJobRepo.CountInState")
}

// SavedStates returns the state recorded by each successful Save, in order.
func (m *MockJobRepo) SavedStates() []domain.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.JobState, len(m.Saved))
	for i, j := range m.Saved {
		out[i] = j.State
	}
	return out
}

var _ domain.JobRepository = (*MockJobRepo)(nil)

// === In-memory Job Store ===

// MemJobStore is a map-backed domain.JobRepository with version checking.
// Use it when a test needs realistic read-after-write behavior without SQLite.
type MemJobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

// NewMemJobStore returns a store seeded with jobs.
func NewMemJobStore(jobs ...*domain.Job) *MemJobStore {
	s := &MemJobStore{jobs: make(map[string]domain.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = *j
	}
	return s
}

// Create implements domain.JobRepository.
func (s *MemJobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = domain.NewID()
	}
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrConflict("job %s already exists", job.ID)
	}
	job.Version = 0
	s.jobs[job.ID] = *job
	return nil
}

// Save implements domain.JobRepository.
func (s *MemJobStore) Save(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound("job %s not found", job.ID)
	}
	if stored.Version != job.Version {
		return domain.ErrConflict("job %s was modified concurrently", job.ID)
	}
	job.Version++
	s.jobs[job.ID] = *job
	return nil
}

// GetByID implements domain.JobRepository.
func (s *MemJobStore) GetByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound("job %s not found", id)
	}
	return &j, nil
}

// ListByState implements domain.JobRepository.
func (s *MemJobStore) ListByState(_ context.Context, state domain.JobState) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.State == state {
			out = append(out, j)
		}
	}
	return out, nil
}

// FindNextReadyToStart implements domain.JobRepository.
func (s *MemJobStore) FindNextReadyToStart(_ context.Context, serverID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *domain.Job
	for _, j := range s.jobs {
		if j.ServerID != serverID {
			continue
		}
		if j.State == domain.JobStateRunning {
			return nil, nil
		}
		if j.State != domain.JobStateReadyToStart {
			continue
		}
		if next == nil || j.Created.Before(next.Created) {
			j := j
			next = &j
		}
	}
	return next, nil
}

// CountInState implements domain.JobRepository.
func (s *MemJobStore) CountInState(_ context.Context, serverID string, state domain.JobState) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.ServerID == serverID && j.State == state {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the stored job, or nil.
func (s *MemJobStore) Get(id string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return &j
}

// Len returns the number of stored jobs.
func (s *MemJobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Mutate applies fn to the stored job as a concurrent writer would,
// bumping its version.
func (s *MemJobStore) Mutate(id string, fn func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound("job %s not found", id)
	}
	fn(&j)
	j.Version++
	s.jobs[id] = j
	return nil
}

var _ domain.JobRepository = (*MemJobStore)(nil)

// === Product Catalog Mock ===

// MockProductCatalog implements domain.ProductCatalog from a static map.
type MockProductCatalog struct {
	Products map[string]domain.Product
}

// Product implements the interface method for testing.
func (m *MockProductCatalog) Product(id string) (*domain.Product, bool) {
	p, ok := m.Products[id]
	if !ok {
		return nil, false
	}
	return &p, true
}

var _ domain.ProductCatalog = (*MockProductCatalog)(nil)

// === Upstream Model Provider Mock ===

// MockUpstreamModelProvider implements domain.UpstreamModelProvider for testing.
type MockUpstreamModelProvider struct {
	ModelFn func(ctx context.Context, job *domain.Job) (*domain.UpstreamModel, bool, error)
}

// Model implements the interface method for testing.
func (m *MockUpstreamModelProvider) Model(ctx context.Context, job *domain.Job) (*domain.UpstreamModel, bool, error) {
	if m.ModelFn != nil {
		return m.ModelFn(ctx, job)
	}
	panic("unexpected call to MockUpstreamModelProvider.Model")
}

var _ domain.UpstreamModelProvider = (*MockUpstreamModelProvider)(nil)

// === Input Storage ===

// MemInputStorage is an in-memory domain.InputStorage.
type MemInputStorage struct {
	mu    sync.Mutex
	files map[string][]byte

	// GetErrs, when non-empty, are returned by successive Get calls before
	// the stored content is served.
	GetErrs  []error
	GetCalls atomic.Int32
}

// NewMemInputStorage returns an empty store.
func NewMemInputStorage() *MemInputStorage {
	return &MemInputStorage{files: make(map[string][]byte)}
}

func memKey(jobID, name string) string { return jobID + "/" + name }

// Put implements domain.InputStorage.
func (m *MemInputStorage) Put(_ context.Context, jobID, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[memKey(jobID, name)] = data
	return nil
}

// Get implements domain.InputStorage.
func (m *MemInputStorage) Get(_ context.Context, jobID, name string) (io.ReadCloser, error) {
	call := int(m.GetCalls.Add(1))
	m.mu.Lock()
	defer m.mu.Unlock()
	if call <= len(m.GetErrs) {
		return nil, m.GetErrs[call-1]
	}
	data, ok := m.files[memKey(jobID, name)]
	if !ok {
		return nil, domain.ErrNotFound("input %s not found for job %s", name, jobID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists implements domain.InputStorage.
func (m *MemInputStorage) Exists(_ context.Context, jobID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[memKey(jobID, name)]
	return ok, nil
}

var _ domain.InputStorage = (*MemInputStorage)(nil)

// === Execution Handle Mock ===

// MockExecutionHandle implements domain.ExecutionHandle for testing.
type MockExecutionHandle struct {
	CancelFn func() bool
	Calls    atomic.Int32
}

// Cancel implements the interface method for testing.
func (m *MockExecutionHandle) Cancel() bool {
	m.Calls.Add(1)
	if m.CancelFn != nil {
		return m.CancelFn()
	}
	return true
}

var _ domain.ExecutionHandle = (*MockExecutionHandle)(nil)
