package filekv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// Manager implements the StorageManager interface on the journal store. The
// store itself implements all three entity interfaces; the manager only
// provides the lifecycle facade.
type Manager struct {
	store  *Store
	logger arbor.ILogger
}

// NewManager opens the journal at path.
func NewManager(logger arbor.ILogger, path string) (*Manager, error) {
	store, err := Open(logger, path)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, logger: logger}, nil
}

func (m *Manager) Users() interfaces.UserStore    { return m.store }
func (m *Manager) Jobs() interfaces.JobStore      { return m.store }
func (m *Manager) Batches() interfaces.BatchStore { return m.store }
func (m *Manager) Backend() string                { return "file" }
func (m *Manager) Close() error                   { return m.store.Close() }

// Entities returned to callers are deep copies; in-memory state only changes
// through the store's own mutations.
func cloneUser(u *models.User) *models.User {
	c := *u
	return &c
}

func cloneJob(j *models.Job) *models.Job {
	data, err := j.ToJSON()
	if err != nil {
		c := *j
		return &c
	}
	clone, err := models.JobFromJSON(data)
	if err != nil {
		c := *j
		return &c
	}
	return clone
}

func cloneBatch(b *models.Batch) *models.Batch {
	data, err := b.ToJSON()
	if err != nil {
		c := *b
		return &c
	}
	clone, err := models.BatchFromJSON(data)
	if err != nil {
		c := *b
		return &c
	}
	return clone
}

// --- UserStore ---

func (s *Store) SaveUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	user.Email = strings.ToLower(user.Email)
	user.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendEntity(kindUser, user.ID, user); err != nil {
		return err
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneUser(user), nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Email == email {
			return cloneUser(user), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *Store) AdjustCredits(ctx context.Context, userID string, delta int) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}

	next := user.Credits + delta
	if next < 0 {
		return nil, interfaces.ErrInsufficientCredits
	}

	updated := cloneUser(user)
	updated.Credits = next
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()

	if err := s.appendEntity(kindUser, updated.ID, updated); err != nil {
		return nil, err
	}
	s.users[updated.ID] = updated
	return cloneUser(updated), nil
}

// --- JobStore ---

func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	job.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendEntity(kindJob, job.ID, job); err != nil {
		return err
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if current.Version != job.Version {
		return interfaces.ErrVersionConflict
	}

	job.Version++
	job.UpdatedAt = time.Now().UTC()

	if err := s.appendEntity(kindJob, job.ID, job); err != nil {
		job.Version--
		return err
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.BatchID == batchID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *Store) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil
	}
	if err := s.appendDelete(kindJob, jobID); err != nil {
		return err
	}
	delete(s.jobs, jobID)
	return nil
}

// --- BatchStore ---

func (s *Store) SaveBatch(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}
	batch.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendEntity(kindBatch, batch.ID, batch); err != nil {
		return err
	}
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneBatch(batch), nil
}

func (s *Store) UpdateBatch(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.batches[batch.ID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if current.Version != batch.Version {
		return interfaces.ErrVersionConflict
	}

	batch.Version++
	batch.UpdatedAt = time.Now().UTC()

	if err := s.appendEntity(kindBatch, batch.ID, batch); err != nil {
		batch.Version--
		return err
	}
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *Store) GetBatchesByUser(ctx context.Context, userID string, limit int) ([]*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var batches []*models.Batch
	for _, batch := range s.batches {
		if batch.OwnerUserID == userID {
			batches = append(batches, cloneBatch(batch))
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.After(batches[j].CreatedAt) })
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return nil
	}
	if err := s.appendDelete(kindBatch, batchID); err != nil {
		return err
	}
	delete(s.batches, batchID)
	return nil
}
