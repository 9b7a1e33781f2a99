package badgerkv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// JobStorage implements the JobStore interface on Badger with optimistic
// concurrency on Job.Version. The version check and write run under a mutex;
// badgerhold transactions do not expose read-your-write semantics cleanly
// enough for compare-and-set.
type JobStorage struct {
	db     *DB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new JobStorage instance.
func NewJobStorage(db *DB, logger arbor.ILogger) interfaces.JobStore {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	job.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob performs a compare-and-set on Job.Version. The caller's copy must
// carry the version it read; on success the stored version is incremented and
// reflected back into the caller's struct.
func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current models.Job
	if err := s.db.Store().Get(job.ID, &current); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to read job for update: %w", err)
	}

	if current.Version != job.Version {
		return interfaces.ErrVersionConflict
	}

	job.Version++
	job.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		job.Version--
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("BatchID").Eq(batchID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to get jobs by batch: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to get jobs by status: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
