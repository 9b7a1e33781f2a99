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

// BatchStorage implements the BatchStore interface on Badger.
type BatchStorage struct {
	db     *DB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewBatchStorage creates a new BatchStorage instance.
func NewBatchStorage(db *DB, logger arbor.ILogger) interfaces.BatchStore {
	return &BatchStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BatchStorage) SaveBatch(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}
	batch.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

// UpdateBatch performs a compare-and-set on Batch.Version, mirroring
// JobStorage.UpdateJob.
func (s *BatchStorage) UpdateBatch(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current models.Batch
	if err := s.db.Store().Get(batch.ID, &current); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to read batch for update: %w", err)
	}

	if current.Version != batch.Version {
		return interfaces.ErrVersionConflict
	}

	batch.Version++
	batch.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		batch.Version--
		return fmt.Errorf("failed to update batch: %w", err)
	}
	return nil
}

func (s *BatchStorage) GetBatchesByUser(ctx context.Context, userID string, limit int) ([]*models.Batch, error) {
	query := badgerhold.Where("OwnerUserID").Eq(userID).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var batches []models.Batch
	if err := s.db.Store().Find(&batches, query); err != nil {
		return nil, fmt.Errorf("failed to get batches by user: %w", err)
	}

	result := make([]*models.Batch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

func (s *BatchStorage) DeleteBatch(ctx context.Context, batchID string) error {
	if err := s.db.Store().Delete(batchID, &models.Batch{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	return nil
}
