package interfaces

import (
	"context"
	"errors"

	"github.com/relume-ai/relume/internal/models"
)

// Storage sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-set update observes a
	// stale version. The caller must re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInsufficientCredits is returned when a credit hold exceeds the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// UserStore persists users and guards their credit balances.
type UserStore interface {
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	// GetUserByEmail resolves the unique lowercase-email secondary index.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// AdjustCredits atomically applies delta to the balance. A negative delta
	// that would drop the balance below zero fails with ErrInsufficientCredits
	// and leaves the balance unchanged.
	AdjustCredits(ctx context.Context, userID string, delta int) (*models.User, error)
}

// JobStore persists jobs with optimistic concurrency. UpdateJob performs a
// compare-and-set on Job.Version: when two executors observe the same job,
// only one update wins and the loser gets ErrVersionConflict.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	// GetJobsByBatch returns the batch's jobs in creation order.
	GetJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error)
	// GetJobsByStatus returns jobs in the given state, oldest first. Used by
	// workers to claim queued work and by recovery to resume after restart.
	GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// BatchStore persists batches with the by-user history index.
type BatchStore interface {
	SaveBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	UpdateBatch(ctx context.Context, batch *models.Batch) error
	// GetBatchesByUser returns a user's batches ordered by creation time descending.
	GetBatchesByUser(ctx context.Context, userID string, limit int) ([]*models.Batch, error)
	DeleteBatch(ctx context.Context, batchID string) error
}

// StorageManager bundles the stores behind one lifecycle.
type StorageManager interface {
	Users() UserStore
	Jobs() JobStore
	Batches() BatchStore
	// Backend names the active backend ("badger" or "file").
	Backend() string
	Close() error
}
