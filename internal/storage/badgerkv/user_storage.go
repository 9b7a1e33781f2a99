package badgerkv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// UserStorage implements the UserStore interface on Badger. Credit mutations
// serialize on an in-process mutex; the balance invariant holds because this
// store is the only writer.
type UserStorage struct {
	db     *DB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewUserStorage creates a new UserStorage instance.
func NewUserStorage(db *DB, logger arbor.ILogger) interfaces.UserStore {
	return &UserStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UserStorage) SaveUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	user.Email = strings.ToLower(user.Email)
	user.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(user.ID, user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *UserStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := s.db.Store().Get(userID, &user); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *UserStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var users []models.User
	if err := s.db.Store().Find(&users, badgerhold.Where("Email").Eq(strings.ToLower(email)).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to query user by email: %w", err)
	}
	if len(users) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &users[0], nil
}

// AdjustCredits applies delta under the store mutex. The balance never goes
// negative; a hold that would overdraw fails whole.
func (s *UserStorage) AdjustCredits(ctx context.Context, userID string, delta int) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := user.Credits + delta
	if next < 0 {
		return nil, interfaces.ErrInsufficientCredits
	}

	user.Credits = next
	user.Version++
	user.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(user.ID, user); err != nil {
		return nil, fmt.Errorf("failed to update credits: %w", err)
	}

	s.logger.Debug().
		Str("user_id", userID).
		Int("delta", delta).
		Int("balance", user.Credits).
		Msg("Credits adjusted")

	return user, nil
}
