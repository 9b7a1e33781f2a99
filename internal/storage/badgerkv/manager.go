package badgerkv

import (
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger.
type Manager struct {
	db      *DB
	users   interfaces.UserStore
	jobs    interfaces.JobStore
	batches interfaces.BatchStore
	logger  arbor.ILogger
}

// NewManager opens the database and wires the stores.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := Open(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:      db,
		users:   NewUserStorage(db, logger),
		jobs:    NewJobStorage(db, logger),
		batches: NewBatchStorage(db, logger),
		logger:  logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

func (m *Manager) Users() interfaces.UserStore {
	return m.users
}

func (m *Manager) Jobs() interfaces.JobStore {
	return m.jobs
}

func (m *Manager) Batches() interfaces.BatchStore {
	return m.batches
}

func (m *Manager) Backend() string {
	return "badger"
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
