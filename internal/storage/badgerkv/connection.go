package badgerkv

import (
	"fmt"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/relume-ai/relume/internal/common"
)

// DB manages the Badger database connection.
type DB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// Open opens the Badger database at the configured path.
func Open(logger arbor.ILogger, config *common.BadgerConfig) (*DB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Options = badger.DefaultOptions(config.Path).
		WithLogger(nil). // Badger's own logger is replaced by arbor
		WithNumVersionsToKeep(1)

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &DB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store.
func (d *DB) Store() *badgerhold.Store {
	return d.store
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
