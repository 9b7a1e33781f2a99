package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/storage/badgerkv"
	"github.com/relume-ai/relume/internal/storage/filekv"
)

// NewStorageManager opens the primary Badger store, falling back to the
// append-only file journal when Badger cannot be opened (lock contention,
// corrupt directory, read-only filesystem). Callers always get a working
// StorageManager; Backend() reports which one.
func NewStorageManager(logger arbor.ILogger, cfg *common.StorageConfig) (interfaces.StorageManager, error) {
	manager, err := badgerkv.NewManager(logger, &cfg.Badger)
	if err == nil {
		if migErr := migrateJournal(logger, cfg, manager); migErr != nil {
			// Migration failure is not fatal; the journal stays in place and
			// is retried on the next startup.
			logger.Warn().Err(migErr).Msg("Journal migration failed, will retry next startup")
		}
		return manager, nil
	}

	logger.Warn().
		Err(err).
		Str("path", cfg.Badger.Path).
		Msg("Primary KV store unavailable, falling back to file journal")

	fileManager, fileErr := filekv.NewManager(logger, cfg.File.Path)
	if fileErr != nil {
		return nil, fmt.Errorf("both storage backends failed: badger: %v, file: %w", err, fileErr)
	}
	return fileManager, nil
}

// migrateJournal drains a leftover fallback journal into the primary store.
// The journal is only renamed away after every record lands, so a crash
// mid-migration re-runs it; upserts keyed by entity ID make the replay
// idempotent.
func migrateJournal(logger arbor.ILogger, cfg *common.StorageConfig, primary interfaces.StorageManager) error {
	if cfg.File.Path == "" {
		return nil
	}
	if _, err := os.Stat(cfg.File.Path); os.IsNotExist(err) {
		return nil
	}

	journal, err := filekv.NewManager(logger, cfg.File.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal for migration: %w", err)
	}
	defer journal.Close()

	users, jobs, batches := journal.Journal().Snapshot()
	if len(users) == 0 && len(jobs) == 0 && len(batches) == 0 {
		return retireJournal(cfg.File.Path)
	}

	logger.Info().
		Int("users", len(users)).
		Int("jobs", len(jobs)).
		Int("batches", len(batches)).
		Msg("Migrating fallback journal into primary store")

	ctx := context.Background()
	var g errgroup.Group

	g.Go(func() error {
		for _, u := range users {
			if err := primary.Users().SaveUser(ctx, u); err != nil {
				return fmt.Errorf("migrate user %s: %w", u.ID, err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, j := range jobs {
			if err := primary.Jobs().SaveJob(ctx, j); err != nil {
				return fmt.Errorf("migrate job %s: %w", j.ID, err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, b := range batches {
			if err := primary.Batches().SaveBatch(ctx, b); err != nil {
				return fmt.Errorf("migrate batch %s: %w", b.ID, err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if err := journal.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close journal after migration")
	}
	if err := retireJournal(cfg.File.Path); err != nil {
		return err
	}

	logger.Info().Msg("Journal migration completed")
	return nil
}

// retireJournal moves the drained journal aside so it is not replayed again.
func retireJournal(path string) error {
	if err := os.Rename(path, path+".migrated"); err != nil {
		return fmt.Errorf("failed to retire journal: %w", err)
	}
	return nil
}
