package main

import (
	"context"
	"fmt"

	"github.com/iontrap-lab/backend/internal/config"
	"github.com/iontrap-lab/backend/internal/history"
	"github.com/iontrap-lab/backend/internal/settings"
	"github.com/iontrap-lab/backend/internal/storage"
	"go.uber.org/zap"
)

// stores bundles the persisted state shared by the commands.
type stores struct {
	db       *storage.DB
	history  *history.Store
	settings settings.Store
}

// openStores opens the database named by cfg. When persistence is disabled
// or the database cannot be opened the service still runs: settings live in
// memory and the history keeps retrying the database on every write.
func openStores(ctx context.Context, cfg *config.AppConfig) (*stores, error) {
	path := cfg.DatabasePath()
	if path == "" {
		logger.Info("persistence disabled, settings and history kept in memory")
		return &stores{
			history:  history.Open(ctx, logger, nil),
			settings: settings.NewMemoryStore(),
		}, nil
	}

	opts := storage.Options{
		Threads:     cfg.Advanced.DuckDBThreads,
		MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
	}
	db, err := storage.Open(ctx, path, opts, logger)
	if err != nil {
		logger.Warn("database unavailable, settings kept in memory", zap.String("path", path), zap.Error(err))
		return &stores{
			history: history.Open(ctx, logger, func(ctx context.Context) (*storage.DB, error) {
				return storage.Open(ctx, path, opts, logger)
			}),
			settings: settings.NewMemoryStore(),
		}, nil
	}

	st := &stores{db: db}
	if st.settings, err = settings.NewDuckStore(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening settings: %w", err)
	}
	if st.history, err = history.OpenDB(ctx, logger, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening loading history: %w", err)
	}
	return st, nil
}

// Close releases the database.
func (s *stores) Close() error {
	if err := s.history.Close(); err != nil {
		logger.Warn("closing history", zap.Error(err))
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
