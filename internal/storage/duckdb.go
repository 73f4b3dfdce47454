// Package storage opens the DuckDB database that holds the loading history
// and persisted settings.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Options tunes the DuckDB connection.
type Options struct {
	// Threads caps DuckDB worker threads. Zero keeps the DuckDB default.
	Threads int
	// MemoryLimit is a DuckDB size string such as "256MB". Empty keeps the
	// default.
	MemoryLimit string
	// ReadOnly opens an existing file without write access.
	ReadOnly bool
}

// DB is an open DuckDB database.
type DB struct {
	*sql.DB
	path string
}

// Open creates (or opens) the database at path. The parent directory is
// created if needed.
func Open(ctx context.Context, path string, opts Options, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("storage")

	dsn := path
	if path == "" || path == MemoryPath {
		dsn = ""
		path = MemoryPath
	} else {
		if !opts.ReadOnly {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		if opts.ReadOnly {
			dsn += "?access_mode=READ_ONLY"
		}
	}

	pragmas := []string{"PRAGMA enable_progress_bar=false"}
	if opts.Threads > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", opts.Threads))
	}
	if opts.MemoryLimit != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit))
	}

	connector, err := duckdb.NewConnector(dsn, func(execer driver.ExecerContext) error {
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				log.Warn("pragma failed", zap.String("pragma", pragma), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	log.Info("database opened", zap.String("path", path), zap.Bool("readOnly", opts.ReadOnly))
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file, or MemoryPath.
func (d *DB) Path() string { return d.path }

// Migrate executes schema statements in order inside one transaction.
func (d *DB) Migrate(ctx context.Context, stmts ...string) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
