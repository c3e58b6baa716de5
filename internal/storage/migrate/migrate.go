// Package migrate applies embedded goose migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Runner applies the migrations of one database
type Runner struct {
	provider *goose.Provider
	logger   *zap.Logger
}

// New creates a runner over the migrations found at the root of fsys
func New(db *sql.DB, dialect goose.Dialect, fsys fs.FS, logger *zap.Logger) (*Runner, error) {
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return &Runner{provider: provider, logger: logger}, nil
}

// Sub returns the migrations directory of an embedded filesystem
func Sub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		// fs.Sub only fails on an invalid path, which is a programming error
		panic(err)
	}
	return sub
}

// Up applies every pending migration
func (r *Runner) Up(ctx context.Context) error {
	results, err := r.provider.Up(ctx)
	for _, res := range results {
		r.logger.Info("Applied migration",
			zap.String("path", res.Source.Path),
			zap.Int64("version", res.Source.Version),
			zap.Duration("duration", res.Duration),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back the latest migration
func (r *Runner) Down(ctx context.Context) error {
	res, err := r.provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	r.logger.Info("Rolled back migration",
		zap.String("path", res.Source.Path),
		zap.Int64("version", res.Source.Version),
	)
	return nil
}

// Status returns the state of every known migration
func (r *Runner) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}
	return statuses, nil
}

// Version returns the current schema version
func (r *Runner) Version(ctx context.Context) (int64, error) {
	version, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}
	return version, nil
}

// Create writes a new empty SQL migration to dir
func Create(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create migrations dir: %w", err)
	}
	if err := goose.Create(nil, dir, name, "sql"); err != nil {
		return fmt.Errorf("failed to create migration: %w", err)
	}
	return nil
}
