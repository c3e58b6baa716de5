// Package sqlite is the document-style primary store on SQLite.
//
// Books and conversations are kept as JSON documents next to the few columns
// queries filter on. Both carry a version column that every update checks.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"booklend/internal/storage"
	"booklend/internal/storage/migrate"
)

// Migrations holds the schema, applied by Initialize and cmd/migrate
//
//go:embed migrations/*.sql
var Migrations embed.FS

// SQLiteDB implements storage.Storage
type SQLiteDB struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database file at path
func Open(path string, logger *zap.Logger) (*SQLiteDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteDB{db: db, logger: logger}, nil
}

// DB exposes the underlying connection pool
func (s *SQLiteDB) DB() *sql.DB {
	return s.db
}

// Initialize enables WAL and applies pending migrations
func (s *SQLiteDB) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	runner, err := migrate.New(s.db, goose.DialectSQLite3, migrate.Sub(Migrations, "migrations"), s.logger)
	if err != nil {
		return err
	}
	return runner.Up(ctx)
}

// Close closes the database
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func isConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range codes {
		if se.ExtendedCode == code {
			return true
		}
	}
	return false
}

func isDuplicate(err error) bool {
	return isConstraint(err, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey)
}

// casResult turns a zero-row conditional update into ErrNotFound or ErrConflict
func (s *SQLiteDB) casResult(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return storage.ErrConflict
}

var _ storage.Storage = (*SQLiteDB)(nil)

func isMissingParent(err error) bool {
	return isConstraint(err, sqlite3.ErrConstraintForeignKey)
}
