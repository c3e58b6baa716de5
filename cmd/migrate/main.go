package main

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"booklend/internal/storage/ch"
	"booklend/internal/storage/migrate"
	"booklend/internal/storage/sqlite"
)

const (
	targetSQLite     = "sqlite"
	targetClickHouse = "clickhouse"
)

type options struct {
	target string
	dir    string
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// open connects to the target database and returns its runner
func open(opts *options, logger *zap.Logger) (*migrate.Runner, func(), error) {
	var (
		db      *sql.DB
		dialect goose.Dialect
		fsys    fs.FS
	)

	switch opts.target {
	case targetSQLite:
		store, err := sqlite.Open(getEnv("SQLITE_PATH", "data/booklend.db"), logger)
		if err != nil {
			return nil, nil, err
		}
		db, dialect, fsys = store.DB(), goose.DialectSQLite3, migrate.Sub(sqlite.Migrations, "migrations")
	case targetClickHouse:
		port, err := strconv.Atoi(getEnv("CLICKHOUSE_PORT", "9000"))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid CLICKHOUSE_PORT: %w", err)
		}
		db = clickhouse.OpenDB(ch.Options(
			getEnv("CLICKHOUSE_HOST", "localhost"),
			port,
			getEnv("CLICKHOUSE_DATABASE", "default"),
			getEnv("CLICKHOUSE_USER", "default"),
			os.Getenv("CLICKHOUSE_PASSWORD"),
			getEnv("CLICKHOUSE_USE_TLS", "false") == "true",
		))
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		dialect, fsys = goose.DialectClickHouse, migrate.Sub(ch.Migrations, "migrations")
	default:
		return nil, nil, fmt.Errorf("unknown target %q (want %s or %s)", opts.target, targetSQLite, targetClickHouse)
	}

	runner, err := migrate.New(db, dialect, fsys, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("Connected", zap.String("target", opts.target))
	return runner, func() { db.Close() }, nil
}

func withRunner(opts *options, logger *zap.Logger, fn func(cmd *cobra.Command, r *migrate.Runner) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		runner, closeDB, err := open(opts, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		return fn(cmd, runner)
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply booklend database migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.target, "target", "t", targetSQLite, "database to migrate: sqlite or clickhouse")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withRunner(opts, logger, func(cmd *cobra.Command, r *migrate.Runner) error {
			if err := r.Up(cmd.Context()); err != nil {
				return err
			}
			logger.Info("Migrations completed successfully")
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		Args:  cobra.NoArgs,
		RunE: withRunner(opts, logger, func(cmd *cobra.Command, r *migrate.Runner) error {
			return r.Down(cmd.Context())
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the state of every migration",
		Args:  cobra.NoArgs,
		RunE: withRunner(opts, logger, func(cmd *cobra.Command, r *migrate.Runner) error {
			statuses, err := r.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range statuses {
				applied := "pending"
				if s.State == goose.StateApplied {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", s.Source.Path, applied)
			}
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: withRunner(opts, logger, func(cmd *cobra.Command, r *migrate.Runner) error {
			version, err := r.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d\n", version)
			return nil
		}),
	})

	create := &cobra.Command{
		Use:   "create <migration_name>",
		Short: "Write a new empty SQL migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.dir
			if dir == "" {
				dir = fmt.Sprintf("internal/storage/%s/migrations", map[string]string{
					targetSQLite:     "sqlite",
					targetClickHouse: "ch",
				}[opts.target])
			}
			if err := migrate.Create(dir, args[0]); err != nil {
				return err
			}
			logger.Info("Created migration", zap.String("name", args[0]), zap.String("dir", dir))
			return nil
		},
	}
	create.Flags().StringVar(&opts.dir, "dir", "", "migrations directory (defaults to the target's embedded directory)")
	root.AddCommand(create)

	return root
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error("Migration command failed", zap.Error(err))
		os.Exit(1)
	}
}
