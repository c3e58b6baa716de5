package ch

import (
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"booklend/internal/models"
	"booklend/internal/storage"
	"booklend/internal/storage/migrate"
)

// Migrations holds the journal schema
//
//go:embed migrations/*.sql
var Migrations embed.FS

// ClickHouseDB is the activity journal on ClickHouse
type ClickHouseDB struct {
	conn    clickhouse.Conn
	options *clickhouse.Options
}

// Options builds the native protocol options shared by the journal and cmd/migrate
func Options(host string, port int, database, user, password string, useTLS bool) *clickhouse.Options {
	options := &clickhouse.Options{
		Addr:     []string{fmt.Sprintf("%s:%d", host, port)},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
		DialTimeout: 10 * time.Second,
	}
	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}
	return options
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(host string, port int, database, user, password string, useTLS bool) (*ClickHouseDB, error) {
	options := Options(host, port, database, user, password, useTLS)

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn, options: options}, nil
}

// Migrate applies the embedded migrations over a database/sql handle
func (db *ClickHouseDB) Migrate(ctx context.Context, logger *zap.Logger) error {
	sqlDB := clickhouse.OpenDB(db.options)
	defer sqlDB.Close()

	runner, err := migrate.New(sqlDB, goose.DialectClickHouse, migrate.Sub(Migrations, "migrations"), logger)
	if err != nil {
		return err
	}
	return runner.Up(ctx)
}

// RecordEvent appends a lending transition to the journal
func (db *ClickHouseDB) RecordEvent(ctx context.Context, event models.ActivityEvent) error {
	err := db.conn.Exec(ctx, `INSERT INTO activity_events (at, book_id, book_title, action, actor_id, counterpart_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.At.UTC(), event.BookID, event.BookTitle, event.Action, event.ActorID, event.CounterpartID)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetLastEvents returns the last N events involving userID, or everyone's when userID is empty
func (db *ClickHouseDB) GetLastEvents(ctx context.Context, userID string, limit int) ([]models.ActivityEvent, error) {
	rows, err := db.conn.Query(ctx, `SELECT at, book_id, book_title, action, actor_id, counterpart_id
		FROM activity_events
		WHERE ? = '' OR actor_id = ? OR counterpart_id = ?
		ORDER BY at DESC
		LIMIT ?`, userID, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get last events: %w", err)
	}
	defer rows.Close()

	events := make([]models.ActivityEvent, 0)
	for rows.Next() {
		var event models.ActivityEvent
		if err := rows.Scan(&event.At, &event.BookID, &event.BookTitle, &event.Action, &event.ActorID, &event.CounterpartID); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetTopBooks returns the books with the most accepted loans within the period
func (db *ClickHouseDB) GetTopBooks(ctx context.Context, limit int, startDate, endDate time.Time) ([]models.BookStat, error) {
	rows, err := db.conn.Query(ctx, `SELECT book_id, argMax(book_title, at) AS title, count() AS loans
		FROM activity_events
		WHERE action = ? AND at >= ? AND at <= ?
		GROUP BY book_id
		ORDER BY loans DESC, title
		LIMIT ?`, models.ActionAccepted, startDate.UTC(), endDate.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top books: %w", err)
	}
	defer rows.Close()

	stats := make([]models.BookStat, 0)
	for rows.Next() {
		var (
			stat  models.BookStat
			loans uint64
		)
		if err := rows.Scan(&stat.BookID, &stat.BookTitle, &loans); err != nil {
			return nil, fmt.Errorf("failed to scan book stat: %w", err)
		}
		stat.LoanCount = int(loans)
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

var _ storage.Journal = (*ClickHouseDB)(nil)
