package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"booklend/internal/models"
	"booklend/internal/storage"
)

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanUser(row scanner) (*models.User, error) {
	var (
		user      models.User
		username  sql.NullString
		createdAt int64
	)
	if err := row.Scan(&user.ID, &username, &user.Stats.Borrowed, &user.Stats.Lent, &createdAt); err != nil {
		return nil, err
	}
	user.Username = username.String
	user.CreatedAt = time.Unix(0, createdAt).UTC()
	return &user, nil
}

const userColumns = `id, username, borrowed, lent, created_at`

// EnsureUser creates an empty profile unless one exists
func (s *SQLiteDB) EnsureUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// UpsertUser creates the user or updates its username
func (s *SQLiteDB) UpsertUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username`,
		user.ID, nullable(user.Username), user.CreatedAt.UnixNano())
	if isDuplicate(err) {
		return fmt.Errorf("username %s: %w", user.Username, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser returns a user by id
func (s *SQLiteDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByUsername returns a user by username, case-insensitively
func (s *SQLiteDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if username == "" {
		return nil, storage.ErrNotFound
	}
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	return user, nil
}

// IncrementStat adds delta to a counter, clamping at zero
func (s *SQLiteDB) IncrementStat(ctx context.Context, userID string, counter models.StatCounter, delta int) error {
	var column string
	switch counter {
	case models.CounterBorrowed:
		column = "borrowed"
	case models.CounterLent:
		column = "lent"
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}

	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE users SET %[1]s = MAX(%[1]s + ?, 0) WHERE id = ?`, column)
	if _, err := s.db.ExecContext(ctx, query, delta, userID); err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return nil
}

// GetTemplates returns the saved templates, or ErrNotFound
func (s *SQLiteDB) GetTemplates(ctx context.Context, userID string) (*models.MessageTemplates, error) {
	var tmpl models.MessageTemplates
	err := s.db.QueryRowContext(ctx, `SELECT accept_text, reject_text, return_text FROM message_templates WHERE user_id = ?`, userID).
		Scan(&tmpl.Accept, &tmpl.Reject, &tmpl.Return)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get templates: %w", err)
	}
	return &tmpl, nil
}

// SaveTemplates replaces the user's templates
func (s *SQLiteDB) SaveTemplates(ctx context.Context, userID string, tmpl models.MessageTemplates) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO message_templates (user_id, accept_text, reject_text, return_text)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			accept_text = excluded.accept_text,
			reject_text = excluded.reject_text,
			return_text = excluded.return_text`,
		userID, tmpl.Accept, tmpl.Reject, tmpl.Return)
	if err != nil {
		return fmt.Errorf("failed to save templates: %w", err)
	}
	return nil
}
