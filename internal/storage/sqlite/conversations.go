package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"booklend/internal/models"
	"booklend/internal/storage"
)

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		doc     string
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(doc), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if conv.DeletedBy == nil {
		conv.DeletedBy = []string{}
	}
	if conv.UnreadCount == nil {
		conv.UnreadCount = map[string]int{}
	}
	conv.Version = version
	return &conv, nil
}

// CreateConversation inserts the conversation at version 1
func (s *SQLiteDB) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if len(conv.Participants) != 2 {
		return fmt.Errorf("conversation needs two participants, got %d", len(conv.Participants))
	}
	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (id, pair_key, participant_a, participant_b, document, last_message_at, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		conv.ID, conv.PairKey(), conv.Participants[0], conv.Participants[1], string(doc), conv.LastMessageAt.UnixNano())
	if isDuplicate(err) {
		return fmt.Errorf("conversation %s: %w", conv.PairKey(), storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.Version = 1
	return nil
}

// GetConversation returns a conversation by id
func (s *SQLiteDB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `SELECT document, version FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// FindConversationByPair returns the conversation of the unordered pair
func (s *SQLiteDB) FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `SELECT document, version FROM conversations WHERE pair_key = ?`,
		models.PairKey(a, b)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the conversations userID can see, most recent first
func (s *SQLiteDB) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document, version FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_message_at DESC, id`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		// deleted_by lives in the document
		if conv.VisibleTo(userID) {
			convs = append(convs, *conv)
		}
	}
	return convs, rows.Err()
}

// UpdateConversation replaces the conversation when the stored version matches
func (s *SQLiteDB) UpdateConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64) error {
	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE conversations
		SET document = ?, last_message_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(doc), conv.LastMessageAt.UnixNano(), conv.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if err := s.casResult(ctx, res, "conversations", conv.ID); err != nil {
		return err
	}
	conv.Version = expectedVersion + 1
	return nil
}

// DeleteConversation removes the conversation and its messages
func (s *SQLiteDB) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return tx.Commit()
}

// CreateMessage appends a message to its conversation
func (s *SQLiteDB) CreateMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt.UnixNano(), msg.IsRead)
	if isMissingParent(err) {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, storage.ErrNotFound)
	}
	if isDuplicate(err) {
		return fmt.Errorf("message %s: %w", msg.ID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// DeleteMessage removes a single message
func (s *SQLiteDB) DeleteMessage(ctx context.Context, conversationID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListMessages returns messages in creation order
func (s *SQLiteDB) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, sender_id, content, created_at, is_read
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg       models.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &createdAt, &msg.IsRead); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkMessagesRead flags the messages not sent by readerID as read
func (s *SQLiteDB) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0`, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
