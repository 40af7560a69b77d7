package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"project_hub/internal/domain"
	apperrors "project_hub/pkg/errors"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageListFilter задает страницу истории. Until ограничивает выборку
// сообщениями, созданными не позже указанного момента.
type MessageListFilter struct {
	Until  *time.Time
	Limit  int
	Offset int
}

type MessageRepository interface {
	// Create сохраняет сообщение и в той же транзакции обновляет превью диалога.
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	List(ctx context.Context, conversationID uuid.UUID, filter MessageListFilter) ([]*domain.Message, int, error)
	// SetReaction заменяет реакцию пользователя; emoji == "" снимает ее.
	SetReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string, at time.Time) error
	// MarkRead отмечает прочитанными чужие несистемные сообщения и
	// возвращает число отмеченных.
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (int64, error)
	CountUnread(ctx context.Context, conversationID, userID uuid.UUID) (int64, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

func (r *messageRepository) Create(ctx context.Context, msg *domain.Message) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin transaction", "error", err)
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, type, text, media_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Type, msg.Text, msg.MediaURL, msg.CreatedAt)
	if err != nil {
		r.log.Error("Failed to insert message", "error", err, "conversation_id", msg.ConversationID)
		return fmt.Errorf("insert message: %w", err)
	}

	for _, readerID := range msg.ReadBy {
		if _, err := tx.Exec(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, msg.ID, readerID, msg.CreatedAt); err != nil {
			return fmt.Errorf("insert read receipt: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE conversations
		SET last_message_at = $2, last_message_preview = $3, updated_at = NOW()
		WHERE id = $1
	`, msg.ConversationID, msg.CreatedAt, msg.Preview())
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrConversationNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.Error("Failed to commit message", "error", err)
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, type, text, media_url, created_at, updated_at
		FROM messages
		WHERE id = $1
	`

	msg := &domain.Message{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Type, &msg.Text,
		&msg.MediaURL, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrMessageNotFound
		}
		r.log.Error("Failed to get message", "error", err, "message_id", id)
		return nil, fmt.Errorf("get message: %w", err)
	}

	if err := r.attach(ctx, []*domain.Message{msg}); err != nil {
		return nil, err
	}

	return msg, nil
}

func (r *messageRepository) List(ctx context.Context, conversationID uuid.UUID, filter MessageListFilter) ([]*domain.Message, int, error) {
	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at <= $2)
	`, conversationID, filter.Until).Scan(&total)
	if err != nil {
		r.log.Error("Failed to count messages", "error", err, "conversation_id", conversationID)
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id, sender_id, type, text, media_url, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, conversationID, filter.Until, filter.Limit, filter.Offset)
	if err != nil {
		r.log.Error("Failed to list messages", "error", err, "conversation_id", conversationID)
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0, filter.Limit)
	for rows.Next() {
		msg := &domain.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Type, &msg.Text,
			&msg.MediaURL, &msg.CreatedAt, &msg.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := r.attach(ctx, messages); err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

// attach подгружает реакции и отметки о прочтении.
func (r *messageRepository) attach(ctx context.Context, messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(messages))
	byID := make(map[uuid.UUID]*domain.Message, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		m.Reactions = make([]domain.Reaction, 0)
		m.ReadBy = make([]uuid.UUID, 0)
		byID[m.ID] = m
	}

	rows, err := r.db.Query(ctx, `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at
	`, ids)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	for rows.Next() {
		var (
			messageID uuid.UUID
			reaction  domain.Reaction
		)
		if err := rows.Scan(&messageID, &reaction.UserID, &reaction.Emoji, &reaction.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan reaction: %w", err)
		}
		byID[messageID].Reactions = append(byID[messageID].Reactions, reaction)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.Query(ctx, `
		SELECT message_id, user_id FROM message_reads WHERE message_id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("load reads: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messageID, userID uuid.UUID
		if err := rows.Scan(&messageID, &userID); err != nil {
			return fmt.Errorf("scan read: %w", err)
		}
		byID[messageID].ReadBy = append(byID[messageID].ReadBy, userID)
	}

	return rows.Err()
}

func (r *messageRepository) SetReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string, at time.Time) error {
	if emoji == "" {
		_, err := r.db.Exec(ctx, `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID)
		if err != nil {
			r.log.Error("Failed to remove reaction", "error", err, "message_id", messageID)
			return fmt.Errorf("remove reaction: %w", err)
		}
		return nil
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, created_at = EXCLUDED.created_at
	`, messageID, userID, emoji, at)
	if err != nil {
		r.log.Error("Failed to set reaction", "error", err, "message_id", messageID)
		return fmt.Errorf("set reaction: %w", err)
	}

	return nil
}

func (r *messageRepository) MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT m.id, $2, $3
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.type <> 'system'
		  AND (m.sender_id IS NULL OR m.sender_id <> $2)
		ON CONFLICT DO NOTHING
	`, conversationID, userID, at)
	if err != nil {
		r.log.Error("Failed to mark messages read", "error", err, "conversation_id", conversationID)
		return 0, fmt.Errorf("mark read: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *messageRepository) CountUnread(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.type <> 'system'
		  AND (m.sender_id IS NULL OR m.sender_id <> $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $2
		  )
	`, conversationID, userID).Scan(&count)
	if err != nil {
		r.log.Error("Failed to count unread", "error", err, "conversation_id", conversationID)
		return 0, fmt.Errorf("count unread: %w", err)
	}

	return count, nil
}
