package repository

import (
	"context"
	"errors"
	"fmt"

	"project_hub/internal/domain"
	apperrors "project_hub/pkg/errors"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConversationRepository interface {
	// GetByID загружает диалог вместе с участниками, админами и вышедшими.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
}

type conversationRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

func (r *conversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT id, organization_id, name, is_group, created_by, last_message_at,
		       last_message_preview, archived, archived_by, archived_at, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	conv := &domain.Conversation{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.OrganizationID, &conv.Name, &conv.IsGroup, &conv.CreatedBy,
		&conv.LastMessageAt, &conv.LastMessagePreview, &conv.Archived, &conv.ArchivedBy,
		&conv.ArchivedAt, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrConversationNotFound
		}
		r.log.Error("Failed to get conversation", "error", err, "conversation_id", id)
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	if err := r.loadParticipants(ctx, conv); err != nil {
		return nil, err
	}
	if err := r.loadLeavers(ctx, conv); err != nil {
		return nil, err
	}

	return conv, nil
}

func (r *conversationRepository) loadParticipants(ctx context.Context, conv *domain.Conversation) error {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, is_admin
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at
	`, conv.ID)
	if err != nil {
		r.log.Error("Failed to load participants", "error", err, "conversation_id", conv.ID)
		return fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	conv.Participants = make([]uuid.UUID, 0)
	for rows.Next() {
		var (
			userID  uuid.UUID
			isAdmin bool
		)
		if err := rows.Scan(&userID, &isAdmin); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		conv.Participants = append(conv.Participants, userID)
		if isAdmin {
			conv.Admins = append(conv.Admins, userID)
		}
	}

	return rows.Err()
}

func (r *conversationRepository) loadLeavers(ctx context.Context, conv *domain.Conversation) error {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, left_at
		FROM conversation_leavers
		WHERE conversation_id = $1
		ORDER BY left_at
	`, conv.ID)
	if err != nil {
		r.log.Error("Failed to load leavers", "error", err, "conversation_id", conv.ID)
		return fmt.Errorf("load leavers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.Leaver
		if err := rows.Scan(&l.UserID, &l.LeftAt); err != nil {
			return fmt.Errorf("scan leaver: %w", err)
		}
		conv.Leavers = append(conv.Leavers, l)
	}

	return rows.Err()
}
