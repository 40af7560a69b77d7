package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"project_hub/internal/domain"
	"project_hub/internal/realtime"
	"project_hub/internal/repository"
	apperrors "project_hub/pkg/errors"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
)

const (
	DefaultMessagePageSize = 30
	MaxMessagePageSize     = 100
	maxMessageTextLength   = 4000
)

type SendMessageInput struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	MediaURL string `json:"mediaUrl"`
}

type MessageService interface {
	// List возвращает страницу истории от старых к новым. Вышедшие участники
	// видят только сообщения до момента выхода.
	List(ctx context.Context, userID, conversationID uuid.UUID, page, limit int) ([]*domain.Message, error)
	Send(ctx context.Context, userID, conversationID uuid.UUID, input SendMessageInput) (*domain.Message, error)
	MarkRead(ctx context.Context, userID, conversationID uuid.UUID) (int64, error)
	React(ctx context.Context, userID, messageID uuid.UUID, emoji string) (*domain.Message, error)
	// PostSystemMessage сохраняет системное сообщение и только после этого
	// рассылает chat.message.created и chat.inbox.updated.
	PostSystemMessage(ctx context.Context, conv *domain.Conversation, text string) (*domain.Message, error)
}

type messageService struct {
	messageRepo      repository.MessageRepository
	conversationRepo repository.ConversationRepository
	notifier         realtime.Notifier
	log              logger.Logger
	now              func() time.Time
}

func NewMessageService(
	messageRepo repository.MessageRepository,
	conversationRepo repository.ConversationRepository,
	notifier realtime.Notifier,
	log logger.Logger,
) MessageService {
	return &messageService{
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		notifier:         notifier,
		log:              log,
		now:              time.Now,
	}
}

func (s *messageService) List(ctx context.Context, userID, conversationID uuid.UUID, page, limit int) ([]*domain.Message, error) {
	conv, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	access := conv.HistoryAccessFor(userID)
	if !access.Allowed {
		return nil, apperrors.ErrNotParticipant
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultMessagePageSize
	}
	if limit > MaxMessagePageSize {
		limit = MaxMessagePageSize
	}

	messages, _, err := s.messageRepo.List(ctx, conversationID, repository.MessageListFilter{
		Until:  access.Until,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}

	// Репозиторий отдает от новых к старым.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (s *messageService) Send(ctx context.Context, userID, conversationID uuid.UUID, input SendMessageInput) (*domain.Message, error) {
	input.Text = strings.TrimSpace(input.Text)
	input.MediaURL = strings.TrimSpace(input.MediaURL)
	if input.Type == "" {
		input.Type = domain.MessageTypeText
		if input.MediaURL != "" {
			input.Type = domain.MessageTypeImage
		}
	}

	switch {
	case !domain.ValidMessageType(input.Type) || input.Type == domain.MessageTypeSystem:
		return nil, fmt.Errorf("%w: unsupported message type", apperrors.ErrBadRequest)
	case input.Type == domain.MessageTypeText && input.Text == "":
		return nil, fmt.Errorf("%w: text is required", apperrors.ErrBadRequest)
	case input.Type != domain.MessageTypeText && input.MediaURL == "":
		return nil, fmt.Errorf("%w: mediaUrl is required", apperrors.ErrBadRequest)
	case len(input.Text) > maxMessageTextLength:
		return nil, fmt.Errorf("%w: text is too long", apperrors.ErrBadRequest)
	}

	conv, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(userID) {
		return nil, apperrors.ErrNotParticipant
	}
	if conv.Archived {
		return nil, apperrors.ErrConversationArchived
	}

	now := s.now().UTC()
	sender := userID
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       &sender,
		Type:           input.Type,
		Text:           input.Text,
		MediaURL:       input.MediaURL,
		Reactions:      []domain.Reaction{},
		ReadBy:         []uuid.UUID{userID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.messageRepo.Create(ctx, msg); err != nil {
		s.log.Error("Failed to create message", "error", err, "conversation_id", conversationID)
		return nil, err
	}

	s.fanOut(conv, msg)
	return msg, nil
}

func (s *messageService) PostSystemMessage(ctx context.Context, conv *domain.Conversation, text string) (*domain.Message, error) {
	now := s.now().UTC()
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Type:           domain.MessageTypeSystem,
		Text:           text,
		Reactions:      []domain.Reaction{},
		ReadBy:         []uuid.UUID{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.messageRepo.Create(ctx, msg); err != nil {
		return nil, err
	}

	conv.LastMessageAt = msg.CreatedAt
	conv.LastMessagePreview = msg.Preview()
	s.fanOut(conv, msg)
	return msg, nil
}

func (s *messageService) fanOut(conv *domain.Conversation, msg *domain.Message) {
	s.notifier.ToConversation(conv.ID, "chat.message.created", map[string]interface{}{
		"conversationId": conv.ID,
		"message":        msg,
	})

	inbox := map[string]interface{}{
		"conversationId": conv.ID,
		"lastMessage":    msg,
		"updatedAt":      msg.CreatedAt,
	}
	for _, participantID := range conv.Participants {
		s.notifier.ToUser(participantID, "chat.inbox.updated", inbox)
	}
}

func (s *messageService) MarkRead(ctx context.Context, userID, conversationID uuid.UUID) (int64, error) {
	conv, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.IsParticipant(userID) {
		return 0, apperrors.ErrNotParticipant
	}

	now := s.now().UTC()
	if _, err := s.messageRepo.MarkRead(ctx, conversationID, userID, now); err != nil {
		return 0, err
	}

	unread, err := s.messageRepo.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	// Другие вкладки пользователя сбрасывают счетчик.
	s.notifier.ToUser(userID, "chat.inbox.updated", map[string]interface{}{
		"conversationId": conversationID,
		"unreadCount":    unread,
	})
	s.notifier.ToConversation(conversationID, "chat.messages.read", map[string]interface{}{
		"conversationId": conversationID,
		"readerId":       userID,
		"upTo":           now,
	})

	return unread, nil
}

func (s *messageService) React(ctx context.Context, userID, messageID uuid.UUID, emoji string) (*domain.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, fmt.Errorf("%w: emoji is required", apperrors.ErrBadRequest)
	}

	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	conv, err := s.conversationRepo.GetByID(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(userID) {
		return nil, apperrors.ErrNotParticipant
	}

	now := s.now().UTC()
	change := msg.ApplyReaction(userID, emoji, now)

	stored := emoji
	if change == domain.ReactionRemoved {
		stored = ""
	}
	if err := s.messageRepo.SetReaction(ctx, messageID, userID, stored, now); err != nil {
		return nil, err
	}

	s.notifier.ToConversation(conv.ID, "chat.message.reaction", map[string]interface{}{
		"conversationId": conv.ID,
		"messageId":      msg.ID,
		"userId":         userID,
		"emoji":          emoji,
		"change":         change,
		"reactions":      msg.Reactions,
	})

	return msg, nil
}
