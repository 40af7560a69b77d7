package domain

import (
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	SenderID       *uuid.UUID  `json:"sender_id,omitempty"`
	Type           string      `json:"type"`
	Text           string      `json:"text"`
	MediaURL       string      `json:"media_url,omitempty"`
	Reactions      []Reaction  `json:"reactions"`
	ReadBy         []uuid.UUID `json:"read_by"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type Reaction struct {
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeVideo  = "video"
	MessageTypeSystem = "system"
)

func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeSystem:
		return true
	}
	return false
}

// ReactionChange - результат ApplyReaction.
type ReactionChange string

const (
	ReactionAdded    ReactionChange = "added"
	ReactionReplaced ReactionChange = "replaced"
	ReactionRemoved  ReactionChange = "removed"
)

// ApplyReaction держит не больше одной реакции на пользователя: та же эмодзи
// снимает реакцию, другая заменяет ее.
func (m *Message) ApplyReaction(userID uuid.UUID, emoji string, now time.Time) ReactionChange {
	for i, r := range m.Reactions {
		if r.UserID != userID {
			continue
		}
		if r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return ReactionRemoved
		}
		m.Reactions[i].Emoji = emoji
		m.Reactions[i].CreatedAt = now
		return ReactionReplaced
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, CreatedAt: now})
	return ReactionAdded
}

// Preview - текст для списка диалогов.
func (m *Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	switch m.Type {
	case MessageTypeImage:
		return "Image"
	case MessageTypeVideo:
		return "Video"
	}
	return ""
}
