package domain

import (
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID                 uuid.UUID   `json:"id"`
	OrganizationID     uuid.UUID   `json:"organization_id"`
	Name               string      `json:"name"`
	IsGroup            bool        `json:"is_group"`
	CreatedBy          *uuid.UUID  `json:"created_by,omitempty"`
	Participants       []uuid.UUID `json:"participants"`
	Admins             []uuid.UUID `json:"admins,omitempty"`
	Leavers            []Leaver    `json:"leavers,omitempty"`
	LastMessageAt      time.Time   `json:"last_message_at"`
	LastMessagePreview string      `json:"last_message_preview"`
	Archived           bool        `json:"archived"`
	ArchivedBy         *uuid.UUID  `json:"archived_by,omitempty"`
	ArchivedAt         *time.Time  `json:"archived_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Leaver - бывший участник. Читать историю он может только до момента выхода.
type Leaver struct {
	UserID uuid.UUID `json:"user_id"`
	LeftAt time.Time `json:"left_at"`
}

func (c *Conversation) IsParticipant(userID uuid.UUID) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// LeftAt возвращает время последнего выхода пользователя, если он выходил.
func (c *Conversation) LeftAt(userID uuid.UUID) (time.Time, bool) {
	var (
		leftAt time.Time
		found  bool
	)
	for _, l := range c.Leavers {
		if l.UserID == userID && (!found || l.LeftAt.After(leftAt)) {
			leftAt = l.LeftAt
			found = true
		}
	}
	return leftAt, found
}

// HistoryAccess описывает, какую часть истории может читать пользователь.
// Until == nil означает всю историю.
type HistoryAccess struct {
	Allowed bool
	Until   *time.Time
}

func (c *Conversation) HistoryAccessFor(userID uuid.UUID) HistoryAccess {
	if c.IsParticipant(userID) {
		return HistoryAccess{Allowed: true}
	}
	if leftAt, ok := c.LeftAt(userID); ok {
		return HistoryAccess{Allowed: true, Until: &leftAt}
	}
	return HistoryAccess{}
}
