package realtime

import (
	"strings"

	"github.com/google/uuid"
)

const (
	organizationPrefix = "org:"
	userPrefix         = "user:"
	projectPrefix      = "project:"
	taskPrefix         = "task:"
	conversationPrefix = "chat:"
)

func OrganizationRoom(id uuid.UUID) string {
	return organizationPrefix + id.String()
}

func UserRoom(id uuid.UUID) string {
	return userPrefix + id.String()
}

func ProjectRoom(id uuid.UUID) string {
	return projectPrefix + id.String()
}

// TaskRoom общая для событий задачи, подзадач и совместной работы.
func TaskRoom(id uuid.UUID) string {
	return taskPrefix + id.String()
}

func ConversationRoom(id uuid.UUID) string {
	return conversationPrefix + id.String()
}

// ParseTaskRoom возвращает id задачи, если room - комната задачи.
func ParseTaskRoom(room string) (uuid.UUID, bool) {
	if !strings.HasPrefix(room, taskPrefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(room, taskPrefix))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// RoomKind - префикс комнаты без двоеточия, используется как метка метрик.
func RoomKind(room string) string {
	if i := strings.IndexByte(room, ':'); i > 0 {
		return room[:i]
	}
	return "unknown"
}
