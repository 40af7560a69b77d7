package realtime

import (
	"sync/atomic"
	"time"

	"project_hub/internal/metrics"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
)

// Notifier доставляет события в комнаты. Доставка не более одного раза:
// отключенные получатели событие теряют.
type Notifier interface {
	ToOrganization(orgID uuid.UUID, event string, data interface{})
	ToProject(projectID uuid.UUID, event string, data interface{})
	ToTask(taskID uuid.UUID, event string, data interface{})
	ToConversation(conversationID uuid.UUID, event string, data interface{})
	// ToConversationExcept не доставляет событие соединению except.
	ToConversationExcept(conversationID, except uuid.UUID, event string, data interface{})
	ToUser(userID uuid.UUID, event string, data interface{})
}

// Publisher - Notifier поверх Hub. До Attach все вызовы ничего не делают.
type Publisher struct {
	hub atomic.Pointer[Hub]
	log logger.Logger
	now func() time.Time
}

func NewPublisher(log logger.Logger) *Publisher {
	return &Publisher{log: log, now: time.Now}
}

func (p *Publisher) Attach(hub *Hub) {
	p.hub.Store(hub)
}

func (p *Publisher) ToOrganization(orgID uuid.UUID, event string, data interface{}) {
	p.emit(OrganizationRoom(orgID), uuid.Nil, event, data)
}

func (p *Publisher) ToProject(projectID uuid.UUID, event string, data interface{}) {
	p.emit(ProjectRoom(projectID), uuid.Nil, event, data)
}

func (p *Publisher) ToTask(taskID uuid.UUID, event string, data interface{}) {
	p.emit(TaskRoom(taskID), uuid.Nil, event, data)
}

func (p *Publisher) ToConversation(conversationID uuid.UUID, event string, data interface{}) {
	p.emit(ConversationRoom(conversationID), uuid.Nil, event, data)
}

func (p *Publisher) ToConversationExcept(conversationID, except uuid.UUID, event string, data interface{}) {
	p.emit(ConversationRoom(conversationID), except, event, data)
}

func (p *Publisher) ToUser(userID uuid.UUID, event string, data interface{}) {
	p.emit(UserRoom(userID), uuid.Nil, event, data)
}

func (p *Publisher) emit(room string, except uuid.UUID, event string, data interface{}) {
	hub := p.hub.Load()
	if hub == nil {
		return
	}

	payload, err := NewEnvelope(event, data, p.now()).Marshal()
	if err != nil {
		metrics.EventsDropped.WithLabelValues("marshal_failed").Inc()
		p.log.Error("Failed to marshal event", "error", err, "event", event, "room", room)
		return
	}

	metrics.EventsEmitted.WithLabelValues(event).Inc()
	hub.Broadcast(room, payload, except)
}
