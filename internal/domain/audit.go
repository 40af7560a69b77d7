package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID             int64                  `json:"id"`
	EventTime      time.Time              `json:"event_time"`
	ActorUserID    *uuid.UUID             `json:"actor_user_id,omitempty"`
	OrganizationID *uuid.UUID             `json:"organization_id,omitempty"`
	EventType      string                 `json:"event_type"`
	Resource       string                 `json:"resource"`
	Payload        map[string]interface{} `json:"payload"`
}

const (
	EventTypeJoinDenied   = "JOIN_DENIED"
	EventTypeCallDenied   = "CALL_DENIED"
	EventTypeCallDeclined = "CALL_DECLINED"
	EventTypeCallEnded    = "CALL_ENDED"
	EventTypeCallMissed   = "CALL_MISSED"
)
