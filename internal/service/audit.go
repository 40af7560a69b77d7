package service

import (
	"context"
	"time"

	"project_hub/internal/domain"
	"project_hub/internal/repository"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
)

type AuditService interface {
	LogEvent(ctx context.Context, actorUserID, organizationID *uuid.UUID, eventType, resource string, payload map[string]interface{}) error
}

type auditService struct {
	auditRepo repository.AuditRepository
	log       logger.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, log logger.Logger) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		log:       log,
	}
}

func (s *auditService) LogEvent(ctx context.Context, actorUserID, organizationID *uuid.UUID, eventType, resource string, payload map[string]interface{}) error {
	if payload == nil {
		payload = make(map[string]interface{})
	}

	auditLog := &domain.AuditLog{
		EventTime:      time.Now().UTC(),
		ActorUserID:    actorUserID,
		OrganizationID: organizationID,
		EventType:      eventType,
		Resource:       resource,
		Payload:        payload,
	}

	return s.auditRepo.CreateLog(ctx, auditLog)
}
