package service

import (
	"context"
	"errors"

	"project_hub/internal/domain"
	"project_hub/internal/metrics"
	"project_hub/internal/realtime"
	"project_hub/internal/repository"
	apperrors "project_hub/pkg/errors"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
)

// Причины отказа. Клиенту не передаются, только в лог, метрики и аудит.
const (
	ReasonInvalidID      = "invalid_id"
	ReasonNotFound       = "not_found"
	ReasonOrgMismatch    = "org_mismatch"
	ReasonNotParticipant = "not_participant"
	ReasonLookupFailed   = "lookup_failed"
)

// Decision - результат проверки доступа к комнате.
type Decision struct {
	Room    string
	Allowed bool
	Reason  string
}

func allow(room string) Decision {
	return Decision{Room: room, Allowed: true}
}

func deny(room, reason string) Decision {
	return Decision{Room: room, Reason: reason}
}

type AccessService interface {
	AuthorizeProject(ctx context.Context, identity realtime.Identity, projectID uuid.UUID) Decision
	AuthorizeTask(ctx context.Context, identity realtime.Identity, taskID uuid.UUID) Decision
	AuthorizeConversation(ctx context.Context, identity realtime.Identity, conversationID uuid.UUID) Decision
	// AuthorizeCall проверяет участие в диалоге перед любым событием звонка.
	AuthorizeCall(ctx context.Context, identity realtime.Identity, conversationID uuid.UUID) (*domain.Conversation, Decision)
}

type accessService struct {
	projectRepo      repository.ProjectRepository
	conversationRepo repository.ConversationRepository
	audit            AuditService
	log              logger.Logger
}

func NewAccessService(
	projectRepo repository.ProjectRepository,
	conversationRepo repository.ConversationRepository,
	audit AuditService,
	log logger.Logger,
) AccessService {
	return &accessService{
		projectRepo:      projectRepo,
		conversationRepo: conversationRepo,
		audit:            audit,
		log:              log,
	}
}

func (s *accessService) AuthorizeProject(ctx context.Context, identity realtime.Identity, projectID uuid.UUID) Decision {
	room := realtime.ProjectRoom(projectID)
	d := s.projectDecision(ctx, identity, room, projectID)
	s.recordJoin(ctx, identity, d)
	return d
}

func (s *accessService) AuthorizeTask(ctx context.Context, identity realtime.Identity, taskID uuid.UUID) Decision {
	room := realtime.TaskRoom(taskID)
	d := s.taskDecision(ctx, identity, room, taskID)
	s.recordJoin(ctx, identity, d)
	return d
}

func (s *accessService) AuthorizeConversation(ctx context.Context, identity realtime.Identity, conversationID uuid.UUID) Decision {
	_, d := s.participantDecision(ctx, identity, conversationID)
	s.recordJoin(ctx, identity, d)
	return d
}

func (s *accessService) AuthorizeCall(ctx context.Context, identity realtime.Identity, conversationID uuid.UUID) (*domain.Conversation, Decision) {
	conv, d := s.participantDecision(ctx, identity, conversationID)
	metrics.CallAuthorizations.WithLabelValues(decisionResult(d)).Inc()
	s.recordDenial(ctx, identity, d, domain.EventTypeCallDenied)
	if !d.Allowed {
		return nil, d
	}
	return conv, d
}

func (s *accessService) projectDecision(ctx context.Context, identity realtime.Identity, room string, projectID uuid.UUID) Decision {
	if projectID == uuid.Nil {
		return deny(room, ReasonInvalidID)
	}

	project, err := s.projectRepo.GetProject(ctx, projectID)
	if err != nil {
		return deny(room, lookupReason(err))
	}
	if project.OrganizationID != identity.OrganizationID {
		return deny(room, ReasonOrgMismatch)
	}

	return allow(room)
}

func (s *accessService) taskDecision(ctx context.Context, identity realtime.Identity, room string, taskID uuid.UUID) Decision {
	if taskID == uuid.Nil {
		return deny(room, ReasonInvalidID)
	}

	task, err := s.projectRepo.GetTask(ctx, taskID)
	if err != nil {
		return deny(room, lookupReason(err))
	}

	d := s.projectDecision(ctx, identity, room, task.ProjectID)
	if d.Reason == ReasonInvalidID {
		d.Reason = ReasonNotFound
	}
	return d
}

func (s *accessService) participantDecision(ctx context.Context, identity realtime.Identity, conversationID uuid.UUID) (*domain.Conversation, Decision) {
	room := realtime.ConversationRoom(conversationID)
	if conversationID == uuid.Nil {
		return nil, deny(room, ReasonInvalidID)
	}

	conv, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, deny(room, lookupReason(err))
	}
	// Вышедшие участники не возвращаются в комнату, даже если могут читать историю.
	if !conv.IsParticipant(identity.UserID) {
		return nil, deny(room, ReasonNotParticipant)
	}

	return conv, allow(room)
}

func (s *accessService) recordJoin(ctx context.Context, identity realtime.Identity, d Decision) {
	metrics.RoomJoins.WithLabelValues(realtime.RoomKind(d.Room), decisionResult(d)).Inc()
	s.recordDenial(ctx, identity, d, domain.EventTypeJoinDenied)
}

// recordDenial пишет отказ в лог и аудит; разрешенные решения пропускаются.
func (s *accessService) recordDenial(ctx context.Context, identity realtime.Identity, d Decision, eventType string) {
	if d.Allowed {
		return
	}

	s.log.Warn("Realtime access denied",
		"event", eventType,
		"user_id", identity.UserID,
		"organization_id", identity.OrganizationID,
		"resource", d.Room,
		"reason", d.Reason,
	)

	userID, orgID := identity.UserID, identity.OrganizationID
	if err := s.audit.LogEvent(ctx, &userID, &orgID, eventType, d.Room, map[string]interface{}{
		"reason": d.Reason,
	}); err != nil {
		s.log.Error("Failed to write audit log", "error", err, "event", eventType)
	}
}

func decisionResult(d Decision) string {
	if d.Allowed {
		return metrics.ResultAllowed
	}
	return metrics.ResultDenied
}

func lookupReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrProjectNotFound),
		errors.Is(err, apperrors.ErrTaskNotFound),
		errors.Is(err, apperrors.ErrConversationNotFound),
		errors.Is(err, apperrors.ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonLookupFailed
	}
}
