package service

import (
	"context"
	"time"

	"project_hub/internal/domain"
	"project_hub/internal/realtime"
	"project_hub/internal/repository"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
)

type memberPresencePayload struct {
	OrganizationID uuid.UUID `json:"organizationId"`
	UserID         uuid.UUID `json:"userId"`
	Online         bool      `json:"online"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
}

// OnlineService публикует org.member.presence и ведет счетчики соединений в Redis.
// Событие рассылается на каждое подключение и отключение.
type OnlineService interface {
	Connected(ctx context.Context, identity realtime.Identity)
	Disconnected(ctx context.Context, identity realtime.Identity)
	// Touch продлевает онлайн-отметку по pong; событие не рассылается.
	Touch(ctx context.Context, identity realtime.Identity)
	List(ctx context.Context, orgID uuid.UUID) ([]domain.OnlineMember, error)
}

type onlineService struct {
	onlineRepo repository.OnlineRepository
	notifier   realtime.Notifier
	log        logger.Logger
	now        func() time.Time
}

func NewOnlineService(onlineRepo repository.OnlineRepository, notifier realtime.Notifier, log logger.Logger) OnlineService {
	return &onlineService{
		onlineRepo: onlineRepo,
		notifier:   notifier,
		log:        log,
		now:        time.Now,
	}
}

func (s *onlineService) Connected(ctx context.Context, identity realtime.Identity) {
	now := s.now().UTC()
	if _, err := s.onlineRepo.MarkOnline(ctx, identity.OrganizationID, identity.UserID, now); err != nil {
		s.log.Warn("Failed to record online state", "error", err, "user_id", identity.UserID)
	}
	s.publish(identity, true, now)
}

func (s *onlineService) Disconnected(ctx context.Context, identity realtime.Identity) {
	now := s.now().UTC()
	if _, err := s.onlineRepo.MarkOffline(ctx, identity.OrganizationID, identity.UserID, now); err != nil {
		s.log.Warn("Failed to record offline state", "error", err, "user_id", identity.UserID)
	}
	s.publish(identity, false, now)
}

func (s *onlineService) Touch(ctx context.Context, identity realtime.Identity) {
	ok, err := s.onlineRepo.Touch(ctx, identity.OrganizationID, identity.UserID, s.now().UTC())
	if err != nil {
		return
	}
	if !ok {
		// счетчик истек, пока соединение было живо; восстанавливаем без рассылки
		if _, err := s.onlineRepo.MarkOnline(ctx, identity.OrganizationID, identity.UserID, s.now().UTC()); err != nil {
			s.log.Warn("Failed to restore online state", "error", err, "user_id", identity.UserID)
		}
	}
}

func (s *onlineService) List(ctx context.Context, orgID uuid.UUID) ([]domain.OnlineMember, error) {
	return s.onlineRepo.List(ctx, orgID)
}

func (s *onlineService) publish(identity realtime.Identity, online bool, at time.Time) {
	s.notifier.ToOrganization(identity.OrganizationID, "org.member.presence", memberPresencePayload{
		OrganizationID: identity.OrganizationID,
		UserID:         identity.UserID,
		Online:         online,
		LastActiveAt:   at,
	})
}
