package service

import (
	"context"
	"fmt"
	"time"

	"project_hub/internal/domain"
	"project_hub/internal/metrics"
	"project_hub/internal/realtime"
	apperrors "project_hub/pkg/errors"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Actor - отправитель входящего события.
type Actor struct {
	Identity     realtime.Identity
	ConnectionID uuid.UUID
}

type TypingRequest struct {
	ConversationID uuid.UUID `json:"conversationId"`
	IsTyping       bool      `json:"isTyping"`
}

type InitiateCallRequest struct {
	RecipientID    uuid.UUID                  `json:"recipientId"`
	CallerID       uuid.UUID                  `json:"callerId"`
	ConversationID uuid.UUID                  `json:"conversationId"`
	Type           string                     `json:"type"`
	CallerName     string                     `json:"callerName"`
	Offer          *webrtc.SessionDescription `json:"offer,omitempty"`
}

type AnswerCallRequest struct {
	CallerID       uuid.UUID                  `json:"callerId"`
	ConversationID uuid.UUID                  `json:"conversationId"`
	Answer         *webrtc.SessionDescription `json:"answer,omitempty"`
}

type DeclineCallRequest struct {
	CallerID       uuid.UUID `json:"callerId"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type EndCallRequest struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	CallStartTime  *time.Time `json:"callStartTime,omitempty"`
	CallDuration   int64      `json:"callDuration"` // секунды
}

type MissedCallRequest struct {
	ConversationID uuid.UUID `json:"conversationId"`
	CallerID       uuid.UUID `json:"callerId"`
}

type ICECandidateRequest struct {
	Candidate      *webrtc.ICECandidateInit `json:"candidate"`
	To             uuid.UUID                `json:"to"`
	ConversationID uuid.UUID                `json:"conversationId"`
}

type ScreenShareRequest struct {
	To             uuid.UUID `json:"to"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type typingPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
}

type incomingCallPayload struct {
	CallerID       uuid.UUID                  `json:"callerId"`
	CallerName     string                     `json:"callerName"`
	Type           string                     `json:"type"`
	ConversationID uuid.UUID                  `json:"conversationId"`
	Offer          *webrtc.SessionDescription `json:"offer,omitempty"`
	Timestamp      time.Time                  `json:"timestamp"`
}

type answeredCallPayload struct {
	ConversationID uuid.UUID                  `json:"conversationId"`
	AnswererID     uuid.UUID                  `json:"answererId"`
	AnswererName   string                     `json:"answererName"`
	Answer         *webrtc.SessionDescription `json:"answer,omitempty"`
	Timestamp      time.Time                  `json:"timestamp"`
}

type declinedCallPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	DeclinerID     uuid.UUID `json:"declinerId"`
	DeclinerName   string    `json:"declinerName"`
	Timestamp      time.Time `json:"timestamp"`
}

type missedCallPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	CallerID       uuid.UUID `json:"callerId"`
	Timestamp      time.Time `json:"timestamp"`
}

type endedCallPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	EndedBy        uuid.UUID `json:"endedBy"`
	EndedByName    string    `json:"endedByName"`
	CallStartTime  time.Time `json:"callStartTime"`
	CallDuration   int64     `json:"callDuration"`
	Timestamp      time.Time `json:"timestamp"`
}

type iceCandidatePayload struct {
	Candidate      *webrtc.ICECandidateInit `json:"candidate"`
	From           uuid.UUID                `json:"from"`
	ConversationID uuid.UUID                `json:"conversationId"`
}

type screenSharePayload struct {
	From           uuid.UUID `json:"from"`
	FromName       string    `json:"fromName"`
	ConversationID uuid.UUID `json:"conversationId"`
}

// CallService - ретрансляция набора текста и сигнализации звонков.
// Серверного таймаута звонка нет: клиент сам шлет call.missed по своему таймеру.
type CallService interface {
	Typing(actor Actor, req TypingRequest) error
	Initiate(ctx context.Context, actor Actor, req InitiateCallRequest) error
	Answer(ctx context.Context, actor Actor, req AnswerCallRequest) error
	Decline(ctx context.Context, actor Actor, req DeclineCallRequest) error
	End(ctx context.Context, actor Actor, req EndCallRequest) error
	Missed(ctx context.Context, actor Actor, req MissedCallRequest) error
	RelayICECandidate(ctx context.Context, actor Actor, req ICECandidateRequest) error
	RelayScreenShare(ctx context.Context, actor Actor, req ScreenShareRequest, started bool) error
}

type callService struct {
	access   AccessService
	messages MessageService
	audit    AuditService
	notifier realtime.Notifier
	log      logger.Logger
	now      func() time.Time
}

func NewCallService(
	access AccessService,
	messages MessageService,
	audit AuditService,
	notifier realtime.Notifier,
	log logger.Logger,
) CallService {
	return &callService{
		access:   access,
		messages: messages,
		audit:    audit,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Typing не проверяет участие: шлюз пропускает событие только от соединений,
// уже находящихся в комнате диалога.
func (s *callService) Typing(actor Actor, req TypingRequest) error {
	if req.ConversationID == uuid.Nil {
		return apperrors.ErrBadRequest
	}

	s.notifier.ToConversationExcept(req.ConversationID, actor.ConnectionID, "chat.typing", typingPayload{
		ConversationID: req.ConversationID,
		UserID:         actor.Identity.UserID,
		IsTyping:       req.IsTyping,
	})
	return nil
}

func (s *callService) Initiate(ctx context.Context, actor Actor, req InitiateCallRequest) error {
	if req.RecipientID == uuid.Nil || req.CallerID == uuid.Nil || req.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: recipientId, callerId and conversationId are required", apperrors.ErrBadRequest)
	}
	// Нельзя звонить от имени другого пользователя.
	if req.CallerID != actor.Identity.UserID {
		return fmt.Errorf("%w: caller does not match connection", apperrors.ErrForbidden)
	}
	if req.Type != CallTypeAudio && req.Type != CallTypeVideo {
		return fmt.Errorf("%w: unsupported call type %q", apperrors.ErrBadRequest, req.Type)
	}
	if req.Offer != nil && req.Offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: offer has type %s", apperrors.ErrBadRequest, req.Offer.Type)
	}

	conv, err := s.gate(ctx, actor, req.ConversationID)
	if err != nil {
		return err
	}
	if req.RecipientID == actor.Identity.UserID || !conv.IsParticipant(req.RecipientID) {
		return fmt.Errorf("%w: recipient is not a participant", apperrors.ErrBadRequest)
	}

	now := s.now().UTC()
	callerName := displayName(actor.Identity, req.CallerName)

	s.notifier.ToUser(req.RecipientID, "call.incoming", incomingCallPayload{
		CallerID:       actor.Identity.UserID,
		CallerName:     callerName,
		Type:           req.Type,
		ConversationID: conv.ID,
		Offer:          req.Offer,
		Timestamp:      now,
	})
	s.notifier.ToConversation(conv.ID, "call.initiated", incomingCallPayload{
		CallerID:       actor.Identity.UserID,
		CallerName:     callerName,
		Type:           req.Type,
		ConversationID: conv.ID,
		Timestamp:      now,
	})
	return nil
}

func (s *callService) Answer(ctx context.Context, actor Actor, req AnswerCallRequest) error {
	if req.CallerID == uuid.Nil || req.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: callerId and conversationId are required", apperrors.ErrBadRequest)
	}
	if req.Answer != nil && req.Answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: answer has type %s", apperrors.ErrBadRequest, req.Answer.Type)
	}

	conv, err := s.gate(ctx, actor, req.ConversationID)
	if err != nil {
		return err
	}
	if !conv.IsParticipant(req.CallerID) {
		return fmt.Errorf("%w: caller is not a participant", apperrors.ErrBadRequest)
	}

	payload := answeredCallPayload{
		ConversationID: conv.ID,
		AnswererID:     actor.Identity.UserID,
		AnswererName:   actor.Identity.DisplayName(),
		Answer:         req.Answer,
		Timestamp:      s.now().UTC(),
	}
	s.notifier.ToUser(req.CallerID, "call.answered", payload)
	s.notifier.ToConversation(conv.ID, "call.answered", payload)
	return nil
}

func (s *callService) Decline(ctx context.Context, actor Actor, req DeclineCallRequest) error {
	if req.CallerID == uuid.Nil || req.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: callerId and conversationId are required", apperrors.ErrBadRequest)
	}

	conv, err := s.gate(ctx, actor, req.ConversationID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	payload := declinedCallPayload{
		ConversationID: conv.ID,
		DeclinerID:     actor.Identity.UserID,
		DeclinerName:   actor.Identity.DisplayName(),
		Timestamp:      now,
	}
	s.postSystemMessage(ctx, actor, conv, "declined", domain.EventTypeCallDeclined, MissedCallText(now))

	if conv.IsParticipant(req.CallerID) {
		s.notifier.ToUser(req.CallerID, "call.declined", payload)
	}
	s.notifier.ToConversation(conv.ID, "call.declined", payload)
	return nil
}

func (s *callService) Missed(ctx context.Context, actor Actor, req MissedCallRequest) error {
	if req.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: conversationId is required", apperrors.ErrBadRequest)
	}

	conv, err := s.gate(ctx, actor, req.ConversationID)
	if err != nil {
		return err
	}

	callerID := req.CallerID
	if callerID == uuid.Nil {
		callerID = actor.Identity.UserID
	}

	now := s.now().UTC()
	s.postSystemMessage(ctx, actor, conv, "missed", domain.EventTypeCallMissed, MissedCallText(now))

	s.notifier.ToConversation(conv.ID, "call.missed", missedCallPayload{
		ConversationID: conv.ID,
		CallerID:       callerID,
		Timestamp:      now,
	})
	return nil
}

func (s *callService) End(ctx context.Context, actor Actor, req EndCallRequest) error {
	if req.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: conversationId is required", apperrors.ErrBadRequest)
	}
	if req.CallDuration < 0 {
		return fmt.Errorf("%w: callDuration must not be negative", apperrors.ErrBadRequest)
	}

	conv, err := s.gate(ctx, actor, req.ConversationID)
	if err != nil {
		return err
	}

	endedAt := s.now().UTC()
	startedAt, duration := callWindow(endedAt, req.CallStartTime, req.CallDuration)

	s.postSystemMessage(ctx, actor, conv, "ended", domain.EventTypeCallEnded, EndedCallText(startedAt, endedAt, duration))

	s.notifier.ToConversation(conv.ID, "call.ended", endedCallPayload{
		ConversationID: conv.ID,
		EndedBy:        actor.Identity.UserID,
		EndedByName:    actor.Identity.DisplayName(),
		CallStartTime:  startedAt,
		CallDuration:   int64(duration / time.Second),
		Timestamp:      endedAt,
	})
	return nil
}

func (s *callService) RelayICECandidate(ctx context.Context, actor Actor, req ICECandidateRequest) error {
	if req.Candidate == nil || req.To == uuid.Nil || req.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: candidate, to and conversationId are required", apperrors.ErrBadRequest)
	}

	conv, err := s.gate(ctx, actor, req.ConversationID)
	if err != nil {
		return err
	}
	if !conv.IsParticipant(req.To) {
		return fmt.Errorf("%w: target is not a participant", apperrors.ErrBadRequest)
	}

	s.notifier.ToUser(req.To, "call.ice-candidate", iceCandidatePayload{
		Candidate:      req.Candidate,
		From:           actor.Identity.UserID,
		ConversationID: conv.ID,
	})
	return nil
}

func (s *callService) RelayScreenShare(ctx context.Context, actor Actor, req ScreenShareRequest, started bool) error {
	if req.To == uuid.Nil || req.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: to and conversationId are required", apperrors.ErrBadRequest)
	}

	conv, err := s.gate(ctx, actor, req.ConversationID)
	if err != nil {
		return err
	}
	if !conv.IsParticipant(req.To) {
		return fmt.Errorf("%w: target is not a participant", apperrors.ErrBadRequest)
	}

	event := "call.screen-share.stopped"
	if started {
		event = "call.screen-share.started"
	}
	s.notifier.ToUser(req.To, event, screenSharePayload{
		From:           actor.Identity.UserID,
		FromName:       actor.Identity.DisplayName(),
		ConversationID: conv.ID,
	})
	return nil
}

func (s *callService) gate(ctx context.Context, actor Actor, conversationID uuid.UUID) (*domain.Conversation, error) {
	conv, d := s.access.AuthorizeCall(ctx, actor.Identity, conversationID)
	if !d.Allowed {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrForbidden, d.Reason)
	}
	return conv, nil
}

// postSystemMessage пишет системное сообщение; события о нем уходят только
// после успешной записи. Ошибка записи логируется и дальше не передается.
func (s *callService) postSystemMessage(ctx context.Context, actor Actor, conv *domain.Conversation, kind, auditEvent, text string) {
	msg, err := s.messages.PostSystemMessage(ctx, conv, text)
	metrics.SystemMessages.WithLabelValues(kind, systemMessageResult(err)).Inc()
	if err != nil {
		s.log.Error("Failed to persist call system message",
			"error", err,
			"conversation_id", conv.ID,
			"user_id", actor.Identity.UserID,
			"kind", kind,
		)
		return
	}

	userID, orgID := actor.Identity.UserID, actor.Identity.OrganizationID
	if err := s.audit.LogEvent(ctx, &userID, &orgID, auditEvent, realtime.ConversationRoom(conv.ID), map[string]interface{}{
		"message_id": msg.ID,
	}); err != nil {
		s.log.Error("Failed to write audit log", "error", err, "event", auditEvent)
	}
}

func systemMessageResult(err error) string {
	if err != nil {
		return metrics.ResultFailed
	}
	return metrics.ResultOK
}

func displayName(identity realtime.Identity, fallback string) string {
	if name := identity.DisplayName(); name != "" {
		return name
	}
	return fallback
}

// callWindow восстанавливает начало и длительность звонка из того, что прислал клиент.
func callWindow(endedAt time.Time, start *time.Time, durationSeconds int64) (time.Time, time.Duration) {
	duration := time.Duration(durationSeconds) * time.Second
	switch {
	case start != nil && durationSeconds > 0:
		return start.UTC(), duration
	case start != nil:
		if d := endedAt.Sub(*start); d > 0 {
			return start.UTC(), d.Truncate(time.Second)
		}
		return start.UTC(), 0
	default:
		return endedAt.Add(-duration), duration
	}
}

func MissedCallText(at time.Time) string {
	return "Missed call at " + clock(at)
}

func EndedCallText(startedAt, endedAt time.Time, duration time.Duration) string {
	return fmt.Sprintf("Call ended at %s · started %s · duration %s", clock(endedAt), clock(startedAt), formatDuration(duration))
}

func clock(t time.Time) string {
	return t.UTC().Format("15:04")
}

// formatDuration - m:ss, минуты не ограничены.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
