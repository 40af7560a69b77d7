package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"project_hub/internal/config"
	"project_hub/internal/metrics"
	"project_hub/internal/realtime"
	"project_hub/internal/service"
	apperrors "project_hub/pkg/errors"
	"project_hub/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxActionLength = 64

// throttledEvents ограничиваются лимитом частоты. Выход из комнат и события
// жизненного цикла звонка не ограничиваются: их потеря оставляет висящее
// присутствие и незавершенные звонки.
var throttledEvents = map[string]struct{}{
	"project.join":              {},
	"task.join":                 {},
	"conversation.join":         {},
	"chat.typing":               {},
	"task.collaboration.join":   {},
	"task.collaboration.action": {},
	"call.initiate":             {},
}

// eventHandler обрабатывает одно входящее событие. Ошибка клиенту не
// возвращается, только пишется в лог.
type eventHandler func(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error

type projectRequest struct {
	ProjectID string `json:"projectId"`
}

type taskRequest struct {
	TaskID string `json:"taskId"`
}

type conversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type collaborationActionRequest struct {
	TaskID string `json:"taskId"`
	Action string `json:"action"`
}

type collaborationState struct {
	TaskID uuid.UUID               `json:"taskId"`
	Users  []service.PresenceEntry `json:"users"`
}

type WebSocketHandler struct {
	services *service.Services
	hub      *realtime.Hub
	notifier realtime.Notifier
	cfg      config.SocketConfig
	upgrader websocket.Upgrader
	routes   map[string]eventHandler
	log      logger.Logger
}

func NewWebSocketHandler(services *service.Services, hub *realtime.Hub, notifier realtime.Notifier, cfg config.SocketConfig, log logger.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		services: services,
		hub:      hub,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{service.BearerSubprotocol},
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}

	h.routes = map[string]eventHandler{
		"project.join":       h.joinProject,
		"project.leave":      h.leaveProject,
		"task.join":          h.joinTask,
		"task.leave":         h.leaveTask,
		"conversation.join":  h.joinConversation,
		"conversation.leave": h.leaveConversation,
		"chat.typing":        h.typing,

		"task.collaboration.join":   h.joinCollaboration,
		"task.collaboration.action": h.collaborationAction,
		"task.collaboration.leave":  h.leaveTask,

		"call.initiate":             h.callInitiate,
		"call.answer":               h.callAnswer,
		"call.decline":              h.callDecline,
		"call.end":                  h.callEnd,
		"call.missed":               h.callMissed,
		"call.ice-candidate":        h.callICECandidate,
		"call.screen-share.started": h.screenShare(true),
		"call.screen-share.stopped": h.screenShare(false),
	}

	return h
}

// Handle аутентифицирует рукопожатие, поднимает WebSocket и обслуживает
// соединение до его закрытия.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	token := service.HandshakeToken(c.Request)
	user, err := h.services.Auth.ValidateToken(c.Request.Context(), token)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues(rejectReason(err)).Inc()
		h.log.Debug("Rejected realtime handshake", "error", err, "remote_addr", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	identity := service.IdentityFromUser(user)
	conn := realtime.NewConnection(ws, identity, realtime.ConnectionOptions{
		SendBuffer: h.cfg.SendBuffer,
		ReadLimit:  h.cfg.ReadLimit,
		PingPeriod: h.cfg.PingPeriod,
		PongWait:   h.cfg.PongWait,
		OnPong: func() {
			ctx, cancel := h.eventContext()
			defer cancel()
			h.services.Online.Touch(ctx, identity)
		},
	})

	h.hub.Register(conn)
	h.hub.Join(realtime.OrganizationRoom(identity.OrganizationID), conn)
	h.hub.Join(realtime.UserRoom(identity.UserID), conn)
	conn.Start()

	h.log.Info("Realtime client connected",
		"connection_id", conn.ID,
		"user_id", identity.UserID,
		"organization_id", identity.OrganizationID,
	)

	ctx, cancel := h.eventContext()
	h.services.Online.Connected(ctx, identity)
	cancel()

	defer h.disconnect(conn)
	h.readLoop(conn)
}

func (h *WebSocketHandler) readLoop(conn *realtime.Connection) {
	// бюджет считается на соединение, вкладки одного пользователя не делят его
	subject := conn.ID.String()

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("Realtime read failed", "error", err, "connection_id", conn.ID)
			}
			return
		}

		frame, err := realtime.DecodeFrame(payload)
		if err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			h.log.Debug("Dropped malformed frame", "error", err, "connection_id", conn.ID)
			continue
		}

		route, ok := h.routes[frame.Event]
		if !ok {
			metrics.EventsDropped.WithLabelValues("unknown_event").Inc()
			h.log.Debug("Dropped unknown event", "event", frame.Event, "connection_id", conn.ID)
			continue
		}

		ctx, cancel := h.eventContext()
		if _, throttled := throttledEvents[frame.Event]; throttled && !h.services.RateLimit.Allow(ctx, "socket", subject) {
			cancel()
			metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			h.log.Debug("Dropped rate limited event", "event", frame.Event, "connection_id", conn.ID)
			continue
		}

		if err := route(ctx, conn, frame.Data); err != nil {
			metrics.EventsDropped.WithLabelValues("rejected").Inc()
			h.log.Debug("Realtime event rejected",
				"event", frame.Event,
				"error", err,
				"connection_id", conn.ID,
				"user_id", conn.Identity.UserID,
			)
		}
		cancel()
	}
}

// disconnect снимает присутствие со всех задач соединения и сообщает
// организации, что пользователь вышел.
func (h *WebSocketHandler) disconnect(conn *realtime.Connection) {
	rooms := h.hub.Unregister(conn)
	for _, room := range rooms {
		taskID, ok := realtime.ParseTaskRoom(room)
		if !ok {
			continue
		}
		h.applyPresence(taskID, service.PresenceChange{
			Kind:         service.PresenceLeave,
			ConnectionID: conn.ID,
			UserID:       conn.Identity.UserID,
		})
	}

	ctx, cancel := h.eventContext()
	h.services.Online.Disconnected(ctx, conn.Identity)
	cancel()

	conn.Close(websocket.CloseNormalClosure, "")

	h.log.Info("Realtime client disconnected",
		"connection_id", conn.ID,
		"user_id", conn.Identity.UserID,
		"rooms", len(rooms),
	)
}

func (h *WebSocketHandler) eventContext() (context.Context, context.CancelFunc) {
	if h.cfg.EventTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), h.cfg.EventTimeout)
}

func (h *WebSocketHandler) applyPresence(taskID uuid.UUID, change service.PresenceChange) {
	h.services.Presence.Apply(taskID, change, func(users []service.PresenceEntry) {
		if users == nil {
			users = []service.PresenceEntry{}
		}
		h.notifier.ToTask(taskID, "task.collaboration.state", collaborationState{
			TaskID: taskID,
			Users:  users,
		})
	})
}

func (h *WebSocketHandler) join(decision service.Decision, conn *realtime.Connection) error {
	if !decision.Allowed {
		return errors.New("join denied: " + decision.Reason)
	}
	h.hub.Join(decision.Room, conn)
	return nil
}

func (h *WebSocketHandler) joinProject(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req projectRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.join(h.services.Access.AuthorizeProject(ctx, conn.Identity, parseID(req.ProjectID)), conn)
}

func (h *WebSocketHandler) leaveProject(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req projectRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	h.hub.Leave(realtime.ProjectRoom(parseID(req.ProjectID)), conn)
	return nil
}

func (h *WebSocketHandler) joinTask(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req taskRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.join(h.services.Access.AuthorizeTask(ctx, conn.Identity, parseID(req.TaskID)), conn)
}

// leaveTask обслуживает и task.leave, и task.collaboration.leave: комната у
// задачи одна, поэтому уход из нее снимает и присутствие.
func (h *WebSocketHandler) leaveTask(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req taskRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	taskID := parseID(req.TaskID)
	h.hub.Leave(realtime.TaskRoom(taskID), conn)
	h.applyPresence(taskID, service.PresenceChange{
		Kind:         service.PresenceLeave,
		ConnectionID: conn.ID,
		UserID:       conn.Identity.UserID,
	})
	return nil
}

func (h *WebSocketHandler) joinConversation(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req conversationRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.join(h.services.Access.AuthorizeConversation(ctx, conn.Identity, parseID(req.ConversationID)), conn)
}

func (h *WebSocketHandler) leaveConversation(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req conversationRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	h.hub.Leave(realtime.ConversationRoom(parseID(req.ConversationID)), conn)
	return nil
}

func (h *WebSocketHandler) typing(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req service.TypingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !h.hub.IsMember(realtime.ConversationRoom(req.ConversationID), conn) {
		return apperrors.ErrNotParticipant
	}
	return h.services.Call.Typing(actorOf(conn), req)
}

func (h *WebSocketHandler) joinCollaboration(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req taskRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	taskID := parseID(req.TaskID)
	if err := h.join(h.services.Access.AuthorizeTask(ctx, conn.Identity, taskID), conn); err != nil {
		return err
	}

	h.applyPresence(taskID, service.PresenceChange{
		Kind:         service.PresenceJoin,
		ConnectionID: conn.ID,
		UserID:       conn.Identity.UserID,
		DisplayName:  conn.Identity.DisplayName(),
		Action:       service.DefaultPresenceAction,
	})
	return nil
}

func (h *WebSocketHandler) collaborationAction(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req collaborationActionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	action := strings.TrimSpace(req.Action)
	if action == "" || utf8.RuneCountInString(action) > maxActionLength {
		return apperrors.ErrBadRequest
	}

	h.applyPresence(parseID(req.TaskID), service.PresenceChange{
		Kind:         service.PresenceAction,
		ConnectionID: conn.ID,
		UserID:       conn.Identity.UserID,
		DisplayName:  conn.Identity.DisplayName(),
		Action:       action,
	})
	return nil
}

func (h *WebSocketHandler) callInitiate(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req service.InitiateCallRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.services.Call.Initiate(ctx, actorOf(conn), req)
}

func (h *WebSocketHandler) callAnswer(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req service.AnswerCallRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.services.Call.Answer(ctx, actorOf(conn), req)
}

func (h *WebSocketHandler) callDecline(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req service.DeclineCallRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.services.Call.Decline(ctx, actorOf(conn), req)
}

func (h *WebSocketHandler) callEnd(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req service.EndCallRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.services.Call.End(ctx, actorOf(conn), req)
}

func (h *WebSocketHandler) callMissed(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req service.MissedCallRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.services.Call.Missed(ctx, actorOf(conn), req)
}

func (h *WebSocketHandler) callICECandidate(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req service.ICECandidateRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.services.Call.RelayICECandidate(ctx, actorOf(conn), req)
}

func (h *WebSocketHandler) screenShare(started bool) eventHandler {
	return func(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
		var req service.ScreenShareRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		return h.services.Call.RelayScreenShare(ctx, actorOf(conn), req, started)
	}
}

func actorOf(conn *realtime.Connection) service.Actor {
	return service.Actor{Identity: conn.Identity, ConnectionID: conn.ID}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return apperrors.ErrBadRequest
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(apperrors.ErrBadRequest, err)
	}
	return nil
}

// parseID возвращает uuid.Nil для некорректных значений; проверка доступа
// отклоняет его с причиной invalid_id.
func parseID(raw string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrUnauthorized):
		return "missing_token"
	case errors.Is(err, apperrors.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, apperrors.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, apperrors.ErrUserNotFound):
		return "unknown_user"
	case errors.Is(err, apperrors.ErrUserInactive):
		return "inactive_user"
	default:
		return "lookup_failed"
	}
}
