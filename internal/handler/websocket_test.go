package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"project_hub/internal/config"
	"project_hub/internal/domain"
	"project_hub/internal/realtime"
	"project_hub/internal/repository"
	"project_hub/internal/service"
	"project_hub/pkg/jwt"
	"project_hub/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-access-secret"

type testEnvelope struct {
	Event   string          `json:"event"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
	Meta    struct {
		EmittedAt time.Time `json:"emittedAt"`
	} `json:"meta"`
}

type gatewayFixture struct {
	server    *httptest.Server
	hub       *realtime.Hub
	publisher *realtime.Publisher
	audit     *memAuditRepo
	online    *memOnlineRepo

	alice    *domain.User
	bob      *domain.User
	mallory  *domain.User
	inactive *domain.User

	taskID           uuid.UUID
	foreignProjectID uuid.UUID
	foreignTaskID    uuid.UUID
	conversationID   uuid.UUID
	foreignConvID    uuid.UUID
}

func newUser(orgID uuid.UUID, first, last string) *domain.User {
	return &domain.User{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Email:          strings.ToLower(first) + "@example.com",
		FirstName:      first,
		LastName:       last,
		Role:           domain.RoleMember,
		IsActive:       true,
	}
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	return newGatewayFixtureWith(t, config.RateLimitConfig{}, allowAllLimiter{})
}

func newGatewayFixtureWith(t *testing.T, rateLimit config.RateLimitConfig, limiter repository.RateLimitRepository) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orgID, foreignOrgID := uuid.New(), uuid.New()
	f := &gatewayFixture{
		alice:    newUser(orgID, "Alice", "Archer"),
		bob:      newUser(orgID, "Bob", "Baker"),
		mallory:  newUser(orgID, "Mallory", "Moss"),
		inactive: newUser(orgID, "Ivan", "Idle"),
		audit:    &memAuditRepo{},
		online:   &memOnlineRepo{counts: map[uuid.UUID]int64{}},
	}
	f.inactive.IsActive = false

	projectID := uuid.New()
	f.taskID = uuid.New()
	f.foreignProjectID = uuid.New()
	f.foreignTaskID = uuid.New()
	f.conversationID = uuid.New()
	f.foreignConvID = uuid.New()

	users := &memUserRepo{users: map[uuid.UUID]*domain.User{}}
	for _, u := range []*domain.User{f.alice, f.bob, f.mallory, f.inactive} {
		users.users[u.ID] = u
	}

	projects := &memProjectRepo{
		projects: map[uuid.UUID]*domain.Project{
			projectID:          {ID: projectID, OrganizationID: orgID},
			f.foreignProjectID: {ID: f.foreignProjectID, OrganizationID: foreignOrgID},
		},
		tasks: map[uuid.UUID]*domain.Task{
			f.taskID:        {ID: f.taskID, ProjectID: projectID},
			f.foreignTaskID: {ID: f.foreignTaskID, ProjectID: f.foreignProjectID},
		},
	}

	convs := &memConversationRepo{convs: map[uuid.UUID]*domain.Conversation{
		f.conversationID: {
			ID:             f.conversationID,
			OrganizationID: orgID,
			Participants:   []uuid.UUID{f.alice.ID, f.bob.ID},
		},
		f.foreignConvID: {
			ID:             f.foreignConvID,
			OrganizationID: orgID,
			Participants:   []uuid.UUID{f.bob.ID, f.mallory.ID},
		},
	}}

	repos := &repository.Repositories{
		User:         users,
		Project:      projects,
		Conversation: convs,
		Message:      &memMessageRepo{},
		Audit:        f.audit,
		Online:       f.online,
		RateLimit:    limiter,
	}

	cfg := &config.Config{
		JWT:       config.JWTConfig{AccessSecret: testSecret},
		RateLimit: rateLimit,
		Socket: config.SocketConfig{
			Path:         "/ws",
			SendBuffer:   64,
			ReadLimit:    1 << 16,
			PingPeriod:   time.Minute,
			PongWait:     2 * time.Minute,
			EventTimeout: 2 * time.Second,
		},
	}

	log := logger.NewNop()
	f.publisher = realtime.NewPublisher(log)
	services := service.NewServices(repos, f.publisher, cfg, log)
	f.hub = realtime.NewHub(log)
	f.publisher.Attach(f.hub)

	h := NewWebSocketHandler(services, f.hub, f.publisher, cfg.Socket, log)
	router := gin.New()
	router.GET(cfg.Socket.Path, h.Handle)

	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	t.Cleanup(f.hub.Close)

	return f
}

func (f *gatewayFixture) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (f *gatewayFixture) token(t *testing.T, user *domain.User) string {
	t.Helper()
	token, err := jwt.GenerateAccessToken(user.ID, user.Email, user.Role, testSecret, time.Minute)
	require.NoError(t, err)
	return token
}

// dial подключается и проглатывает собственное событие org.member.presence.
func (f *gatewayFixture) dial(t *testing.T, user *domain.User) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL("token="+f.token(t, user)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	env := readEvent(t, ws)
	require.Equal(t, "org.member.presence", env.Event)
	var presence struct {
		UserID uuid.UUID `json:"userId"`
		Online bool      `json:"online"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &presence))
	require.Equal(t, user.ID, presence.UserID)
	require.True(t, presence.Online)

	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

func readEvent(t *testing.T, ws *websocket.Conn) testEnvelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)

	var env testEnvelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

// expectEvent пропускает посторонние события до нужного.
func expectEvent(t *testing.T, ws *websocket.Conn, event string) testEnvelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEvent(t, ws)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("event %s not received", event)
	return testEnvelope{}
}

// eventsUntil возвращает имена событий, пришедших до barrier.
func eventsUntil(t *testing.T, ws *websocket.Conn, barrier string) []string {
	t.Helper()
	var names []string
	for i := 0; i < 20; i++ {
		env := readEvent(t, ws)
		if env.Event == barrier {
			return names
		}
		names = append(names, env.Event)
	}
	t.Fatalf("barrier %s not received", barrier)
	return nil
}

func expectState(t *testing.T, ws *websocket.Conn) collaborationState {
	t.Helper()
	env := expectEvent(t, ws, "task.collaboration.state")
	var state collaborationState
	require.NoError(t, json.Unmarshal(env.Data, &state))
	return state
}

func userIDs(entries []service.PresenceEntry) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return ids
}

func TestGatewayRefusesHandshake(t *testing.T) {
	f := newGatewayFixture(t)

	tests := []struct {
		name  string
		query string
	}{
		{"no token", ""},
		{"garbage token", "token=not-a-jwt"},
		{"inactive user", "token=" + f.token(t, f.inactive)},
		{"unknown user", "authToken=" + f.token(t, newUser(uuid.New(), "Ghost", "User"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL(tt.query), nil)
			if ws != nil {
				_ = ws.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	assert.Equal(t, 0, f.hub.Connections())
}

func TestGatewayAcceptsBearerSubprotocol(t *testing.T) {
	f := newGatewayFixture(t)

	dialer := websocket.Dialer{Subprotocols: []string{service.BearerSubprotocol, "bearer." + f.token(t, f.alice)}}
	ws, _, err := dialer.Dial(f.wsURL(""), nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, service.BearerSubprotocol, ws.Subprotocol())
	env := readEvent(t, ws)
	assert.Equal(t, "org.member.presence", env.Event)
	assert.Equal(t, realtime.EnvelopeVersion, env.Version)
	assert.False(t, env.Meta.EmittedAt.IsZero())
}

func TestGatewayAnnouncesOnlineAndOffline(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, f.alice)
	bob := f.dial(t, f.bob)

	var presence struct {
		UserID uuid.UUID `json:"userId"`
		Online bool      `json:"online"`
	}

	env := expectEvent(t, alice, "org.member.presence")
	require.NoError(t, json.Unmarshal(env.Data, &presence))
	assert.Equal(t, f.bob.ID, presence.UserID)
	assert.True(t, presence.Online)

	require.NoError(t, bob.Close())

	env = expectEvent(t, alice, "org.member.presence")
	require.NoError(t, json.Unmarshal(env.Data, &presence))
	assert.Equal(t, f.bob.ID, presence.UserID)
	assert.False(t, presence.Online)
}

func TestGatewayCollaborationPresence(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, f.alice)
	bob := f.dial(t, f.bob)

	send(t, alice, "task.collaboration.join", map[string]string{"taskId": f.taskID.String()})
	state := expectState(t, alice)
	assert.Equal(t, f.taskID, state.TaskID)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "Alice Archer", state.Users[0].DisplayName)
	assert.Equal(t, service.DefaultPresenceAction, state.Users[0].Action)

	send(t, bob, "task.collaboration.join", map[string]string{"taskId": f.taskID.String()})
	assert.ElementsMatch(t, []uuid.UUID{f.alice.ID, f.bob.ID}, userIDs(expectState(t, bob).Users))
	assert.ElementsMatch(t, []uuid.UUID{f.alice.ID, f.bob.ID}, userIDs(expectState(t, alice).Users))

	send(t, bob, "task.collaboration.action", map[string]string{"taskId": f.taskID.String(), "action": "editing"})
	state = expectState(t, alice)
	for _, entry := range state.Users {
		if entry.UserID == f.bob.ID {
			assert.Equal(t, "editing", entry.Action)
		}
	}

	// разрыв соединения снимает присутствие
	require.NoError(t, bob.Close())
	state = expectState(t, alice)
	assert.Equal(t, []uuid.UUID{f.alice.ID}, userIDs(state.Users))

	send(t, alice, "task.leave", map[string]string{"taskId": f.taskID.String()})
	require.Eventually(t, func() bool {
		return f.hub.RoomSize(realtime.TaskRoom(f.taskID)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayDeniedJoinsAreSilent(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, f.alice)

	send(t, alice, "task.join", map[string]string{"taskId": f.foreignTaskID.String()})
	send(t, alice, "project.join", map[string]string{"projectId": f.foreignProjectID.String()})
	send(t, alice, "conversation.join", map[string]string{"conversationId": f.foreignConvID.String()})
	send(t, alice, "task.join", map[string]string{"taskId": "not-a-uuid"})

	// события обрабатываются по порядку, поэтому ответ на разрешенный join
	// означает, что отказы уже обработаны
	send(t, alice, "task.collaboration.join", map[string]string{"taskId": f.taskID.String()})
	env := readEvent(t, alice)
	assert.Equal(t, "task.collaboration.state", env.Event, "denials must not produce frames")

	f.publisher.ToTask(f.foreignTaskID, "task.updated", map[string]string{"id": f.foreignTaskID.String()})
	f.publisher.ToProject(f.foreignProjectID, "project.updated", map[string]string{"id": f.foreignProjectID.String()})
	f.publisher.ToConversation(f.foreignConvID, "chat.message.created", map[string]string{"id": "x"})
	f.publisher.ToUser(f.alice.ID, "barrier", nil)

	assert.Empty(t, eventsUntil(t, alice, "barrier"))
	assert.Equal(t, []string{
		domain.EventTypeJoinDenied,
		domain.EventTypeJoinDenied,
		domain.EventTypeJoinDenied,
		domain.EventTypeJoinDenied,
	}, f.audit.eventTypes())
}

func TestGatewayTypingExcludesSender(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, f.alice)
	bob := f.dial(t, f.bob)

	room := realtime.ConversationRoom(f.conversationID)
	send(t, alice, "conversation.join", map[string]string{"conversationId": f.conversationID.String()})
	send(t, bob, "conversation.join", map[string]string{"conversationId": f.conversationID.String()})
	require.Eventually(t, func() bool { return f.hub.RoomSize(room) == 2 }, 2*time.Second, 10*time.Millisecond)

	send(t, alice, "chat.typing", map[string]interface{}{"conversationId": f.conversationID, "isTyping": true})

	env := expectEvent(t, bob, "chat.typing")
	var typing struct {
		UserID   uuid.UUID `json:"userId"`
		IsTyping bool      `json:"isTyping"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &typing))
	assert.Equal(t, f.alice.ID, typing.UserID)
	assert.True(t, typing.IsTyping)

	f.publisher.ToUser(f.alice.ID, "barrier", nil)
	assert.NotContains(t, eventsUntil(t, alice, "barrier"), "chat.typing")
}

func TestGatewayCallRequiresParticipant(t *testing.T) {
	f := newGatewayFixture(t)
	bob := f.dial(t, f.bob)
	mallory := f.dial(t, f.mallory)
	alice := f.dial(t, f.alice)

	send(t, mallory, "call.initiate", map[string]interface{}{
		"recipientId":    f.bob.ID,
		"callerId":       f.mallory.ID,
		"conversationId": f.conversationID,
		"type":           service.CallTypeAudio,
	})
	send(t, mallory, "task.collaboration.join", map[string]string{"taskId": f.taskID.String()})
	expectState(t, mallory)

	f.publisher.ToUser(f.bob.ID, "barrier", nil)
	assert.NotContains(t, eventsUntil(t, bob, "barrier"), "call.incoming")
	assert.Contains(t, f.audit.eventTypes(), domain.EventTypeCallDenied)

	send(t, alice, "call.initiate", map[string]interface{}{
		"recipientId":    f.bob.ID,
		"callerId":       f.alice.ID,
		"conversationId": f.conversationID,
		"type":           service.CallTypeVideo,
		"offer":          map[string]string{"type": "offer", "sdp": "v=0"},
	})

	env := expectEvent(t, bob, "call.incoming")
	var incoming struct {
		CallerID   uuid.UUID `json:"callerId"`
		CallerName string    `json:"callerName"`
		Type       string    `json:"type"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &incoming))
	assert.Equal(t, f.alice.ID, incoming.CallerID)
	assert.Equal(t, service.CallTypeVideo, incoming.Type)
}

func TestGatewayDropsMalformedFrames(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, f.alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, alice, "", nil)
	send(t, alice, "no.such.event", map[string]string{})
	send(t, alice, "task.collaboration.action", map[string]string{"taskId": f.taskID.String(), "action": "editing"})

	// соединение живо и продолжает обрабатывать события
	send(t, alice, "task.collaboration.join", map[string]string{"taskId": f.taskID.String()})
	env := readEvent(t, alice)
	require.Equal(t, "task.collaboration.state", env.Event)
	assert.Equal(t, 1, f.hub.Connections())
}

func TestGatewayRateLimitSparesLeave(t *testing.T) {
	limiter := newCountingLimiter()
	f := newGatewayFixtureWith(t, config.RateLimitConfig{Requests: 3, Window: time.Minute}, limiter)
	alice := f.dial(t, f.alice)
	bob := f.dial(t, f.bob)

	send(t, alice, "task.collaboration.join", map[string]string{"taskId": f.taskID.String()})
	expectState(t, alice)
	send(t, bob, "task.collaboration.join", map[string]string{"taskId": f.taskID.String()})
	assert.ElementsMatch(t, []uuid.UUID{f.alice.ID, f.bob.ID}, userIDs(expectState(t, bob).Users))

	// исчерпываем бюджет соединения alice
	for i := 0; i < 4; i++ {
		send(t, alice, "task.collaboration.action", map[string]string{"taskId": f.taskID.String(), "action": "editing"})
	}
	require.Eventually(t, func() bool { return limiter.denied() > 0 }, 2*time.Second, 10*time.Millisecond)

	send(t, alice, "task.collaboration.leave", map[string]string{"taskId": f.taskID.String()})

	var state collaborationState
	for i := 0; i < 5; i++ {
		state = expectState(t, bob)
		if len(state.Users) == 1 {
			break
		}
	}
	assert.Equal(t, []uuid.UUID{f.bob.ID}, userIDs(state.Users))
	require.Eventually(t, func() bool {
		return f.hub.RoomSize(realtime.TaskRoom(f.taskID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayRateLimitIsPerConnection(t *testing.T) {
	limiter := newCountingLimiter()
	f := newGatewayFixtureWith(t, config.RateLimitConfig{Requests: 2, Window: time.Minute}, limiter)
	first := f.dial(t, f.alice)

	for i := 0; i < 3; i++ {
		send(t, first, "task.collaboration.action", map[string]string{"taskId": f.taskID.String(), "action": "viewing"})
	}
	require.Eventually(t, func() bool { return limiter.denied() > 0 }, 2*time.Second, 10*time.Millisecond)

	// вторая вкладка того же пользователя получает собственный бюджет
	second := f.dial(t, f.alice)
	send(t, second, "task.collaboration.join", map[string]string{"taskId": f.taskID.String()})
	state := expectState(t, second)
	assert.Equal(t, []uuid.UUID{f.alice.ID}, userIDs(state.Users))
}

func TestGatewayPongRefreshesOnlineState(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, f.alice)

	require.NoError(t, alice.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second)))
	require.NoError(t, alice.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return f.online.touchCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}
