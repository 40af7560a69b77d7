package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"project_hub/internal/domain"
	"project_hub/internal/repository"
	apperrors "project_hub/pkg/errors"

	"github.com/google/uuid"
)

type fakeUserRepo struct {
	users map[uuid.UUID]*domain.User
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	return u, nil
}

type fakeProjectRepo struct {
	projects map[uuid.UUID]*domain.Project
	tasks    map[uuid.UUID]*domain.Task
	err      error
}

func newFakeProjectRepo() *fakeProjectRepo {
	return &fakeProjectRepo{
		projects: make(map[uuid.UUID]*domain.Project),
		tasks:    make(map[uuid.UUID]*domain.Task),
	}
}

func (r *fakeProjectRepo) GetProject(_ context.Context, id uuid.UUID) (*domain.Project, error) {
	if r.err != nil {
		return nil, r.err
	}
	p, ok := r.projects[id]
	if !ok {
		return nil, apperrors.ErrProjectNotFound
	}
	return p, nil
}

func (r *fakeProjectRepo) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	if r.err != nil {
		return nil, r.err
	}
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.ErrTaskNotFound
	}
	return t, nil
}

type fakeConversationRepo struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*domain.Conversation
	err   error
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{convs: make(map[uuid.UUID]*domain.Conversation)}
}

func (r *fakeConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	c, ok := r.convs[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

// setPreview повторяет обновление превью, которое делает транзакция создания сообщения.
func (r *fakeConversationRepo) setPreview(id uuid.UUID, preview string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	c.LastMessagePreview = preview
	c.LastMessageAt = at
	return nil
}

type fakeMessageRepo struct {
	mu        sync.Mutex
	convs     *fakeConversationRepo
	messages  []*domain.Message
	createErr error
}

func (r *fakeMessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	if r.createErr != nil {
		return r.createErr
	}
	if err := r.convs.setPreview(msg.ConversationID, msg.Preview(), msg.CreatedAt); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	cp.ReadBy = append([]uuid.UUID(nil), msg.ReadBy...)
	r.messages = append(r.messages, &cp)
	return nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID == id {
			cp := *m
			cp.Reactions = append([]domain.Reaction(nil), m.Reactions...)
			return &cp, nil
		}
	}
	return nil, apperrors.ErrMessageNotFound
}

func (r *fakeMessageRepo) List(_ context.Context, conversationID uuid.UUID, filter repository.MessageListFilter) ([]*domain.Message, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*domain.Message
	for _, m := range r.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if filter.Until != nil && m.CreatedAt.After(*filter.Until) {
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if filter.Offset >= total {
		return []*domain.Message{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (r *fakeMessageRepo) SetReaction(_ context.Context, messageID, userID uuid.UUID, emoji string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID != messageID {
			continue
		}
		kept := m.Reactions[:0]
		for _, re := range m.Reactions {
			if re.UserID != userID {
				kept = append(kept, re)
			}
		}
		m.Reactions = kept
		if emoji != "" {
			m.Reactions = append(m.Reactions, domain.Reaction{UserID: userID, Emoji: emoji, CreatedAt: at})
		}
		return nil
	}
	return apperrors.ErrMessageNotFound
}

func (r *fakeMessageRepo) unreadFor(m *domain.Message, conversationID, userID uuid.UUID) bool {
	if m.ConversationID != conversationID || m.Type == domain.MessageTypeSystem {
		return false
	}
	if m.SenderID != nil && *m.SenderID == userID {
		return false
	}
	for _, id := range m.ReadBy {
		if id == userID {
			return false
		}
	}
	return true
}

func (r *fakeMessageRepo) MarkRead(_ context.Context, conversationID, userID uuid.UUID, _ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.messages {
		if r.unreadFor(m, conversationID, userID) {
			m.ReadBy = append(m.ReadBy, userID)
			n++
		}
	}
	return n, nil
}

func (r *fakeMessageRepo) CountUnread(_ context.Context, conversationID, userID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.messages {
		if r.unreadFor(m, conversationID, userID) {
			n++
		}
	}
	return n, nil
}

func (r *fakeMessageRepo) byType(conversationID uuid.UUID, msgType string) []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type auditEntry struct {
	eventType string
	resource  string
	payload   map[string]interface{}
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *fakeAudit) LogEvent(_ context.Context, _, _ *uuid.UUID, eventType, resource string, payload map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{eventType: eventType, resource: resource, payload: payload})
	return nil
}

func (a *fakeAudit) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.eventType)
	}
	return out
}

type sentEvent struct {
	target string
	id     uuid.UUID
	except uuid.UUID
	event  string
	data   interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) add(target string, id, except uuid.UUID, event string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{target: target, id: id, except: except, event: event, data: data})
}

func (n *recordingNotifier) ToOrganization(id uuid.UUID, event string, data interface{}) {
	n.add("org", id, uuid.Nil, event, data)
}

func (n *recordingNotifier) ToProject(id uuid.UUID, event string, data interface{}) {
	n.add("project", id, uuid.Nil, event, data)
}

func (n *recordingNotifier) ToTask(id uuid.UUID, event string, data interface{}) {
	n.add("task", id, uuid.Nil, event, data)
}

func (n *recordingNotifier) ToConversation(id uuid.UUID, event string, data interface{}) {
	n.add("chat", id, uuid.Nil, event, data)
}

func (n *recordingNotifier) ToConversationExcept(id, except uuid.UUID, event string, data interface{}) {
	n.add("chat", id, except, event, data)
}

func (n *recordingNotifier) ToUser(id uuid.UUID, event string, data interface{}) {
	n.add("user", id, uuid.Nil, event, data)
}

func (n *recordingNotifier) named(event string) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.event)
	}
	return out
}

type fakeOnlineRepo struct {
	counts  map[uuid.UUID]int64
	touched map[uuid.UUID]time.Time
	err     error
}

func (r *fakeOnlineRepo) MarkOnline(_ context.Context, _, userID uuid.UUID, _ time.Time) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.counts[userID]++
	return r.counts[userID], nil
}

func (r *fakeOnlineRepo) MarkOffline(_ context.Context, _, userID uuid.UUID, _ time.Time) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.counts[userID]--
	if r.counts[userID] <= 0 {
		delete(r.counts, userID)
		return 0, nil
	}
	return r.counts[userID], nil
}

func (r *fakeOnlineRepo) Touch(_ context.Context, _, userID uuid.UUID, at time.Time) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	if _, ok := r.counts[userID]; !ok {
		return false, nil
	}
	if r.touched == nil {
		r.touched = map[uuid.UUID]time.Time{}
	}
	r.touched[userID] = at
	return true, nil
}

func (r *fakeOnlineRepo) List(_ context.Context, _ uuid.UUID) ([]domain.OnlineMember, error) {
	members := make([]domain.OnlineMember, 0, len(r.counts))
	for id, n := range r.counts {
		members = append(members, domain.OnlineMember{UserID: id, Connections: n, Online: n > 0})
	}
	return members, nil
}
