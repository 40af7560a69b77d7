package handler

import (
	"context"
	"sync"
	"time"

	"project_hub/internal/domain"
	"project_hub/internal/repository"
	apperrors "project_hub/pkg/errors"

	"github.com/google/uuid"
)

type memUserRepo struct {
	users map[uuid.UUID]*domain.User
}

func (r *memUserRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

type memProjectRepo struct {
	projects map[uuid.UUID]*domain.Project
	tasks    map[uuid.UUID]*domain.Task
}

func (r *memProjectRepo) GetProject(_ context.Context, id uuid.UUID) (*domain.Project, error) {
	p, ok := r.projects[id]
	if !ok {
		return nil, apperrors.ErrProjectNotFound
	}
	return p, nil
}

func (r *memProjectRepo) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.ErrTaskNotFound
	}
	return t, nil
}

type memConversationRepo struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*domain.Conversation
}

func (r *memConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

// memMessageRepo хранит только то, что нужно системным сообщениям звонков.
type memMessageRepo struct {
	mu       sync.Mutex
	messages []*domain.Message
}

func (r *memMessageRepo) Create(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.messages = append(r.messages, &cp)
	return nil
}

func (r *memMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperrors.ErrMessageNotFound
}

func (r *memMessageRepo) List(_ context.Context, conversationID uuid.UUID, _ repository.MessageListFilter) ([]*domain.Message, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, len(out), nil
}

func (r *memMessageRepo) SetReaction(context.Context, uuid.UUID, uuid.UUID, string, time.Time) error {
	return nil
}

func (r *memMessageRepo) MarkRead(context.Context, uuid.UUID, uuid.UUID, time.Time) (int64, error) {
	return 0, nil
}

func (r *memMessageRepo) CountUnread(context.Context, uuid.UUID, uuid.UUID) (int64, error) {
	return 0, nil
}

type memAuditRepo struct {
	mu   sync.Mutex
	logs []*domain.AuditLog
}

func (r *memAuditRepo) CreateLog(_ context.Context, log *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *memAuditRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l.EventType)
	}
	return out
}

type memOnlineRepo struct {
	mu      sync.Mutex
	counts  map[uuid.UUID]int64
	touches int
}

func (r *memOnlineRepo) MarkOnline(_ context.Context, _, userID uuid.UUID, _ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[userID]++
	return r.counts[userID], nil
}

func (r *memOnlineRepo) MarkOffline(_ context.Context, _, userID uuid.UUID, _ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[userID]--
	if r.counts[userID] <= 0 {
		delete(r.counts, userID)
		return 0, nil
	}
	return r.counts[userID], nil
}

func (r *memOnlineRepo) Touch(_ context.Context, _, userID uuid.UUID, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches++
	_, ok := r.counts[userID]
	return ok, nil
}

func (r *memOnlineRepo) touchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touches
}

func (r *memOnlineRepo) List(_ context.Context, _ uuid.UUID) ([]domain.OnlineMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OnlineMember, 0, len(r.counts))
	for id, n := range r.counts {
		out = append(out, domain.OnlineMember{UserID: id, Connections: n, Online: true})
	}
	return out, nil
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

// countingLimiter считает запросы по ключу без окна: для тестов окно не истекает.
type countingLimiter struct {
	mu      sync.Mutex
	counts  map[string]int
	refused int
}

func newCountingLimiter() *countingLimiter {
	return &countingLimiter{counts: map[string]int{}}
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[key]++
	if l.counts[key] > limit {
		l.refused++
		return false, nil
	}
	return true, nil
}

func (l *countingLimiter) denied() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refused
}
