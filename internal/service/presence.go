package service

import (
	"sort"
	"sync"

	"project_hub/internal/metrics"

	"github.com/google/uuid"
)

const DefaultPresenceAction = "viewing"

// PresenceEntry - элемент списка task.collaboration.state.
type PresenceEntry struct {
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
	Action      string    `json:"action"`
}

type PresenceChangeKind int

const (
	PresenceJoin PresenceChangeKind = iota
	PresenceAction
	PresenceLeave
)

// PresenceChange описывает изменение от одного соединения.
type PresenceChange struct {
	Kind         PresenceChangeKind
	ConnectionID uuid.UUID
	UserID       uuid.UUID
	DisplayName  string
	Action       string
}

// PresenceTracker хранит кто сейчас работает с задачей.
//
// Apply меняет состояние и вызывает emit с полным списком под той же
// блокировкой, поэтому рассылки по одной задаче идут в порядке изменений.
// emit не должен обращаться к трекеру.
type PresenceTracker interface {
	Apply(taskID uuid.UUID, change PresenceChange, emit func([]PresenceEntry)) bool
	Snapshot(taskID uuid.UUID) []PresenceEntry
	Tasks() int
}

type userPresence struct {
	entry PresenceEntry
	conns map[uuid.UUID]struct{}
}

type presenceTracker struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]map[uuid.UUID]*userPresence
}

func NewPresenceTracker() PresenceTracker {
	return &presenceTracker{
		tasks: make(map[uuid.UUID]map[uuid.UUID]*userPresence),
	}
}

// Apply возвращает false, если изменение ничего не поменяло (action или leave
// от соединения, не входившего в задачу). В этом случае emit не вызывается.
func (t *presenceTracker) Apply(taskID uuid.UUID, change PresenceChange, emit func([]PresenceEntry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed bool
	switch change.Kind {
	case PresenceJoin:
		changed = t.joinLocked(taskID, change)
	case PresenceAction:
		changed = t.actionLocked(taskID, change)
	case PresenceLeave:
		changed = t.leaveLocked(taskID, change)
	}
	if !changed {
		return false
	}

	metrics.PresenceTasks.Set(float64(len(t.tasks)))
	if emit != nil {
		emit(t.snapshotLocked(taskID))
	}
	return true
}

func (t *presenceTracker) Snapshot(taskID uuid.UUID) []PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(taskID)
}

func (t *presenceTracker) Tasks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

func (t *presenceTracker) joinLocked(taskID uuid.UUID, change PresenceChange) bool {
	users := t.tasks[taskID]
	if users == nil {
		users = make(map[uuid.UUID]*userPresence)
		t.tasks[taskID] = users
	}

	up := users[change.UserID]
	if up == nil {
		up = &userPresence{conns: make(map[uuid.UUID]struct{})}
		users[change.UserID] = up
	}
	up.conns[change.ConnectionID] = struct{}{}
	up.entry = PresenceEntry{
		UserID:      change.UserID,
		DisplayName: change.DisplayName,
		Action:      DefaultPresenceAction,
	}
	return true
}

func (t *presenceTracker) actionLocked(taskID uuid.UUID, change PresenceChange) bool {
	up := t.tasks[taskID][change.UserID]
	if up == nil {
		return false
	}
	if _, ok := up.conns[change.ConnectionID]; !ok {
		return false
	}

	action := change.Action
	if action == "" {
		action = DefaultPresenceAction
	}
	// Последнее действие с любого соединения пользователя побеждает.
	up.entry.Action = action
	return true
}

func (t *presenceTracker) leaveLocked(taskID uuid.UUID, change PresenceChange) bool {
	users := t.tasks[taskID]
	up := users[change.UserID]
	if up == nil {
		return false
	}
	if _, ok := up.conns[change.ConnectionID]; !ok {
		return false
	}

	delete(up.conns, change.ConnectionID)
	if len(up.conns) == 0 {
		delete(users, change.UserID)
	}
	if len(users) == 0 {
		delete(t.tasks, taskID)
	}
	return true
}

func (t *presenceTracker) snapshotLocked(taskID uuid.UUID) []PresenceEntry {
	users := t.tasks[taskID]
	list := make([]PresenceEntry, 0, len(users))
	for _, up := range users {
		list = append(list, up.entry)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UserID.String() < list[j].UserID.String()
	})
	return list
}
