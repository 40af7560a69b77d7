package realtime

import (
	"sort"
	"sync"

	"project_hub/internal/metrics"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub хранит комнаты и обратный индекс соединение -> комнаты.
// Оба индекса меняются в одной критической секции.
type Hub struct {
	mu        sync.RWMutex
	conns     map[uuid.UUID]*Connection
	rooms     map[string]map[uuid.UUID]*Connection
	connRooms map[uuid.UUID]map[string]struct{}
	log       logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		conns:     make(map[uuid.UUID]*Connection),
		rooms:     make(map[string]map[uuid.UUID]*Connection),
		connRooms: make(map[uuid.UUID]map[string]struct{}),
		log:       log,
	}
}

// Register начинает отслеживать соединение. Несколько соединений одного
// пользователя допускаются.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; !ok {
		h.conns[conn.ID] = conn
		h.connRooms[conn.ID] = make(map[string]struct{})
		metrics.Connections.Inc()
	}
	h.mu.Unlock()
}

// Unregister удаляет соединение из всех комнат и возвращает комнаты,
// в которых оно состояло.
func (h *Hub) Unregister(conn *Connection) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return nil
	}
	delete(h.conns, conn.ID)
	metrics.Connections.Dec()

	rooms := make([]string, 0, len(h.connRooms[conn.ID]))
	for room := range h.connRooms[conn.ID] {
		rooms = append(rooms, room)
		h.leaveLocked(room, conn.ID)
	}
	delete(h.connRooms, conn.ID)
	sort.Strings(rooms)

	return rooms
}

// Join adds the connection to the room. Returns false for unknown connections.
func (h *Hub) Join(room string, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	memberships, ok := h.connRooms[conn.ID]
	if !ok {
		return false
	}

	members := h.rooms[room]
	if members == nil {
		members = make(map[uuid.UUID]*Connection)
		h.rooms[room] = members
	}
	members[conn.ID] = conn
	memberships[room] = struct{}{}

	return true
}

// Leave removes the connection from the room and reports whether it was a member.
func (h *Hub) Leave(room string, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connRooms[conn.ID][room]; !ok {
		return false
	}
	h.leaveLocked(room, conn.ID)
	return true
}

func (h *Hub) IsMember(room string, conn *Connection) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.connRooms[conn.ID][room]
	return ok
}

// RoomsOf returns the sorted rooms the connection is subscribed to.
func (h *Hub) RoomsOf(conn *Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]string, 0, len(h.connRooms[conn.ID]))
	for room := range h.connRooms[conn.ID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast writes payload to all connections in the room except the one with
// ID exclude (uuid.Nil excludes nobody). Returns the number of deliveries.
func (h *Hub) Broadcast(room string, payload []byte, exclude uuid.UUID) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.rooms[room]))
	for id, conn := range h.rooms[room] {
		if id == exclude {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			metrics.EventsDropped.WithLabelValues("send_failed").Inc()
			h.log.Debug("Dropped outbound event", "error", err, "connection_id", conn.ID, "room", room)
			continue
		}
		delivered++
	}
	return delivered
}

// Close terminates all tracked connections and clears hub state.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[uuid.UUID]*Connection)
	h.rooms = make(map[string]map[uuid.UUID]*Connection)
	h.connRooms = make(map[uuid.UUID]map[string]struct{})
	metrics.Connections.Sub(float64(len(conns)))
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) leaveLocked(room string, connID uuid.UUID) {
	if members := h.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if memberships, ok := h.connRooms[connID]; ok {
		delete(memberships, room)
	}
}
