package realtime

import (
	"errors"
	"sync"
	"time"

	"project_hub/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// closeWait ограничивает попытку отправить close-фрейм медленному клиенту.
	closeWait = time.Second
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("connection buffer exceeded")
	ErrEmptyEvent       = errors.New("frame has no event name")
)

// Identity фиксируется при рукопожатии и не меняется до закрытия соединения.
type Identity struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           string
	Email          string
	FirstName      string
	LastName       string
}

func (i Identity) DisplayName() string {
	return domain.FullName(i.FirstName, i.LastName)
}

type ConnectionOptions struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	// OnPong вызывается из читающей горутины на каждый pong.
	OnPong func()
}

// Connection wraps a websocket and coordinates outbound writes via a buffered channel.
// One user may hold several connections; each has its own ID.
type Connection struct {
	ID       uuid.UUID
	Identity Identity

	ws    *websocket.Conn
	opts  ConnectionOptions
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func NewConnection(ws *websocket.Conn, identity Identity, opts ConnectionOptions) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 128
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 30 * time.Second
	}
	if opts.PongWait <= opts.PingPeriod {
		opts.PongWait = opts.PingPeriod * 2
	}
	return &Connection{
		ID:       uuid.New(),
		Identity: identity,
		ws:       ws,
		opts:     opts,
		send:     make(chan []byte, opts.SendBuffer),
		close:    make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	if c.opts.ReadLimit > 0 {
		c.ws.SetReadLimit(c.opts.ReadLimit)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		if c.opts.OnPong != nil {
			c.opts.OnPong()
		}
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	go c.writeLoop()
}

// ReadMessage blocks until the next data frame arrives.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	return payload, err
}

// Send enqueues payload for delivery. If the client is slow and the buffer is full,
// the connection is closed to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.close:
		return ErrConnectionClosed
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrSendBufferFull
	}
}

// Done закрывается вместе с соединением.
func (c *Connection) Done() <-chan struct{} {
	return c.close
}

// Close terminates the connection and stops the write loop. It never blocks:
// Send calls it from Broadcast, possibly under the presence lock, while the
// socket write lock may be held by a writeLoop stuck on a client that stopped
// reading.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		if c.ws != nil {
			go c.shutdown(code, reason)
		}
	})
}

func (c *Connection) shutdown(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWait))
	_ = c.ws.Close()
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
