package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one websocket connection. All writes go through a single writer
// goroutine so frames reach the peer in the order they were queued.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu       sync.RWMutex
	userID   string
	deviceID *uuid.UUID
}

func newClient(conn *websocket.Conn, buffer int) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// bind records the authenticated identity and returns the previous user id.
func (c *Client) bind(userID string, deviceID *uuid.UUID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.userID
	c.userID = userID
	c.deviceID = deviceID
	return prev
}

func (c *Client) identity() (string, *uuid.UUID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.deviceID
}

func (c *Client) boundTo(userID string, deviceID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != "" && c.userID == userID && c.deviceID != nil && *c.deviceID == deviceID
}

// enqueue never blocks; a full buffer means the peer is not keeping up.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump hands every inbound frame to handle in arrival order and returns
// when the connection fails or closes.
func (c *Client) readPump(opts Options, handle func(c *Client, frame []byte)) {
	c.conn.SetReadLimit(opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		msgType, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(c, frame)
	}
}
