// Package realtime keeps live websocket connections per device and a
// broadcast group per user.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	apperrors "github.com/jwalitptl/notification-hub/pkg/errors"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/messaging"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

// DeviceTracker persists which connection a device is live on.
type DeviceTracker interface {
	SetLiveConnection(ctx context.Context, deviceID uuid.UUID, userID, connectionID string) error
	ClearLiveConnection(ctx context.Context, connectionID string) error
	ReleaseLiveConnection(ctx context.Context, deviceID uuid.UUID, connectionID string) error
}

type UnreadCounter interface {
	UnreadCount(ctx context.Context, userID string) (int, error)
}

type Options struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
	// RelayChannel is the broker channel user broadcasts travel on when a
	// broker is configured.
	RelayChannel string
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.RelayChannel == "" {
		o.RelayChannel = "notifications:realtime"
	}
	return o
}

type Hub struct {
	opts    Options
	devices DeviceTracker
	counter UnreadCounter
	broker  messaging.Broker
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
}

// NewHub builds a hub. broker may be nil, in which case broadcasts only reach
// connections held by this process.
func NewHub(opts Options, devices DeviceTracker, counter UnreadCounter, broker messaging.Broker, m *metrics.Metrics, log *logger.Logger) *Hub {
	return &Hub{
		opts:    opts.withDefaults(),
		devices: devices,
		counter: counter,
		broker:  broker,
		metrics: m,
		logger:  log,
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// Run relays broker broadcasts to local connections until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		<-ctx.Done()
		return nil
	}

	messages, err := h.broker.Subscribe(ctx, h.opts.RelayChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}
	h.logger.Info("realtime relay started", "channel", h.opts.RelayChannel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-messages:
			if !ok {
				return nil
			}
			var msg relayMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.logger.Warn("dropping malformed relay message", "error", err.Error())
				continue
			}
			h.broadcastLocal(msg.UserID, msg.Frame)
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.RealtimeConnections.Inc()
}

func (h *Hub) client(connectionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connectionID]
}

// Authenticate binds the connection to userID's broadcast group and, when a
// device is given, records the connection as that device's live channel. It
// returns the user's unread count.
func (h *Hub) Authenticate(ctx context.Context, connectionID, userID string, deviceID *uuid.UUID) (int, error) {
	if userID == "" {
		return 0, apperrors.Validation("User ID required", nil)
	}
	c := h.client(connectionID)
	if c == nil {
		return 0, apperrors.NotFound("connection", nil)
	}

	if deviceID != nil {
		if err := h.devices.SetLiveConnection(ctx, *deviceID, userID, connectionID); err != nil {
			return 0, err
		}
	}

	// A connection that switches identity must not leave the previous device
	// pointing at it.
	_, prevDevice := c.identity()
	if prevDevice != nil && (deviceID == nil || *prevDevice != *deviceID) {
		if err := h.devices.ReleaseLiveConnection(ctx, *prevDevice, connectionID); err != nil {
			return 0, err
		}
	}

	prev := c.bind(userID, deviceID)
	h.mu.Lock()
	if prev != "" && prev != userID {
		h.leaveLocked(prev, connectionID)
	}
	room := h.rooms[userID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[userID] = room
	}
	room[connectionID] = c
	h.mu.Unlock()

	return h.counter.UnreadCount(ctx, userID)
}

func (h *Hub) leaveLocked(userID, connectionID string) {
	room := h.rooms[userID]
	delete(room, connectionID)
	if len(room) == 0 {
		delete(h.rooms, userID)
	}
}

// Deliver queues n on exactly one connection. It reports false when this
// process does not hold the connection, the connection is no longer bound to
// deviceID of the notification's user, or it cannot accept more frames.
func (h *Hub) Deliver(connectionID string, deviceID uuid.UUID, n *model.Notification) bool {
	c := h.client(connectionID)
	if c == nil {
		return false
	}
	if !c.boundTo(n.UserID, deviceID) {
		h.logger.Warn("connection bound to another identity", "connection_id", connectionID, "device_id", deviceID.String())
		return false
	}
	frame, err := encode(EventNew, n)
	if err != nil {
		h.logger.Error(err, "failed to encode notification", "notification_id", n.ID.String())
		return false
	}
	return h.enqueue(c, frame)
}

// BroadcastToUser sends an event to every connection of the user. It is best
// effort: failures are logged, never returned.
func (h *Hub) BroadcastToUser(ctx context.Context, userID, event string, data interface{}) {
	frame, err := encode(event, data)
	if err != nil {
		h.logger.Error(err, "failed to encode broadcast", "event", event)
		return
	}

	if h.broker != nil {
		err := h.broker.Publish(ctx, h.opts.RelayChannel, relayMessage{UserID: userID, Frame: frame})
		if err == nil {
			return
		}
		h.logger.Warn("relay publish failed, broadcasting locally", "event", event, "error", err.Error())
	}
	h.broadcastLocal(userID, frame)
}

func (h *Hub) broadcastLocal(userID string, frame []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[userID]))
	for _, c := range h.rooms[userID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		h.enqueue(c, frame)
	}
}

func (h *Hub) enqueue(c *Client, frame []byte) bool {
	if c.enqueue(frame) {
		return true
	}
	h.metrics.RealtimeDropped.Inc()
	h.logger.Warn("realtime frame dropped", "connection_id", c.id)
	return false
}

// Disconnect forgets the connection, leaves its user group and clears the
// device's live pointer if it still refers to this connection.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) {
	h.mu.Lock()
	c, ok := h.clients[connectionID]
	if ok {
		delete(h.clients, connectionID)
		if userID, _ := c.identity(); userID != "" {
			h.leaveLocked(userID, connectionID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.metrics.RealtimeConnections.Dec()
	c.close()

	if err := h.devices.ClearLiveConnection(ctx, connectionID); err != nil {
		h.logger.Error(err, "failed to clear live connection", "connection_id", connectionID)
	}
}

// Connections returns how many connections this process holds.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and marks the devices behind them offline.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
	h.mu.Unlock()

	h.metrics.RealtimeConnections.Sub(float64(len(clients)))
	for id, c := range clients {
		c.close()
		if err := h.devices.ClearLiveConnection(ctx, id); err != nil {
			h.logger.Error(err, "failed to clear live connection", "connection_id", id)
		}
	}
}
