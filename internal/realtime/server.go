package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/notification-hub/internal/model"
	apperrors "github.com/jwalitptl/notification-hub/pkg/errors"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

// Inbox serves the read-only notification queries a connection may ask for.
type Inbox interface {
	Unread(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	History(ctx context.Context, userID string, filter model.HistoryFilter) ([]*model.Notification, error)
}

// ReadState applies read and click mutations and syncs the user's devices.
type ReadState interface {
	MarkRead(ctx context.Context, notificationID uuid.UUID, userID string) (*model.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	MarkClicked(ctx context.Context, notificationID, deviceID uuid.UUID, userID string) (*model.Notification, error)
}

const disconnectTimeout = 5 * time.Second

// Server upgrades HTTP requests and runs the event loop of each connection.
type Server struct {
	hub      *Hub
	inbox    Inbox
	reads    ReadState
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

func NewServer(hub *Hub, inbox Inbox, reads ReadState, log *logger.Logger) *Server {
	s := &Server{hub: hub, inbox: inbox, reads: reads, logger: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(hub.opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWS upgrades the request and blocks until the connection ends.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	c := newClient(conn, s.hub.opts.SendBuffer)
	s.hub.register(c)
	s.logger.Debug("client connected", "connection_id", c.id)

	go c.writePump(s.hub.opts)

	ctx := context.WithoutCancel(r.Context())
	c.readPump(s.hub.opts, func(c *Client, frame []byte) {
		s.handle(ctx, c, frame)
	})

	dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
	defer cancel()
	s.hub.Disconnect(dctx, c.id)
	s.logger.Debug("client disconnected", "connection_id", c.id)
}

func (s *Server) handle(ctx context.Context, c *Client, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.reply(c, EventError, errorPayload{Message: "malformed message"})
		return
	}

	switch env.Event {
	case EventAuthenticate:
		s.authenticate(ctx, c, env.Data)
	case EventMarkRead:
		s.markRead(ctx, c, env.Data)
	case EventMarkAllRead:
		s.markAllRead(ctx, c)
	case EventClicked:
		s.clicked(ctx, c, env.Data)
	case EventGetUnread:
		s.getUnread(ctx, c)
	case EventGetHistory:
		s.getHistory(ctx, c, env.Data)
	case EventMarkDelivered:
		var req notificationRequest
		_ = json.Unmarshal(env.Data, &req)
		if _, deviceID := c.identity(); deviceID != nil {
			s.logger.Info("delivery confirmed by device", "notification_id", req.NotificationID, "device_id", deviceID.String())
		}
	case EventDeviceStatus:
		var req statusRequest
		_ = json.Unmarshal(env.Data, &req)
		if _, deviceID := c.identity(); deviceID != nil {
			s.logger.Info("device status update", "device_id", deviceID.String(), "status", req.Status)
		}
	default:
		s.reply(c, EventError, errorPayload{Message: "unknown event " + env.Event})
	}
}

func (s *Server) reply(c *Client, event string, data interface{}) {
	frame, err := encode(event, data)
	if err != nil {
		s.logger.Error(err, "failed to encode reply", "event", event)
		return
	}
	s.hub.enqueue(c, frame)
}

func (s *Server) fail(c *Client, msg string, err error) {
	if err != nil {
		s.logger.Error(err, msg, "connection_id", c.id)
	}
	s.reply(c, EventError, errorPayload{Message: msg})
}

func (s *Server) authenticate(ctx context.Context, c *Client, data json.RawMessage) {
	var req authenticateRequest
	if err := json.Unmarshal(data, &req); err != nil || req.UserID == "" {
		s.fail(c, "User ID required", nil)
		return
	}

	var deviceID *uuid.UUID
	if req.DeviceID != "" {
		id, err := uuid.Parse(req.DeviceID)
		if err != nil {
			s.fail(c, "invalid device ID", nil)
			return
		}
		deviceID = &id
	}

	count, err := s.hub.Authenticate(ctx, c.id, req.UserID, deviceID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			s.fail(c, "Authentication failed: device not found", nil)
			return
		}
		s.fail(c, "Authentication failed", err)
		return
	}

	s.reply(c, EventVerified, verifiedPayload{
		ConnectionID: c.id,
		UserID:       req.UserID,
		DeviceID:     req.DeviceID,
		UnreadCount:  count,
	})
	s.logger.Info("client authenticated", "user_id", req.UserID, "device_id", req.DeviceID, "connection_id", c.id)
}

func (s *Server) requireUser(c *Client) (string, bool) {
	userID, _ := c.identity()
	if userID == "" {
		s.fail(c, "Not authenticated", nil)
		return "", false
	}
	return userID, true
}

func parseNotificationID(data json.RawMessage) (uuid.UUID, bool) {
	var req notificationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(req.NotificationID)
	return id, err == nil
}

func (s *Server) markRead(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := s.requireUser(c)
	if !ok {
		return
	}
	id, ok := parseNotificationID(data)
	if !ok {
		s.fail(c, "notificationId is required", nil)
		return
	}
	if _, err := s.reads.MarkRead(ctx, id, userID); err != nil {
		s.fail(c, "Failed to mark as read", err)
	}
}

func (s *Server) markAllRead(ctx context.Context, c *Client) {
	userID, ok := s.requireUser(c)
	if !ok {
		return
	}
	if _, err := s.reads.MarkAllRead(ctx, userID); err != nil {
		s.fail(c, "Failed to mark all as read", err)
	}
}

// clicked needs a bound device; unauthenticated clicks are ignored.
func (s *Server) clicked(ctx context.Context, c *Client, data json.RawMessage) {
	userID, deviceID := c.identity()
	if userID == "" || deviceID == nil {
		return
	}
	id, ok := parseNotificationID(data)
	if !ok {
		return
	}
	if _, err := s.reads.MarkClicked(ctx, id, *deviceID, userID); err != nil {
		s.logger.Error(err, "failed to record click", "notification_id", id.String())
	}
}

func (s *Server) getUnread(ctx context.Context, c *Client) {
	userID, ok := s.requireUser(c)
	if !ok {
		return
	}
	list, err := s.inbox.Unread(ctx, userID, 0)
	if err != nil {
		s.fail(c, "Failed to get notifications", err)
		return
	}
	s.reply(c, EventUnreadList, list)
}

func (s *Server) getHistory(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := s.requireUser(c)
	if !ok {
		return
	}
	var req historyRequest
	if len(data) > 0 {
		_ = json.Unmarshal(data, &req)
	}
	list, err := s.inbox.History(ctx, userID, model.HistoryFilter{Limit: req.Limit, Offset: req.Offset, Type: req.Type})
	if err != nil {
		s.fail(c, "Failed to get history", err)
		return
	}
	s.reply(c, EventHistory, list)
}
