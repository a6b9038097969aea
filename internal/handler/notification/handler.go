package notification

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/handler"
	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/service/delivery"
)

type Store interface {
	Unread(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	History(ctx context.Context, userID string, filter model.HistoryFilter) ([]*model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	DeliveryStatuses(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryStatus, error)
}

// ReadState mutates read flags and keeps the user's other devices in sync.
type ReadState interface {
	MarkRead(ctx context.Context, notificationID uuid.UUID, userID string) (*model.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

type Sender interface {
	SendNotification(ctx context.Context, userID string, input model.NotificationInput) (*model.Notification, error)
	SendToMultipleUsers(ctx context.Context, userIDs []string, input model.NotificationInput) (delivery.BulkResult, error)
	SendTestNotification(ctx context.Context, userID string) (*model.Notification, error)
}

type Handler struct {
	store          Store
	reads          ReadState
	sender         Sender
	vapidPublicKey string
}

func NewHandler(store Store, reads ReadState, sender Sender, vapidPublicKey string) *Handler {
	return &Handler{
		store:          store,
		reads:          reads,
		sender:         sender,
		vapidPublicKey: vapidPublicKey,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.GET("/pending", h.Pending)
		notifications.POST("/mark-read", h.MarkRead)
		notifications.POST("/mark-all-read", h.MarkAllRead)
		notifications.GET("/history", h.History)
		notifications.GET("/unread-count", h.UnreadCount)
		notifications.POST("/test", h.SendTest)
		notifications.POST("/send", h.Send)
		notifications.GET("/vapid-public-key", h.VAPIDPublicKey)
		notifications.GET("/:id/deliveries", h.Deliveries)
	}
}

type markReadRequest struct {
	NotificationID string `json:"notificationId" binding:"required"`
	UserID         string `json:"userId"`
}

type userRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type sendRequest struct {
	UserID    string        `json:"userId"`
	UserIDs   []string      `json:"userIds"`
	Type      string        `json:"type" binding:"required,max=64"`
	Title     string        `json:"title" binding:"required,max=255"`
	Body      string        `json:"body"`
	Data      model.Payload `json:"data"`
	TargetURL string        `json:"targetUrl" binding:"max=2048"`
	Priority  string        `json:"priority"`
}

func (r sendRequest) input() model.NotificationInput {
	return model.NotificationInput{
		Type:      r.Type,
		Title:     r.Title,
		Body:      r.Body,
		Data:      r.Data,
		TargetURL: r.TargetURL,
		Priority:  r.Priority,
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

// Pending serves clients that poll instead of holding a realtime connection.
func (h *Handler) Pending(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		handler.BadRequest(c, "userId is required")
		return
	}

	list, err := h.store.Unread(c.Request.Context(), userID, queryInt(c, "limit", 0))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"notifications": list,
		"count":         len(list),
		"timestamp":     time.Now().UTC(),
	}))
}

func (h *Handler) MarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, "notificationId is required")
		return
	}
	id, err := uuid.Parse(req.NotificationID)
	if err != nil {
		handler.BadRequest(c, "invalid notification ID")
		return
	}

	n, err := h.reads.MarkRead(c.Request.Context(), id, req.UserID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &handler.Response{Status: "success", Message: "notification marked as read", Data: n})
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, "userId is required")
		return
	}

	count, err := h.reads.MarkAllRead(c.Request.Context(), req.UserID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &handler.Response{
		Status:  "success",
		Message: "all notifications marked as read",
		Data:    gin.H{"count": count},
	})
}

func (h *Handler) History(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		handler.BadRequest(c, "userId is required")
		return
	}

	list, err := h.store.History(c.Request.Context(), userID, model.HistoryFilter{
		Limit:  queryInt(c, "limit", 0),
		Offset: queryInt(c, "offset", 0),
		Type:   c.Query("type"),
	})
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"notifications": list,
		"count":         len(list),
	}))
}

func (h *Handler) UnreadCount(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		handler.BadRequest(c, "userId is required")
		return
	}

	count, err := h.store.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"count": count}))
}

func (h *Handler) SendTest(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, "userId is required")
		return
	}

	n, err := h.sender.SendTestNotification(c.Request.Context(), req.UserID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &handler.Response{Status: "success", Message: "test notification sent", Data: n})
}

// Send creates a notification for one user, or for each of userIds when given.
func (h *Handler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, err.Error())
		return
	}

	switch {
	case len(req.UserIDs) > 0:
		res, err := h.sender.SendToMultipleUsers(c.Request.Context(), req.UserIDs, req.input())
		if err != nil {
			handler.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, handler.NewSuccessResponse(res))
	case req.UserID != "":
		n, err := h.sender.SendNotification(c.Request.Context(), req.UserID, req.input())
		if err != nil {
			handler.RespondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, handler.NewSuccessResponse(n))
	default:
		handler.BadRequest(c, "userId or userIds is required")
	}
}

func (h *Handler) Deliveries(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handler.BadRequest(c, "invalid notification ID")
		return
	}

	statuses, err := h.store.DeliveryStatuses(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"statuses": statuses,
		"summary":  model.Summarize(statuses),
	}))
}

func (h *Handler) VAPIDPublicKey(c *gin.Context) {
	if h.vapidPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, handler.NewErrorResponse("web push is not configured"))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"publicKey": h.vapidPublicKey}))
}
