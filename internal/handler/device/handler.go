package device

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/handler"
	"github.com/jwalitptl/notification-hub/internal/model"
	apperrors "github.com/jwalitptl/notification-hub/pkg/errors"
)

// Service is the part of the device registry the HTTP API needs.
type Service interface {
	Register(ctx context.Context, userID string, info model.DeviceInfo) (*model.Device, error)
	Unregister(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context, userID string, onlineOnly bool) ([]*model.Device, error)
	Settings(ctx context.Context, id uuid.UUID) (model.Settings, error)
	UpdateSettings(ctx context.Context, id uuid.UUID, settings model.Settings) (model.Settings, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("/subscribe", h.Subscribe)
		notifications.POST("/unsubscribe", h.Unsubscribe)
		notifications.GET("/devices", h.ListDevices)
		notifications.DELETE("/device/:deviceId", h.DeleteDevice)
		notifications.GET("/settings", h.GetSettings)
		notifications.PUT("/settings", h.UpdateSettings)
	}
}

type subscribeRequest struct {
	UserID     string            `json:"userId" binding:"required"`
	DeviceInfo *model.DeviceInfo `json:"deviceInfo" binding:"required"`
}

type unsubscribeRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
}

type settingsRequest struct {
	DeviceID string         `json:"deviceId" binding:"required"`
	Settings model.Settings `json:"settings" binding:"required"`
}

func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, "userId and deviceInfo are required")
		return
	}

	device, err := h.service.Register(c.Request.Context(), req.UserID, *req.DeviceInfo)
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &handler.Response{
		Status:  "success",
		Message: "device registered",
		Data: gin.H{
			"deviceId": device.ID,
			"userId":   device.UserID,
		},
	})
}

// Unsubscribe removes a device. Removing an unknown device succeeds so clients
// can retry safely.
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, "deviceId is required")
		return
	}
	id, err := uuid.Parse(req.DeviceID)
	if err != nil {
		handler.BadRequest(c, "invalid device ID")
		return
	}

	if err := h.service.Unregister(c.Request.Context(), id); err != nil && !apperrors.IsNotFound(err) {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &handler.Response{Status: "success", Message: "device unregistered"})
}

func (h *Handler) ListDevices(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		handler.BadRequest(c, "userId is required")
		return
	}
	onlineOnly, _ := strconv.ParseBool(c.Query("onlineOnly"))

	devices, err := h.service.ListDevices(c.Request.Context(), userID, onlineOnly)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(devices))
}

func (h *Handler) DeleteDevice(c *gin.Context) {
	id, err := uuid.Parse(c.Param("deviceId"))
	if err != nil {
		handler.BadRequest(c, "invalid device ID")
		return
	}

	if err := h.service.Unregister(c.Request.Context(), id); err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &handler.Response{Status: "success", Message: "device deleted"})
}

func (h *Handler) GetSettings(c *gin.Context) {
	id, err := uuid.Parse(c.Query("deviceId"))
	if err != nil {
		handler.BadRequest(c, "valid deviceId is required")
		return
	}

	settings, err := h.service.Settings(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(settings))
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, "deviceId and settings are required")
		return
	}
	id, err := uuid.Parse(req.DeviceID)
	if err != nil {
		handler.BadRequest(c, "invalid device ID")
		return
	}

	settings, err := h.service.UpdateSettings(c.Request.Context(), id, req.Settings)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &handler.Response{Status: "success", Message: "settings updated", Data: settings})
}
