package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scanner-relay/internal/model"
)

type deviceResponse struct {
	model.Device
	PendingMessages int64 `json:"pendingMessages"`
}

// ListDevices handles GET /api/devices.
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve devices"})
		return
	}
	if devices == nil {
		devices = []model.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

// GetDevice handles GET /api/devices/:device_id.
func (h *Handler) GetDevice(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("device_id")

	dev, err := h.store.GetDevice(ctx, id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve device"})
		return
	}
	if dev == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	pending, err := h.store.CountPendingMessages(ctx, id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to count queued messages"})
		return
	}
	c.JSON(http.StatusOK, deviceResponse{Device: *dev, PendingMessages: pending})
}
