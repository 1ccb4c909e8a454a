package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"scanner-relay/internal/model"
	"scanner-relay/internal/registration"
)

type scanRequest struct {
	Barcode  string `json:"barcode" binding:"required"`
	DeviceID string `json:"deviceId"`
	Refresh  bool   `json:"refresh"`
}

// PostScan handles POST /api/scans. Without a device id the barcode is a registration
// token; with one it is a quantity scan unless it is that device's own registration barcode.
func (h *Handler) PostScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	out, err := h.machine.Handle(c.Request.Context(), registration.Input{
		Barcode:  req.Barcode,
		DeviceID: req.DeviceID,
		Refresh:  req.Refresh,
	})
	h.writeOutcome(c, out, err)
}

// PostRegister handles POST /api/devices/register. The barcode registers the given
// device id, or a derived one when no id is sent, even without the registration prefix.
func (h *Handler) PostRegister(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	out, err := h.machine.RegisterAs(c.Request.Context(), req.DeviceID, req.Barcode, req.Refresh)
	h.writeOutcome(c, out, err)
}

func (h *Handler) writeOutcome(c *gin.Context, out registration.Outcome, err error) {
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			h.log.Error("scan handling failed", zap.Error(err))
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}

	h.Invalidate()
	code := http.StatusOK
	if out.Kind == registration.Registered {
		code = http.StatusCreated
	}
	c.JSON(code, out)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidBarcode):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDeviceDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
