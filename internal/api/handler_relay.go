package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetConnectivity returns the cached connectivity sample.
func (h *Handler) GetConnectivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Status())
}

// GetQueue reports queue depth and replay engine counters.
func (h *Handler) GetQueue(c *gin.Context) {
	stats, err := h.replay.Stats(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running":       stats.Running,
		"intervalSec":   stats.Interval.Seconds(),
		"pending":       stats.Pending,
		"failed":        stats.Failed,
		"oldestAgeSec":  stats.OldestAge.Seconds(),
		"maxRetryCount": stats.MaxRetryCount,
		"lastCycleAt":   stats.LastCycleAt,
		"totalSent":     stats.TotalSent,
		"totalFailed":   stats.TotalFailed,
		"online":        h.monitor.Status().Reachable,
	})
}

// PostFlush drains the queue now, ignoring backoff.
func (h *Handler) PostFlush(c *gin.Context) {
	report, err := h.replay.FlushAll(c.Request.Context())
	h.Invalidate()
	if err != nil {
		h.log.Error("flush failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}
