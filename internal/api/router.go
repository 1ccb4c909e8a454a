package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"scanner-relay/internal/mw"
)

// RouterConfig tunes the API middleware.
type RouterConfig struct {
	RateLimit rate.Limit
	Burst     int
	CacheTTL  time.Duration
}

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(mw.RequestLogger(h.log), gin.Recovery())

	rateLimiter := mw.RateLimiter(cfg.RateLimit, cfg.Burst)
	caching := mw.Cache(h.cache, cfg.CacheTTL)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/scans", h.PostScan)
		api.POST("/devices/register", h.PostRegister)
		api.GET("/devices", caching, h.ListDevices)
		api.GET("/devices/:device_id", caching, h.GetDevice)

		api.GET("/connectivity", h.GetConnectivity)
		api.GET("/queue", h.GetQueue)
		api.POST("/queue/flush", h.PostFlush)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
