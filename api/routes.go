package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts every endpoint on r. metricsHandler may be nil.
func RegisterRoutes(r *gin.Engine, h *APIHandler, metricsHandler http.Handler) {
	apiGroup := r.Group("/api")
	{
		sessionGroup := apiGroup.Group("/session")
		{
			sessionGroup.GET("", h.GetSessionHandler)
			sessionGroup.POST("", h.CreateSessionHandler)
			sessionGroup.POST("/merge", h.MergeSessionsHandler)
			sessionGroup.GET("/:id", h.GetSessionByIDHandler)
			sessionGroup.PUT("/:id", h.UpdateSessionHandler)
			sessionGroup.DELETE("/:id", h.DeleteSessionHandler)
			sessionGroup.PATCH("/:id/messages", h.IncrementMessagesHandler)
		}
		apiGroup.POST("/chat", h.ChatHandler)

		if h.cfg.Admin.Token != "" {
			apiGroup.POST("/admin/ratelimit/reset", h.ResetRateLimitHandler)
			apiGroup.GET("/admin/abuse", h.AbuseEventsHandler)
		}
	}

	r.GET("/healthz", h.HealthHandler)
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}
}
