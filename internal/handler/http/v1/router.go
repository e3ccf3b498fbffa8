package v1

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes регистрирует все маршруты API v1
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	incidents := api.Group("/incidents")
	{
		incidents.GET("", h.listIncidents)
		incidents.GET("/stats", h.getStats)
		incidents.GET("/stream", h.streamIncidents)

		// Изменяющие маршруты закрываются ключом, если ключи заданы
		incidents.POST("", h.writeAuth(), h.submitIncident)
		incidents.PATCH("/:id/resolve", h.writeAuth(), h.resolveIncident)
	}

	// Маршрут Health-check
	api.GET("/system/health", h.healthCheck)
}

func (h *Handler) writeAuth() gin.HandlerFunc {
	if len(h.cfg.APIKeys) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return APIKeyAuthMiddleware(h.cfg, h.logger)
}
