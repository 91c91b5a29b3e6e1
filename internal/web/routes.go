package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouteConfig holds the settings of the API route groups.
type RouteConfig struct {
	Username string
	Password string
	RPS      float64
	Burst    int
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, cfg RouteConfig) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	api := r.Group("/api")
	api.Use(RateLimiter(cfg.RPS, cfg.Burst))
	api.Use(OptionalBasicAuth(cfg.Username, cfg.Password))
	api.Use(RequireJSONContentType())
	{
		api.GET("/status", h.APIStatus)
		api.GET("/history", h.APIHistory)
		api.GET("/malformed-events", h.APIGetMalformedEvents)
		api.DELETE("/malformed-events/:id", h.APIDeleteMalformedEvent)
		api.POST("/sync", h.APITriggerSync)
	}

	// Calls that reach the remote source get a stricter limit
	remote := r.Group("/api")
	remote.Use(RateLimiter(2, 5))
	remote.Use(OptionalBasicAuth(cfg.Username, cfg.Password))
	{
		remote.GET("/collections", h.APICollections)
		remote.GET("/events", h.APIEvents)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
