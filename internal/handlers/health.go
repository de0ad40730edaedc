package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports liveness and the registered methods.
func HealthHandler(resolver DIDResolutionService, started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"methods": resolver.SupportedMethods(),
			"uptime":  time.Since(started).Round(time.Second).String(),
		})
	}
}
