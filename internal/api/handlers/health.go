package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// Ready fails only when no storage backend answers. A degraded store still
// serves from the file fallback.
func (h *Handler) Ready(c *gin.Context) {
	state := h.storage.Health()
	if err := h.storage.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"storage": state.String(),
			"error":   "storage unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"storage": state.String(),
		"time":    time.Now().Unix(),
	})
}
