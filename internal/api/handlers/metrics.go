package handlers

import (
	"github.com/gin-gonic/gin"
)

// Metrics serves the collector's private registry in the Prometheus text
// format.
func (h *Handler) Metrics(c *gin.Context) {
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
