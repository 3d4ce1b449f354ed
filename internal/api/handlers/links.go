package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leozw/clan-war-guardian/internal/api/middleware"
)

type LinkAccountRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	PlayerTag string `json:"player_tag" binding:"required"`
}

func (h *Handler) LinkAccount(c *gin.Context) {
	var req LinkAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.tenants.LinkAccount(c.Request.Context(), c.GetString(middleware.GuildKey), req.UserID, req.PlayerTag)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"created": created})
}

func (h *Handler) UnlinkAccount(c *gin.Context) {
	if err := h.tenants.UnlinkAccount(c.Request.Context(), c.GetString(middleware.GuildKey), c.Param("user"), c.Param("tag")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type PrepNotifierRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) AssignPrepNotifier(c *gin.Context) {
	var req PrepNotifierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.tenants.AssignPrepNotifier(c.Request.Context(), c.GetString(middleware.GuildKey), c.Param("tag"), req.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) RemovePrepNotifier(c *gin.Context) {
	if err := h.tenants.RemovePrepNotifier(c.Request.Context(), c.GetString(middleware.GuildKey), c.Param("tag"), c.Param("user")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
