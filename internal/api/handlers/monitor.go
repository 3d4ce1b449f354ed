package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/api/middleware"
)

type CreateMonitorRequest struct {
	ClanTag   string `json:"clan_tag" binding:"required"`
	Name      string `json:"name" binding:"max=64"`
	CreatedBy string `json:"created_by"`
}

func (h *Handler) CreateMonitor(c *gin.Context) {
	var req CreateMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	guildID := c.GetString(middleware.GuildKey)
	monitor, created, err := h.tenants.MonitorClan(c.Request.Context(), guildID, req.ClanTag, req.Name, req.CreatedBy)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.Info("Monitor created via API",
			zap.String("guild_id", guildID),
			zap.String("clan_tag", monitor.ClanTag),
		)
	}
	c.JSON(status, monitor)
}

func (h *Handler) DeleteMonitor(c *gin.Context) {
	if err := h.tenants.UnmonitorClan(c.Request.Context(), c.GetString(middleware.GuildKey), c.Param("tag")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MonitorStatus(c *gin.Context) {
	status, err := h.tenants.WarStatus(c.Request.Context(), c.GetString(middleware.GuildKey), c.Param("tag"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) UnlinkedParticipants(c *gin.Context) {
	unlinked, err := h.tenants.UnlinkedParticipants(c.Request.Context(), c.GetString(middleware.GuildKey), c.Param("tag"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": unlinked, "count": len(unlinked)})
}

func (h *Handler) LeagueStandings(c *gin.Context) {
	table, err := h.tenants.LeagueStandings(c.Request.Context(), c.GetString(middleware.GuildKey), c.Param("tag"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, table)
}

func (h *Handler) ResetPrepReminder(c *gin.Context) {
	round, err := h.tenants.ResetPrepReminder(c.Request.Context(), c.GetString(middleware.GuildKey), c.Param("tag"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round_id": round})
}
