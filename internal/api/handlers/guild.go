package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leozw/clan-war-guardian/internal/api/middleware"
)

type SetChannelsRequest struct {
	ReminderChannelID *string `json:"reminder_channel_id"`
	PrepChannelID     *string `json:"prep_channel_id"`
}

// SetChannels updates the channels present in the body. An empty prep
// channel clears it.
func (h *Handler) SetChannels(c *gin.Context) {
	var req SetChannelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ReminderChannelID == nil && req.PrepChannelID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reminder_channel_id or prep_channel_id is required"})
		return
	}

	guildID := c.GetString(middleware.GuildKey)
	ctx := c.Request.Context()

	if req.ReminderChannelID != nil {
		if _, err := h.tenants.SetReminderChannel(ctx, guildID, *req.ReminderChannelID); err != nil {
			h.respondError(c, err)
			return
		}
	}
	if req.PrepChannelID != nil {
		if _, err := h.tenants.SetPrepChannel(ctx, guildID, *req.PrepChannelID); err != nil {
			h.respondError(c, err)
			return
		}
	}

	cfg, err := h.tenants.GuildConfig(ctx, guildID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Tenant)
}

func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.tenants.GuildConfig(c.Request.Context(), c.GetString(middleware.GuildKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}
