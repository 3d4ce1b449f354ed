package core

import (
	"time"
)

// MaxClanMonitors is the number of clans a single guild may monitor.
const MaxClanMonitors = 4

// Tenant is one Discord guild and its notification channels.
type Tenant struct {
	GuildID           string    `json:"guild_id" validate:"required,snowflake"`
	ReminderChannelID string    `json:"reminder_channel_id" validate:"omitempty,snowflake"`
	PrepChannelID     string    `json:"prep_channel_id" validate:"omitempty,snowflake"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PrepChannel returns the channel preparation alerts go to, falling back
// to the reminder channel.
func (t *Tenant) PrepChannel() string {
	if t.PrepChannelID != "" {
		return t.PrepChannelID
	}
	return t.ReminderChannelID
}

// AccountLink maps a Discord user to one in-game player tag within a guild.
type AccountLink struct {
	GuildID   string    `json:"guild_id" validate:"required,snowflake"`
	UserID    string    `json:"user_id" validate:"required,snowflake"`
	PlayerTag string    `json:"player_tag" validate:"required,cocTag"`
	CreatedAt time.Time `json:"created_at"`
}

func (l *AccountLink) Key() string {
	return AccountLinkKey(l.UserID, l.PlayerTag)
}

func AccountLinkKey(userID, playerTag string) string {
	return userID + ":" + playerTag
}

// PrepNotifierAssignment designates a user to be alerted when a monitored
// clan enters preparation.
type PrepNotifierAssignment struct {
	GuildID   string    `json:"guild_id" validate:"required,snowflake"`
	ClanTag   string    `json:"clan_tag" validate:"required,cocTag"`
	UserID    string    `json:"user_id" validate:"required,snowflake"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *PrepNotifierAssignment) Key() string {
	return PrepNotifierKey(p.ClanTag, p.UserID)
}

func PrepNotifierKey(clanTag, userID string) string {
	return clanTag + ":" + userID
}

// TenantStats is the summary returned with a guild's configuration.
type TenantStats struct {
	MonitorCount      int `json:"monitor_count"`
	AccountLinkCount  int `json:"account_link_count"`
	PrepNotifierCount int `json:"prep_notifier_count"`
}
