package core

import "time"

// ClanMonitor binds one clan to the guild that monitors it.
type ClanMonitor struct {
	GuildID   string    `json:"guild_id" validate:"required,snowflake"`
	ClanTag   string    `json:"clan_tag" validate:"required,cocTag"`
	Name      string    `json:"name" validate:"max=64"`
	CreatedBy string    `json:"created_by" validate:"omitempty,snowflake"`
	CreatedAt time.Time `json:"created_at"`
}

// MonitorKey identifies one guild's monitor of a clan. Work on a monitor
// is serialized on this key.
func MonitorKey(guildID, clanTag string) string {
	return guildID + "|" + clanTag
}

// RegistryEntry records which guild owns a clan. There is at most one per
// clan tag across all guilds.
type RegistryEntry struct {
	ClanTag   string    `json:"clan_tag" validate:"required,cocTag"`
	GuildID   string    `json:"guild_id" validate:"required,snowflake"`
	ClaimedAt time.Time `json:"claimed_at"`
}
