package core

import "time"

type Category string

const (
	CategoryWarEndReminder Category = "war_end_reminder"
	CategoryPrepReminder   Category = "prep_reminder"
	CategoryLeagueDonate   Category = "league_donate_reminder"
)

type ChannelKind string

const (
	ChannelReminder ChannelKind = "reminder"
	ChannelPrep     ChannelKind = "prep"
)

// Mention is a linked Discord user who owes attacks on one player account.
type Mention struct {
	UserID         string `json:"user_id"`
	PlayerTag      string `json:"player_tag"`
	PlayerName     string `json:"player_name"`
	AttacksMissing int    `json:"attacks_missing"`
}

type Audience struct {
	Mentions []Mention `json:"mentions"`
	// Unlinked are owing players without an account link; the sink may
	// list them or fall back to an aggregate mention.
	Unlinked []Participant `json:"unlinked"`
	// UserIDs is used for preparation alerts, which go to assigned users
	// instead of attackers.
	UserIDs []string `json:"user_ids,omitempty"`
}

func (a Audience) Empty() bool {
	return len(a.Mentions) == 0 && len(a.Unlinked) == 0 && len(a.UserIDs) == 0
}

// NotificationRequest is handed to the notification sink. It carries a
// category tag and the data to render it, never message text.
type NotificationRequest struct {
	ID          string        `json:"id"`
	GuildID     string        `json:"guild_id"`
	ChannelKind ChannelKind   `json:"channel_kind"`
	ChannelID   string        `json:"channel_id"`
	Category    Category      `json:"category"`
	Threshold   string        `json:"threshold,omitempty"`
	ClanTag     string        `json:"clan_tag"`
	ClanName    string        `json:"clan_name"`
	Mode        Mode          `json:"mode"`
	RoundID     string        `json:"round_id"`
	RoundNumber int           `json:"round_number,omitempty"`
	EndTime     time.Time     `json:"end_time"`
	Remaining   time.Duration `json:"remaining"`
	Audience    Audience      `json:"audience"`
	CreatedAt   time.Time     `json:"created_at"`
}
