package core

import "time"

// Threshold is a war end reminder point.
type Threshold struct {
	Key    string
	Before time.Duration
}

// Thresholds is ordered from the largest to the smallest.
var Thresholds = []Threshold{
	{Key: "60m", Before: 60 * time.Minute},
	{Key: "30m", Before: 30 * time.Minute},
	{Key: "15m", Before: 15 * time.Minute},
}

// ReminderState records which reminders already fired for one round of one
// monitored clan.
type ReminderState struct {
	GuildID     string               `json:"guild_id" validate:"required,snowflake"`
	ClanTag     string               `json:"clan_tag" validate:"required,cocTag"`
	RoundID     string               `json:"round_id" validate:"required"`
	Fired       map[string]time.Time `json:"fired"`
	PrepFired   bool                 `json:"prep_fired"`
	DonateFired bool                 `json:"donate_fired"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func NewReminderState(guildID, clanTag, roundID string) *ReminderState {
	return &ReminderState{
		GuildID: guildID,
		ClanTag: clanTag,
		RoundID: roundID,
		Fired:   map[string]time.Time{},
	}
}

func ReminderStateKey(clanTag, roundID string) string {
	return clanTag + "|" + roundID
}

func (r *ReminderState) Key() string {
	return ReminderStateKey(r.ClanTag, r.RoundID)
}

func (r *ReminderState) HasFired(key string) bool {
	_, ok := r.Fired[key]
	return ok
}

func (r *ReminderState) Clone() *ReminderState {
	c := *r
	c.Fired = make(map[string]time.Time, len(r.Fired))
	for k, v := range r.Fired {
		c.Fired[k] = v
	}
	return &c
}
