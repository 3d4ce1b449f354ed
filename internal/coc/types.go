package coc

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used throughout the API.
const TimeLayout = "20060102T150405.000Z"

// Time decodes API timestamps. An empty string decodes to the zero time.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.UTC().Format(TimeLayout) + `"`), nil
}

// War is a normal war or a single league round war.
type War struct {
	State                string  `json:"state"`
	TeamSize             int     `json:"teamSize"`
	AttacksPerMember     int     `json:"attacksPerMember"`
	PreparationStartTime Time    `json:"preparationStartTime"`
	StartTime            Time    `json:"startTime"`
	EndTime              Time    `json:"endTime"`
	WarStartTime         Time    `json:"warStartTime"`
	Clan                 WarClan `json:"clan"`
	Opponent             WarClan `json:"opponent"`
}

// Side returns the war from clanTag's point of view. League wars list the
// two clans in arbitrary order.
func (w *War) Side(clanTag string) (own, opponent WarClan, ok bool) {
	switch clanTag {
	case w.Clan.Tag:
		return w.Clan, w.Opponent, true
	case w.Opponent.Tag:
		return w.Opponent, w.Clan, true
	}
	return WarClan{}, WarClan{}, false
}

type WarClan struct {
	Tag                   string      `json:"tag"`
	Name                  string      `json:"name"`
	ClanLevel             int         `json:"clanLevel"`
	Attacks               int         `json:"attacks"`
	Stars                 int         `json:"stars"`
	DestructionPercentage float64     `json:"destructionPercentage"`
	Members               []WarMember `json:"members"`
}

type WarMember struct {
	Tag         string   `json:"tag"`
	Name        string   `json:"name"`
	MapPosition int      `json:"mapPosition"`
	Attacks     []Attack `json:"attacks"`
}

type Attack struct {
	AttackerTag           string  `json:"attackerTag"`
	DefenderTag           string  `json:"defenderTag"`
	Stars                 int     `json:"stars"`
	DestructionPercentage float64 `json:"destructionPercentage"`
	Order                 int     `json:"order"`
}

// LeagueGroup is a clan war league season group.
type LeagueGroup struct {
	State  string        `json:"state"`
	Season string        `json:"season"`
	Clans  []LeagueClan  `json:"clans"`
	Rounds []LeagueRound `json:"rounds"`
}

type LeagueClan struct {
	Tag       string `json:"tag"`
	Name      string `json:"name"`
	ClanLevel int    `json:"clanLevel"`
}

type LeagueRound struct {
	WarTags []string `json:"warTags"`
}

// UnscheduledWarTag fills rounds whose pairings are not drawn yet.
const UnscheduledWarTag = "#0"

// ScheduledWarTags returns the round's war tags without placeholders.
func (r LeagueRound) ScheduledWarTags() []string {
	out := make([]string, 0, len(r.WarTags))
	for _, tag := range r.WarTags {
		if tag != "" && tag != UnscheduledWarTag {
			out = append(out, tag)
		}
	}
	return out
}
