package core

import (
	"strings"
	"time"
)

type Mode string

const (
	ModeNone   Mode = "NONE"
	ModeNormal Mode = "NORMAL"
	ModeLeague Mode = "LEAGUE"
)

type Phase string

const (
	PhaseNotFound    Phase = "NOT_FOUND"
	PhaseNotInWar    Phase = "NOT_IN_WAR"
	PhasePreparation Phase = "PREPARATION"
	PhaseInWar       Phase = "IN_WAR"
	PhaseEnded       Phase = "ENDED"
	PhaseUnknown     Phase = "UNKNOWN"
)

// ParsePhase maps the provider's state vocabulary onto Phase. Both the
// upper-case names (GROUP_NOT_FOUND, WAR, ...) and the API's camel case
// values (notInWar, inWar, warEnded, ...) are accepted. The boolean is
// false when the value is not recognised, in which case PhaseUnknown is
// returned.
func ParsePhase(raw string) (Phase, bool) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "")) {
	case "groupnotfound", "notfound":
		return PhaseNotFound, true
	case "notinwar":
		return PhaseNotInWar, true
	case "preparation":
		return PhasePreparation, true
	case "war", "inwar":
		return PhaseInWar, true
	case "ended", "warended":
		return PhaseEnded, true
	}
	return PhaseUnknown, false
}

// Participant is one clan member taking part in the war or league round.
type Participant struct {
	Tag            string `json:"tag"`
	Name           string `json:"name"`
	MapPosition    int    `json:"map_position"`
	AttacksUsed    int    `json:"attacks_used"`
	AttacksAllowed int    `json:"attacks_allowed"`
}

func (p Participant) AttacksRemaining() int {
	if p.AttacksUsed >= p.AttacksAllowed {
		return 0
	}
	return p.AttacksAllowed - p.AttacksUsed
}

// WarSnapshot is the normalised state of one monitored clan's war activity
// at a single poll.
type WarSnapshot struct {
	GuildID  string `json:"guild_id"`
	ClanTag  string `json:"clan_tag"`
	ClanName string `json:"clan_name"`
	Mode     Mode   `json:"mode"`
	Phase    Phase  `json:"phase"`
	RawState string `json:"raw_state"`

	RoundID     string `json:"round_id"`
	Season      string `json:"season,omitempty"`
	RoundNumber int    `json:"round_number,omitempty"`
	TotalRounds int    `json:"total_rounds,omitempty"`
	// NextRoundExpected is set for league rounds that are not the last of
	// the season.
	NextRoundExpected bool `json:"next_round_expected,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	OpponentTag         string  `json:"opponent_tag,omitempty"`
	OpponentName        string  `json:"opponent_name,omitempty"`
	Stars               int     `json:"stars"`
	OpponentStars       int     `json:"opponent_stars"`
	Destruction         float64 `json:"destruction"`
	OpponentDestruction float64 `json:"opponent_destruction"`

	Participants []Participant `json:"participants"`
	FetchedAt    time.Time     `json:"fetched_at"`
}

// Remaining is the time left until EndTime, as seen at now.
func (s *WarSnapshot) Remaining(now time.Time) time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(now)
}

// Owing returns the participants that still have attacks left.
func (s *WarSnapshot) Owing() []Participant {
	var out []Participant
	for _, p := range s.Participants {
		if p.AttacksUsed < p.AttacksAllowed {
			out = append(out, p)
		}
	}
	return out
}

// WarState is the persisted part of the last observation of a monitor,
// kept to detect transitions across polls and restarts.
type WarState struct {
	GuildID    string    `json:"guild_id" validate:"required,snowflake"`
	ClanTag    string    `json:"clan_tag" validate:"required,cocTag"`
	Mode       Mode      `json:"mode" validate:"required,oneof=NONE NORMAL LEAGUE"`
	Phase      Phase     `json:"phase" validate:"required,oneof=NOT_FOUND NOT_IN_WAR PREPARATION IN_WAR ENDED"`
	RoundID    string    `json:"round_id"`
	Season     string    `json:"season,omitempty"`
	EndTime    time.Time `json:"end_time"`
	ObservedAt time.Time `json:"observed_at"`
}

// SameRound reports whether the snapshot belongs to the round this state
// was recorded for.
func (w *WarState) SameRound(s *WarSnapshot) bool {
	return w.Mode == s.Mode && w.RoundID == s.RoundID
}

// Differs reports whether (mode, phase, round) changed.
func (w *WarState) Differs(s *WarSnapshot) bool {
	return w.Mode != s.Mode || w.Phase != s.Phase || w.RoundID != s.RoundID
}

// LeagueStanding is one clan's accumulated result over a league season.
type LeagueStanding struct {
	ClanTag     string  `json:"clan_tag"`
	ClanName    string  `json:"clan_name"`
	Stars       int     `json:"stars"`
	Destruction float64 `json:"destruction"`
	Matches     int     `json:"matches"`
}
