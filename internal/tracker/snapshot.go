package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/coc"
	"github.com/leozw/clan-war-guardian/internal/core"
)

const (
	normalAttacksPerMember = 2
	leagueAttacksPerMember = 1
)

// Fetch builds a snapshot of the monitor's war activity without touching
// stored state.
func (t *Tracker) Fetch(ctx context.Context, m *core.ClanMonitor) (*core.WarSnapshot, error) {
	group, err := t.provider.LeagueGroup(ctx, m.ClanTag)
	switch {
	case errors.Is(err, coc.ErrNotFound):
		group = nil
	case err != nil:
		return nil, fmt.Errorf("league group: %w", err)
	}

	if group != nil {
		if phase, _ := core.ParsePhase(group.State); phase == core.PhasePreparation || phase == core.PhaseInWar {
			snap, err := t.leagueSnapshot(ctx, m, group)
			if err != nil {
				return nil, err
			}
			if snap != nil {
				return snap, nil
			}
			t.logger.Debug("League group has no scheduled war for clan yet",
				zap.String("clan_tag", m.ClanTag),
				zap.String("season", group.Season),
			)
		}
	}

	war, err := t.provider.CurrentWar(ctx, m.ClanTag)
	if errors.Is(err, coc.ErrNotFound) {
		return t.emptySnapshot(m, core.PhaseNotFound, "notFound"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("current war: %w", err)
	}
	return t.normalSnapshot(m, war), nil
}

func (t *Tracker) emptySnapshot(m *core.ClanMonitor, phase core.Phase, raw string) *core.WarSnapshot {
	return &core.WarSnapshot{
		GuildID:   m.GuildID,
		ClanTag:   m.ClanTag,
		ClanName:  m.Name,
		Mode:      core.ModeNone,
		Phase:     phase,
		RawState:  raw,
		FetchedAt: t.now(),
	}
}

func (t *Tracker) normalSnapshot(m *core.ClanMonitor, war *coc.War) *core.WarSnapshot {
	phase, _ := core.ParsePhase(war.State)
	if phase == core.PhaseNotInWar || phase == core.PhaseNotFound {
		return t.emptySnapshot(m, phase, war.State)
	}

	snap := &core.WarSnapshot{
		GuildID:   m.GuildID,
		ClanTag:   m.ClanTag,
		Mode:      core.ModeNormal,
		Phase:     phase,
		RawState:  war.State,
		RoundID:   normalRoundID(war),
		StartTime: war.StartTime.Time,
		EndTime:   war.EndTime.Time,
		FetchedAt: t.now(),
	}

	allowed := war.AttacksPerMember
	if allowed <= 0 {
		allowed = normalAttacksPerMember
	}
	own, opp, ok := war.Side(m.ClanTag)
	if !ok {
		own, opp = war.Clan, war.Opponent
	}
	fillSides(snap, own, opp, allowed)
	return snap
}

// normalRoundID identifies a normal war by its preparation start, which
// is fixed for the whole war.
func normalRoundID(war *coc.War) string {
	start := war.PreparationStartTime
	if start.IsZero() {
		start = war.StartTime
	}
	if start.IsZero() {
		return ""
	}
	return "war-" + start.UTC().Format(coc.TimeLayout)
}

func leagueRoundID(season string, round int) string {
	return fmt.Sprintf("%s-r%d", season, round)
}

type leagueRound struct {
	number int
	war    *coc.War
	phase  core.Phase
}

// leagueSnapshot picks the clan's current round: the round in war, else
// the round in preparation, else the last ended round. Rounds are walked
// from the latest scheduled one backwards. It returns nil when the clan has
// no scheduled war in the group.
func (t *Tracker) leagueSnapshot(ctx context.Context, m *core.ClanMonitor, group *coc.LeagueGroup) (*core.WarSnapshot, error) {
	var prep, ended *leagueRound

	for i := len(group.Rounds) - 1; i >= 0; i-- {
		tags := group.Rounds[i].ScheduledWarTags()
		if len(tags) == 0 {
			continue
		}

		war, err := t.findClanWar(ctx, m.ClanTag, tags)
		if err != nil {
			return nil, err
		}
		if war == nil {
			continue
		}

		phase, _ := core.ParsePhase(war.State)
		round := &leagueRound{number: i + 1, war: war, phase: phase}

		switch phase {
		case core.PhaseInWar:
			return t.leagueRoundSnapshot(m, group, round), nil
		case core.PhasePreparation:
			if prep == nil {
				prep = round
			}
		case core.PhaseUnknown:
			// Report the unrecognised state rather than guessing.
			return t.leagueRoundSnapshot(m, group, round), nil
		default:
			if ended == nil {
				ended = round
			}
		}

		// Earlier rounds can only be ended once an ended round is found.
		if ended != nil {
			break
		}
	}

	switch {
	case prep != nil:
		return t.leagueRoundSnapshot(m, group, prep), nil
	case ended != nil:
		return t.leagueRoundSnapshot(m, group, ended), nil
	}
	return nil, nil
}

func (t *Tracker) findClanWar(ctx context.Context, clanTag string, warTags []string) (*coc.War, error) {
	for _, tag := range warTags {
		war, err := t.provider.LeagueWar(ctx, tag)
		if errors.Is(err, coc.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("league war %s: %w", tag, err)
		}
		if _, _, ok := war.Side(clanTag); ok {
			return war, nil
		}
	}
	return nil, nil
}

func (t *Tracker) leagueRoundSnapshot(m *core.ClanMonitor, group *coc.LeagueGroup, r *leagueRound) *core.WarSnapshot {
	total := len(group.Rounds)
	snap := &core.WarSnapshot{
		GuildID:           m.GuildID,
		ClanTag:           m.ClanTag,
		Mode:              core.ModeLeague,
		Phase:             r.phase,
		RawState:          r.war.State,
		RoundID:           leagueRoundID(group.Season, r.number),
		Season:            group.Season,
		RoundNumber:       r.number,
		TotalRounds:       total,
		NextRoundExpected: r.number < total,
		StartTime:         r.war.StartTime.Time,
		EndTime:           r.war.EndTime.Time,
		FetchedAt:         t.now(),
	}

	allowed := r.war.AttacksPerMember
	if allowed <= 0 {
		allowed = leagueAttacksPerMember
	}
	own, opp, _ := r.war.Side(m.ClanTag)
	fillSides(snap, own, opp, allowed)
	return snap
}

func fillSides(snap *core.WarSnapshot, own, opp coc.WarClan, attacksAllowed int) {
	snap.ClanName = own.Name
	snap.Stars = own.Stars
	snap.Destruction = own.DestructionPercentage
	snap.OpponentTag = opp.Tag
	snap.OpponentName = opp.Name
	snap.OpponentStars = opp.Stars
	snap.OpponentDestruction = opp.DestructionPercentage

	snap.Participants = make([]core.Participant, 0, len(own.Members))
	for _, member := range own.Members {
		snap.Participants = append(snap.Participants, core.Participant{
			Tag:            member.Tag,
			Name:           member.Name,
			MapPosition:    member.MapPosition,
			AttacksUsed:    len(member.Attacks),
			AttacksAllowed: attacksAllowed,
		})
	}
}
