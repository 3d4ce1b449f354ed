package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/leozw/clan-war-guardian/internal/coc"
	"github.com/leozw/clan-war-guardian/internal/core"
)

// LeagueStandings ranks the clans of clanTag's league group by total stars,
// then by average destruction. It returns core.ErrNotFound when the clan is
// not in a league season.
func (t *Tracker) LeagueStandings(ctx context.Context, clanTag string) (string, []core.LeagueStanding, error) {
	group, err := t.provider.LeagueGroup(ctx, clanTag)
	if errors.Is(err, coc.ErrNotFound) {
		return "", nil, core.ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("league group: %w", err)
	}

	byTag := make(map[string]*core.LeagueStanding, len(group.Clans))
	for _, c := range group.Clans {
		byTag[c.Tag] = &core.LeagueStanding{ClanTag: c.Tag, ClanName: c.Name}
	}

	add := func(side coc.WarClan) {
		if s, ok := byTag[side.Tag]; ok {
			s.Stars += side.Stars
			s.Destruction += side.DestructionPercentage
			s.Matches++
		}
	}

	for _, round := range group.Rounds {
		for _, tag := range round.ScheduledWarTags() {
			war, err := t.provider.LeagueWar(ctx, tag)
			if errors.Is(err, coc.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", nil, fmt.Errorf("league war %s: %w", tag, err)
			}
			add(war.Clan)
			add(war.Opponent)
		}
	}

	out := make([]core.LeagueStanding, 0, len(byTag))
	for _, s := range byTag {
		if s.Matches > 0 {
			s.Destruction /= float64(s.Matches)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stars != out[j].Stars {
			return out[i].Stars > out[j].Stars
		}
		if out[i].Destruction != out[j].Destruction {
			return out[i].Destruction > out[j].Destruction
		}
		return out[i].ClanTag < out[j].ClanTag
	})
	return group.Season, out, nil
}
