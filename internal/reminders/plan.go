package reminders

import (
	"sort"
	"time"

	"github.com/leozw/clan-war-guardian/internal/core"
)

const (
	flagPrep   = "prep"
	flagDonate = "donate"
)

// Input is everything Plan needs besides the reminder state.
type Input struct {
	Tenant    *core.Tenant
	Snapshot  *core.WarSnapshot
	Links     []*core.AccountLink
	Notifiers []*core.PrepNotifierAssignment
	Now       time.Time
}

// Planned is one reminder that is due. Request is nil when the reminder is
// consumed without a notification (nobody owes attacks, or the guild has no
// channel configured); Reason then says why.
type Planned struct {
	Flag    string
	Request *core.NotificationRequest
	Reason  string
}

// Plan returns the reminders due for state given the observation. It has
// no side effects; state is not modified.
func Plan(state *core.ReminderState, in Input) []Planned {
	snap := in.Snapshot
	var out []Planned

	switch snap.Phase {
	case core.PhaseInWar:
		remaining := snap.Remaining(in.Now)
		if remaining <= 0 {
			return nil
		}
		for _, th := range core.Thresholds {
			if remaining > th.Before || state.HasFired(th.Key) {
				continue
			}
			audience := warEndAudience(snap, in.Links)
			if len(audience.Mentions) == 0 && len(audience.Unlinked) == 0 {
				out = append(out, Planned{Flag: th.Key, Reason: "no attacks owed"})
				continue
			}
			req := baseRequest(in, core.CategoryWarEndReminder, core.ChannelReminder, in.Tenant.ReminderChannelID)
			req.Threshold = th.Key
			req.Remaining = remaining
			req.Audience = audience
			out = append(out, planned(th.Key, req))
		}

	case core.PhasePreparation:
		if state.PrepFired {
			return nil
		}
		req := baseRequest(in, core.CategoryPrepReminder, core.ChannelPrep, in.Tenant.PrepChannel())
		req.Audience = core.Audience{UserIDs: prepAudience(snap.ClanTag, in.Notifiers)}
		out = append(out, planned(flagPrep, req))

	case core.PhaseEnded:
		if snap.Mode != core.ModeLeague || !snap.NextRoundExpected || state.DonateFired {
			return nil
		}
		req := baseRequest(in, core.CategoryLeagueDonate, core.ChannelReminder, in.Tenant.ReminderChannelID)
		out = append(out, planned(flagDonate, req))
	}

	return out
}

func planned(flag string, req *core.NotificationRequest) Planned {
	if req.ChannelID == "" {
		return Planned{Flag: flag, Reason: "no channel configured"}
	}
	return Planned{Flag: flag, Request: req}
}

func baseRequest(in Input, category core.Category, kind core.ChannelKind, channelID string) *core.NotificationRequest {
	snap := in.Snapshot
	return &core.NotificationRequest{
		GuildID:     snap.GuildID,
		ChannelKind: kind,
		ChannelID:   channelID,
		Category:    category,
		ClanTag:     snap.ClanTag,
		ClanName:    snap.ClanName,
		Mode:        snap.Mode,
		RoundID:     snap.RoundID,
		RoundNumber: snap.RoundNumber,
		EndTime:     snap.EndTime,
		CreatedAt:   in.Now,
	}
}

// warEndAudience intersects the participants that still owe attacks with
// the guild's account links.
func warEndAudience(snap *core.WarSnapshot, links []*core.AccountLink) core.Audience {
	byPlayer := make(map[string][]string)
	for _, l := range links {
		byPlayer[l.PlayerTag] = append(byPlayer[l.PlayerTag], l.UserID)
	}

	owing := snap.Owing()
	sort.SliceStable(owing, func(i, j int) bool { return owing[i].MapPosition < owing[j].MapPosition })

	var a core.Audience
	for _, p := range owing {
		users, ok := byPlayer[p.Tag]
		if !ok {
			a.Unlinked = append(a.Unlinked, p)
			continue
		}
		for _, u := range users {
			a.Mentions = append(a.Mentions, core.Mention{
				UserID:         u,
				PlayerTag:      p.Tag,
				PlayerName:     p.Name,
				AttacksMissing: p.AttacksRemaining(),
			})
		}
	}
	return a
}

func prepAudience(clanTag string, notifiers []*core.PrepNotifierAssignment) []string {
	var ids []string
	seen := map[string]bool{}
	for _, n := range notifiers {
		if n.ClanTag != clanTag || seen[n.UserID] {
			continue
		}
		seen[n.UserID] = true
		ids = append(ids, n.UserID)
	}
	sort.Strings(ids)
	return ids
}

// mark records flag as fired on state.
func mark(state *core.ReminderState, flag string, at time.Time) {
	switch flag {
	case flagPrep:
		state.PrepFired = true
	case flagDonate:
		state.DonateFired = true
	default:
		if state.Fired == nil {
			state.Fired = map[string]time.Time{}
		}
		state.Fired[flag] = at
	}
}

func unmark(state *core.ReminderState, flag string) {
	switch flag {
	case flagPrep:
		state.PrepFired = false
	case flagDonate:
		state.DonateFired = false
	default:
		delete(state.Fired, flag)
	}
}
