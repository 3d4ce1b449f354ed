// Package tracker polls the provider for one monitored clan, normalises the
// answer into a WarSnapshot and detects transitions against the last
// persisted WarState.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/coc"
	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/db"
	"github.com/leozw/clan-war-guardian/internal/metrics"
)

// Provider is the subset of the war data API the tracker consumes.
type Provider interface {
	CurrentWar(ctx context.Context, clanTag string) (*coc.War, error)
	LeagueGroup(ctx context.Context, clanTag string) (*coc.LeagueGroup, error)
	LeagueWar(ctx context.Context, warTag string) (*coc.War, error)
}

// Observation is the result of one poll. Previous is nil the first time a
// monitor is observed.
type Observation struct {
	Monitor    *core.ClanMonitor
	Snapshot   *core.WarSnapshot
	Previous   *core.WarState
	Transition bool
}

// LeagueRoundAdvanced reports whether a league round that was in war has
// been replaced by the next round of the same season.
func (o *Observation) LeagueRoundAdvanced() bool {
	p, s := o.Previous, o.Snapshot
	return p != nil &&
		p.Mode == core.ModeLeague && s.Mode == core.ModeLeague &&
		p.Phase == core.PhaseInWar &&
		p.Season == s.Season && p.RoundID != s.RoundID
}

type Tracker struct {
	provider  Provider
	repo      *db.Repository
	logger    *zap.Logger
	metrics   *metrics.Collector
	threshold int
	now       func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

func New(provider Provider, repo *db.Repository, logger *zap.Logger, metrics *metrics.Collector, escalationThreshold int) *Tracker {
	if escalationThreshold <= 0 {
		escalationThreshold = 3
	}
	return &Tracker{
		provider:  provider,
		repo:      repo,
		logger:    logger.With(zap.String("component", "tracker")),
		metrics:   metrics,
		threshold: escalationThreshold,
		now:       time.Now,
		failures:  make(map[string]int),
	}
}

// Observe fetches the monitor's current war activity. A provider failure
// leaves stored state untouched and is returned as is.
func (t *Tracker) Observe(ctx context.Context, m *core.ClanMonitor) (*Observation, error) {
	prev, err := t.repo.GetWarState(ctx, m.GuildID, m.ClanTag)
	if errors.Is(err, core.ErrNotFound) {
		prev = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load war state: %w", err)
	}

	snap, err := t.Fetch(ctx, m)
	if err != nil {
		t.recordFailure(m, err)
		return nil, err
	}
	t.resetFailures(m)

	obs := &Observation{Monitor: m, Snapshot: snap, Previous: prev}

	if snap.Phase == core.PhaseUnknown {
		t.logger.Warn("Unrecognised war state from provider",
			zap.String("guild_id", m.GuildID),
			zap.String("clan_tag", m.ClanTag),
			zap.String("mode", string(snap.Mode)),
			zap.String("raw_state", snap.RawState),
		)
		return obs, nil
	}

	// The end time captured when the war started stays authoritative.
	if prev != nil && prev.Phase == core.PhaseInWar && snap.Phase == core.PhaseInWar &&
		prev.SameRound(snap) && !prev.EndTime.IsZero() {
		snap.EndTime = prev.EndTime
	}

	obs.Transition = prev == nil || prev.Differs(snap)
	if obs.Transition {
		fields := []zap.Field{
			zap.String("guild_id", m.GuildID),
			zap.String("clan_tag", m.ClanTag),
			zap.String("mode", string(snap.Mode)),
			zap.String("phase", string(snap.Phase)),
			zap.String("round_id", snap.RoundID),
		}
		if prev != nil {
			fields = append(fields,
				zap.String("previous_phase", string(prev.Phase)),
				zap.String("previous_round_id", prev.RoundID),
			)
		}
		t.logger.Info("War state transition", fields...)
		t.metrics.RecordTransition(m.GuildID, snap.Mode, snap.Phase)
	}

	return obs, nil
}

// Commit persists the observation as the monitor's WarState. Observations
// with an unknown phase are never stored.
func (t *Tracker) Commit(ctx context.Context, obs *Observation) error {
	snap := obs.Snapshot
	if snap.Phase == core.PhaseUnknown {
		return nil
	}

	state := &core.WarState{
		GuildID:    obs.Monitor.GuildID,
		ClanTag:    obs.Monitor.ClanTag,
		Mode:       snap.Mode,
		Phase:      snap.Phase,
		RoundID:    snap.RoundID,
		Season:     snap.Season,
		EndTime:    snap.EndTime,
		ObservedAt: snap.FetchedAt,
	}
	if err := t.repo.SaveWarState(ctx, state); err != nil {
		return fmt.Errorf("failed to save war state: %w", err)
	}
	return nil
}

func failureKey(m *core.ClanMonitor) string {
	return m.GuildID + "|" + m.ClanTag
}

func (t *Tracker) recordFailure(m *core.ClanMonitor, err error) {
	t.mu.Lock()
	t.failures[failureKey(m)]++
	n := t.failures[failureKey(m)]
	t.mu.Unlock()

	t.metrics.RecordFetchFailure(m.GuildID, m.ClanTag, err)

	fields := []zap.Field{
		zap.String("guild_id", m.GuildID),
		zap.String("clan_tag", m.ClanTag),
		zap.Int("consecutive_failures", n),
		zap.Error(err),
	}
	if n == t.threshold {
		t.logger.Warn("Provider keeps failing for monitored clan", fields...)
		t.metrics.RecordEscalation(m.GuildID, m.ClanTag)
		return
	}
	t.logger.Debug("Provider fetch failed, skipping tick", fields...)
}

func (t *Tracker) resetFailures(m *core.ClanMonitor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := t.failures[failureKey(m)]; n >= t.threshold {
		t.logger.Info("Provider recovered for monitored clan",
			zap.String("guild_id", m.GuildID),
			zap.String("clan_tag", m.ClanTag),
			zap.Int("failed_polls", n),
		)
	}
	delete(t.failures, failureKey(m))
}

// ConsecutiveFailures returns the current failure streak for a monitor.
func (t *Tracker) ConsecutiveFailures(m *core.ClanMonitor) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[failureKey(m)]
}
