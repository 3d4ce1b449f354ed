// Package reminders decides which reminders are due for an observation,
// records them as fired and hands them to the notification sink.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/db"
	"github.com/leozw/clan-war-guardian/internal/metrics"
	"github.com/leozw/clan-war-guardian/internal/notify"
	"github.com/leozw/clan-war-guardian/internal/tracker"
)

type Service struct {
	repo    *db.Repository
	sink    notify.Sink
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func NewService(repo *db.Repository, sink notify.Sink, logger *zap.Logger, metrics *metrics.Collector) *Service {
	return &Service{
		repo:    repo,
		sink:    sink,
		logger:  logger.With(zap.String("component", "reminders")),
		metrics: metrics,
		now:     time.Now,
	}
}

// batch is the reminders planned for one round.
type batch struct {
	state   *core.ReminderState
	planned []Planned
	dirty   bool
}

// Process plans and delivers the reminders due for obs. Fired flags are
// persisted before anything is handed to the sink, so a persistence error
// aborts the whole tick. A request the sink rejects has its flag cleared
// again and is retried on the next tick; if clearing cannot be persisted
// after one retry, Process returns an error along with what was sent.
func (s *Service) Process(ctx context.Context, tenant *core.Tenant, obs *tracker.Observation) ([]core.NotificationRequest, error) {
	snap := obs.Snapshot
	now := s.now()
	var batches []*batch

	if obs.LeagueRoundAdvanced() {
		b, err := s.planEndedRound(ctx, tenant, obs, now)
		if err != nil {
			return nil, err
		}
		if b != nil {
			batches = append(batches, b)
		}
	}

	if snap.Phase != core.PhaseUnknown && snap.RoundID != "" {
		b, err := s.planCurrentRound(ctx, tenant, obs, now)
		if err != nil {
			return nil, err
		}
		if b != nil {
			batches = append(batches, b)
		}
	}

	for _, b := range batches {
		if err := s.repo.SaveReminderState(ctx, b.state); err != nil {
			return nil, fmt.Errorf("failed to persist reminder state: %w", err)
		}
	}

	var sent []core.NotificationRequest
	for _, b := range batches {
		for _, p := range b.planned {
			if p.Request == nil {
				s.logger.Debug("Reminder consumed without notification",
					zap.String("guild_id", b.state.GuildID),
					zap.String("clan_tag", b.state.ClanTag),
					zap.String("round_id", b.state.RoundID),
					zap.String("reminder", p.Flag),
					zap.String("reason", p.Reason),
				)
				continue
			}

			req := *p.Request
			req.ID = uuid.New().String()

			if err := s.deliver(ctx, req); err != nil {
				s.logger.Warn("Notification delivery failed, will retry next tick",
					zap.String("guild_id", req.GuildID),
					zap.String("clan_tag", req.ClanTag),
					zap.String("round_id", req.RoundID),
					zap.String("category", string(req.Category)),
					zap.String("threshold", req.Threshold),
					zap.Error(err),
				)
				unmark(b.state, p.Flag)
				b.dirty = true
				continue
			}

			s.metrics.RecordReminder(&req)
			sent = append(sent, req)
		}
	}

	var errs []error
	for _, b := range batches {
		if !b.dirty {
			continue
		}
		if err := s.saveCleared(ctx, b.state); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return sent, fmt.Errorf("failed to clear reminder flags after delivery failure: %w", err)
	}

	return sent, nil
}

// saveCleared persists flags reverted after a delivery failure, retrying
// once. Left unsaved, the reminder would never be retried.
func (s *Service) saveCleared(ctx context.Context, state *core.ReminderState) error {
	err := s.repo.SaveReminderState(ctx, state)
	if err == nil {
		return nil
	}

	s.logger.Warn("Failed to clear reminder flags, retrying",
		zap.String("guild_id", state.GuildID),
		zap.String("clan_tag", state.ClanTag),
		zap.String("round_id", state.RoundID),
		zap.Error(err),
	)
	if err = s.repo.SaveReminderState(ctx, state); err != nil {
		s.logger.Error("Failed to clear reminder flags after delivery failure",
			zap.String("guild_id", state.GuildID),
			zap.String("clan_tag", state.ClanTag),
			zap.String("round_id", state.RoundID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, req core.NotificationRequest) error {
	start := time.Now()
	err := s.sink.Deliver(ctx, req)
	s.metrics.RecordNotificationSent(req.GuildID, req.Category, err == nil, time.Since(start).Seconds())
	return err
}

func (s *Service) planCurrentRound(ctx context.Context, tenant *core.Tenant, obs *tracker.Observation, now time.Time) (*batch, error) {
	snap := obs.Snapshot

	state, err := s.loadState(ctx, snap.GuildID, snap.ClanTag, snap.RoundID)
	if err != nil {
		return nil, err
	}

	fresh := snap.Phase == core.PhasePreparation && obs.Transition && !resumed(state, obs.Previous)
	if fresh {
		state = core.NewReminderState(snap.GuildID, snap.ClanTag, snap.RoundID)
	}

	in := Input{Tenant: tenant, Snapshot: snap, Now: now}
	switch snap.Phase {
	case core.PhaseInWar:
		links, err := s.repo.ListAccountLinks(ctx, snap.GuildID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account links: %w", err)
		}
		in.Links = links
	case core.PhasePreparation:
		notifiers, err := s.repo.ListClanPrepNotifiers(ctx, snap.GuildID, snap.ClanTag)
		if err != nil {
			return nil, fmt.Errorf("failed to load prep notifiers: %w", err)
		}
		in.Notifiers = notifiers
	}

	planned := Plan(state, in)
	if len(planned) == 0 && !fresh {
		return nil, nil
	}

	next := state.Clone()
	for _, p := range planned {
		mark(next, p.Flag, now)
	}
	return &batch{state: next, planned: planned}, nil
}

// planEndedRound covers a league round that ended between two polls: the
// provider already reports the next round, so the ended one is never
// observed in ENDED.
func (s *Service) planEndedRound(ctx context.Context, tenant *core.Tenant, obs *tracker.Observation, now time.Time) (*batch, error) {
	prev, snap := obs.Previous, obs.Snapshot

	state, err := s.loadState(ctx, snap.GuildID, snap.ClanTag, prev.RoundID)
	if err != nil {
		return nil, err
	}

	ended := &core.WarSnapshot{
		GuildID:           snap.GuildID,
		ClanTag:           snap.ClanTag,
		ClanName:          snap.ClanName,
		Mode:              core.ModeLeague,
		Phase:             core.PhaseEnded,
		RoundID:           prev.RoundID,
		Season:            prev.Season,
		RoundNumber:       snap.RoundNumber - 1,
		NextRoundExpected: true,
		EndTime:           prev.EndTime,
	}

	planned := Plan(state, Input{Tenant: tenant, Snapshot: ended, Now: now})
	if len(planned) == 0 {
		return nil, nil
	}

	next := state.Clone()
	for _, p := range planned {
		mark(next, p.Flag, now)
	}
	return &batch{state: next, planned: planned}, nil
}

// resumed reports whether a stored state was written after the last
// committed observation, which happens when a tick persisted its reminders
// but stopped before the war state was saved. Such a state is kept so the
// reminders it records do not fire twice.
func resumed(state *core.ReminderState, prev *core.WarState) bool {
	if state.UpdatedAt.IsZero() {
		return false
	}
	return prev == nil || state.UpdatedAt.After(prev.ObservedAt)
}

func (s *Service) loadState(ctx context.Context, guildID, clanTag, roundID string) (*core.ReminderState, error) {
	state, err := s.repo.GetReminderState(ctx, guildID, clanTag, roundID)
	if errors.Is(err, core.ErrNotFound) {
		return core.NewReminderState(guildID, clanTag, roundID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reminder state: %w", err)
	}
	return state, nil
}

// ResetPrep clears the preparation flag of a round so the reminder fires
// again on the next tick.
func (s *Service) ResetPrep(ctx context.Context, guildID, clanTag, roundID string) error {
	state, err := s.loadState(ctx, guildID, clanTag, roundID)
	if err != nil {
		return err
	}
	state.PrepFired = false
	return s.repo.SaveReminderState(ctx, state)
}
