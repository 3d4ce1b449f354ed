// Package tenants implements the guild facing commands: channel setup,
// clan monitors, account links, preparation notifiers and war queries.
package tenants

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/db"
	"github.com/leozw/clan-war-guardian/internal/keylock"
	"github.com/leozw/clan-war-guardian/internal/registry"
	"github.com/leozw/clan-war-guardian/internal/reminders"
)

// WarReader answers live war queries without touching stored state.
type WarReader interface {
	Fetch(ctx context.Context, m *core.ClanMonitor) (*core.WarSnapshot, error)
	LeagueStandings(ctx context.Context, clanTag string) (string, []core.LeagueStanding, error)
}

// SnapshotCache is the read side of the snapshot cache.
type SnapshotCache interface {
	GetCachedSnapshot(ctx context.Context, guildID, clanTag string) (*core.WarSnapshot, error)
	DeleteSnapshot(ctx context.Context, guildID, clanTag string) error
}

type Service struct {
	repo      *db.Repository
	registry  *registry.Service
	wars      WarReader
	reminders *reminders.Service
	cache     SnapshotCache
	logger    *zap.Logger
	locks     *keylock.Map
	// monitors is keyed by core.MonitorKey and shared with the scheduler.
	monitors *keylock.Map
}

// NewService wires the command service. cache may be nil; monitors should
// be the lock map handed to the scheduler.
func NewService(repo *db.Repository, reg *registry.Service, wars WarReader, rem *reminders.Service, cache SnapshotCache, monitors *keylock.Map, logger *zap.Logger) *Service {
	if monitors == nil {
		monitors = keylock.New()
	}
	return &Service{
		repo:      repo,
		registry:  reg,
		wars:      wars,
		reminders: rem,
		cache:     cache,
		logger:    logger,
		locks:     keylock.New(),
		monitors:  monitors,
	}
}

// GuildConfig is a guild's configuration as shown to its members.
type GuildConfig struct {
	Tenant        *core.Tenant                   `json:"tenant"`
	Monitors      []*core.ClanMonitor            `json:"monitors"`
	PrepNotifiers []*core.PrepNotifierAssignment `json:"prep_notifiers"`
	Stats         core.TenantStats               `json:"stats"`
}

// WarStatus is a snapshot together with where it came from.
type WarStatus struct {
	Snapshot *core.WarSnapshot `json:"snapshot"`
	Cached   bool              `json:"cached"`
}

// LeagueTable is the accumulated result of a league season.
type LeagueTable struct {
	Season    string                `json:"season"`
	Standings []core.LeagueStanding `json:"standings"`
}

func (s *Service) SetReminderChannel(ctx context.Context, guildID, channelID string) (*core.Tenant, error) {
	channelID, err := core.ParseSnowflake("channel", channelID)
	if err != nil {
		return nil, err
	}
	return s.updateTenant(ctx, guildID, func(t *core.Tenant) {
		t.ReminderChannelID = channelID
	})
}

// SetPrepChannel sets the channel preparation alerts go to. An empty
// channel clears it so alerts use the reminder channel again.
func (s *Service) SetPrepChannel(ctx context.Context, guildID, channelID string) (*core.Tenant, error) {
	if channelID != "" {
		var err error
		if channelID, err = core.ParseSnowflake("channel", channelID); err != nil {
			return nil, err
		}
	}
	return s.updateTenant(ctx, guildID, func(t *core.Tenant) {
		t.PrepChannelID = channelID
	})
}

func (s *Service) updateTenant(ctx context.Context, guildID string, update func(*core.Tenant)) (*core.Tenant, error) {
	guildID, err := core.ParseSnowflake("guild", guildID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(guildID)
	defer unlock()

	tenant, err := s.tenant(ctx, guildID)
	if err != nil {
		return nil, err
	}
	update(tenant)

	if err := s.repo.SaveTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("failed to save guild: %w", err)
	}
	return tenant, nil
}

// tenant returns the stored tenant or a blank one for an unknown guild.
func (s *Service) tenant(ctx context.Context, guildID string) (*core.Tenant, error) {
	tenant, err := s.repo.GetTenant(ctx, guildID)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Tenant{GuildID: guildID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load guild: %w", err)
	}
	return tenant, nil
}

// MonitorClan starts monitoring a clan for a guild. Monitoring a clan the
// guild already monitors returns the existing monitor with created false.
func (s *Service) MonitorClan(ctx context.Context, guildID, clanTag, name, userID string) (*core.ClanMonitor, bool, error) {
	guildID, err := core.ParseSnowflake("guild", guildID)
	if err != nil {
		return nil, false, err
	}
	if clanTag, err = core.ParseTag(clanTag); err != nil {
		return nil, false, err
	}
	if userID != "" {
		if userID, err = core.ParseSnowflake("user", userID); err != nil {
			return nil, false, err
		}
	}
	if len(name) > 64 {
		return nil, false, core.InvalidInput("clan name is longer than 64 characters")
	}

	unlock := s.locks.Lock(guildID)
	defer unlock()

	tenant, err := s.tenant(ctx, guildID)
	if err != nil {
		return nil, false, err
	}
	if tenant.ReminderChannelID == "" {
		return nil, false, core.ErrChannelNotConfigured
	}

	existing, err := s.repo.GetClanMonitor(ctx, guildID, clanTag)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load monitor: %w", err)
	}

	monitors, err := s.repo.ListClanMonitors(ctx, guildID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list monitors: %w", err)
	}
	if len(monitors) >= core.MaxClanMonitors {
		return nil, false, core.ErrCapacityExceeded
	}

	if err := s.registry.Claim(ctx, clanTag, guildID); err != nil {
		return nil, false, err
	}

	monitor := &core.ClanMonitor{GuildID: guildID, ClanTag: clanTag, Name: name, CreatedBy: userID}
	if err := s.repo.SaveClanMonitor(ctx, monitor); err != nil {
		if rerr := s.registry.Release(ctx, clanTag, guildID); rerr != nil {
			s.logger.Error("Failed to release clan after failed monitor save",
				zap.String("guild_id", guildID),
				zap.String("clan_tag", clanTag),
				zap.Error(rerr),
			)
		}
		return nil, false, fmt.Errorf("failed to save monitor: %w", err)
	}

	s.logger.Info("Clan monitor added",
		zap.String("guild_id", guildID),
		zap.String("clan_tag", clanTag),
		zap.String("created_by", userID),
	)
	return monitor, true, nil
}

// UnmonitorClan stops monitoring a clan and removes everything attached to
// it: the war state, the preparation notifiers and the registry claim.
func (s *Service) UnmonitorClan(ctx context.Context, guildID, clanTag string) error {
	guildID, clanTag, err := parseMonitor(guildID, clanTag)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(guildID)
	defer unlock()

	// Waits for a running scheduler job so it cannot write state afterwards.
	unlockMonitor := s.monitors.Lock(core.MonitorKey(guildID, clanTag))
	defer unlockMonitor()

	if err := s.repo.DeleteClanMonitor(ctx, guildID, clanTag); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("clan %s is not monitored: %w", clanTag, core.ErrNotFound)
		}
		return fmt.Errorf("failed to delete monitor: %w", err)
	}

	logger := s.logger.With(zap.String("guild_id", guildID), zap.String("clan_tag", clanTag))

	if err := s.repo.DeleteWarState(ctx, guildID, clanTag); err != nil && !errors.Is(err, core.ErrNotFound) {
		logger.Warn("Failed to delete war state", zap.Error(err))
	}

	notifiers, err := s.repo.ListClanPrepNotifiers(ctx, guildID, clanTag)
	if err != nil {
		logger.Warn("Failed to list prep notifiers", zap.Error(err))
	}
	for _, n := range notifiers {
		if err := s.repo.DeletePrepNotifier(ctx, guildID, clanTag, n.UserID); err != nil && !errors.Is(err, core.ErrNotFound) {
			logger.Warn("Failed to delete prep notifier", zap.String("user_id", n.UserID), zap.Error(err))
		}
	}

	if s.cache != nil {
		if err := s.cache.DeleteSnapshot(ctx, guildID, clanTag); err != nil {
			logger.Debug("Failed to drop cached snapshot", zap.Error(err))
		}
	}

	if err := s.registry.Release(ctx, clanTag, guildID); err != nil {
		return fmt.Errorf("failed to release clan: %w", err)
	}

	logger.Info("Clan monitor removed")
	return nil
}

// LinkAccount links a player account to a Discord user. created is false
// when the link already existed.
func (s *Service) LinkAccount(ctx context.Context, guildID, userID, playerTag string) (bool, error) {
	link, err := parseLink(guildID, userID, playerTag)
	if err != nil {
		return false, err
	}

	_, err = s.repo.GetAccountLink(ctx, link.GuildID, link.UserID, link.PlayerTag)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return false, fmt.Errorf("failed to load account link: %w", err)
	}

	if err := s.repo.SaveAccountLink(ctx, link); err != nil {
		return false, fmt.Errorf("failed to save account link: %w", err)
	}
	return true, nil
}

func (s *Service) UnlinkAccount(ctx context.Context, guildID, userID, playerTag string) error {
	link, err := parseLink(guildID, userID, playerTag)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteAccountLink(ctx, link.GuildID, link.UserID, link.PlayerTag); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%s is not linked to that user: %w", link.PlayerTag, core.ErrNotFound)
		}
		return fmt.Errorf("failed to delete account link: %w", err)
	}
	return nil
}

// AssignPrepNotifier designates a user to be alerted when a monitored clan
// enters preparation.
func (s *Service) AssignPrepNotifier(ctx context.Context, guildID, clanTag, userID string) error {
	guildID, clanTag, err := parseMonitor(guildID, clanTag)
	if err != nil {
		return err
	}
	if userID, err = core.ParseSnowflake("user", userID); err != nil {
		return err
	}
	if _, err := s.monitor(ctx, guildID, clanTag); err != nil {
		return err
	}

	return s.repo.SavePrepNotifier(ctx, &core.PrepNotifierAssignment{GuildID: guildID, ClanTag: clanTag, UserID: userID})
}

func (s *Service) RemovePrepNotifier(ctx context.Context, guildID, clanTag, userID string) error {
	guildID, clanTag, err := parseMonitor(guildID, clanTag)
	if err != nil {
		return err
	}
	if userID, err = core.ParseSnowflake("user", userID); err != nil {
		return err
	}
	if err := s.repo.DeletePrepNotifier(ctx, guildID, clanTag, userID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("user is not a prep notifier for %s: %w", clanTag, core.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *Service) GuildConfig(ctx context.Context, guildID string) (*GuildConfig, error) {
	guildID, err := core.ParseSnowflake("guild", guildID)
	if err != nil {
		return nil, err
	}

	tenant, err := s.tenant(ctx, guildID)
	if err != nil {
		return nil, err
	}
	monitors, err := s.repo.ListClanMonitors(ctx, guildID)
	if err != nil {
		return nil, err
	}
	notifiers, err := s.repo.ListPrepNotifiers(ctx, guildID)
	if err != nil {
		return nil, err
	}
	links, err := s.repo.ListAccountLinks(ctx, guildID)
	if err != nil {
		return nil, err
	}

	return &GuildConfig{
		Tenant:        tenant,
		Monitors:      monitors,
		PrepNotifiers: notifiers,
		Stats: core.TenantStats{
			MonitorCount:      len(monitors),
			AccountLinkCount:  len(links),
			PrepNotifierCount: len(notifiers),
		},
	}, nil
}

// WarStatus returns the cached snapshot of a monitored clan, fetching it
// live on a cache miss.
func (s *Service) WarStatus(ctx context.Context, guildID, clanTag string) (*WarStatus, error) {
	guildID, clanTag, err := parseMonitor(guildID, clanTag)
	if err != nil {
		return nil, err
	}
	monitor, err := s.monitor(ctx, guildID, clanTag)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		snap, err := s.cache.GetCachedSnapshot(ctx, guildID, clanTag)
		if err == nil {
			return &WarStatus{Snapshot: snap, Cached: true}, nil
		}
		s.logger.Debug("Snapshot cache miss", zap.String("clan_tag", clanTag), zap.Error(err))
	}

	snap, err := s.wars.Fetch(ctx, monitor)
	if err != nil {
		return nil, err
	}
	return &WarStatus{Snapshot: snap}, nil
}

// UnlinkedParticipants lists the war participants of a monitored clan that
// no member of the guild has linked.
func (s *Service) UnlinkedParticipants(ctx context.Context, guildID, clanTag string) ([]core.Participant, error) {
	status, err := s.WarStatus(ctx, guildID, clanTag)
	if err != nil {
		return nil, err
	}

	links, err := s.repo.ListAccountLinks(ctx, status.Snapshot.GuildID)
	if err != nil {
		return nil, err
	}
	linked := make(map[string]bool, len(links))
	for _, l := range links {
		linked[l.PlayerTag] = true
	}

	out := []core.Participant{}
	for _, p := range status.Snapshot.Participants {
		if !linked[p.Tag] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) LeagueStandings(ctx context.Context, guildID, clanTag string) (*LeagueTable, error) {
	guildID, clanTag, err := parseMonitor(guildID, clanTag)
	if err != nil {
		return nil, err
	}
	if _, err := s.monitor(ctx, guildID, clanTag); err != nil {
		return nil, err
	}

	season, standings, err := s.wars.LeagueStandings(ctx, clanTag)
	if err != nil {
		return nil, err
	}
	return &LeagueTable{Season: season, Standings: standings}, nil
}

// ResetPrepReminder re-arms the preparation reminder of the clan's current
// round and returns that round.
func (s *Service) ResetPrepReminder(ctx context.Context, guildID, clanTag string) (string, error) {
	guildID, clanTag, err := parseMonitor(guildID, clanTag)
	if err != nil {
		return "", err
	}

	unlock := s.monitors.Lock(core.MonitorKey(guildID, clanTag))
	defer unlock()

	if _, err := s.monitor(ctx, guildID, clanTag); err != nil {
		return "", err
	}

	state, err := s.repo.GetWarState(ctx, guildID, clanTag)
	if errors.Is(err, core.ErrNotFound) || (err == nil && state.RoundID == "") {
		return "", fmt.Errorf("no war observed yet for %s: %w", clanTag, core.ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	if err := s.reminders.ResetPrep(ctx, guildID, clanTag, state.RoundID); err != nil {
		return "", err
	}

	s.logger.Info("Prep reminder reset",
		zap.String("guild_id", guildID),
		zap.String("clan_tag", clanTag),
		zap.String("round_id", state.RoundID),
	)
	return state.RoundID, nil
}

func (s *Service) monitor(ctx context.Context, guildID, clanTag string) (*core.ClanMonitor, error) {
	m, err := s.repo.GetClanMonitor(ctx, guildID, clanTag)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("clan %s is not monitored: %w", clanTag, core.ErrNotFound)
	}
	return m, err
}

func parseMonitor(guildID, clanTag string) (string, string, error) {
	guildID, err := core.ParseSnowflake("guild", guildID)
	if err != nil {
		return "", "", err
	}
	clanTag, err = core.ParseTag(clanTag)
	if err != nil {
		return "", "", err
	}
	return guildID, clanTag, nil
}

func parseLink(guildID, userID, playerTag string) (*core.AccountLink, error) {
	guildID, err := core.ParseSnowflake("guild", guildID)
	if err != nil {
		return nil, err
	}
	if userID, err = core.ParseSnowflake("user", userID); err != nil {
		return nil, err
	}
	if playerTag, err = core.ParseTag(playerTag); err != nil {
		return nil, err
	}
	return &core.AccountLink{GuildID: guildID, UserID: userID, PlayerTag: playerTag}, nil
}
