package tenants

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/config"
	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/db"
	"github.com/leozw/clan-war-guardian/internal/metrics"
	"github.com/leozw/clan-war-guardian/internal/notify"
	"github.com/leozw/clan-war-guardian/internal/registry"
	"github.com/leozw/clan-war-guardian/internal/reminders"
	"github.com/leozw/clan-war-guardian/internal/storage"
	"github.com/leozw/clan-war-guardian/internal/storage/jsonfile"
)

const (
	guildA  = "111111111111111111"
	guildB  = "222222222222222222"
	channel = "444444444444444444"
	user    = "333333333333333333"
)

type fakeWars struct {
	snap    *core.WarSnapshot
	fetches int
}

func (f *fakeWars) Fetch(_ context.Context, m *core.ClanMonitor) (*core.WarSnapshot, error) {
	f.fetches++
	if f.snap == nil {
		return nil, core.ErrTransientFetch
	}
	return f.snap, nil
}

func (f *fakeWars) LeagueStandings(context.Context, string) (string, []core.LeagueStanding, error) {
	return "2024-03", []core.LeagueStanding{{ClanTag: "#2PP", Stars: 20}}, nil
}

type fakeCache struct {
	mu    sync.Mutex
	snaps map[string]*core.WarSnapshot
}

func (c *fakeCache) GetCachedSnapshot(_ context.Context, guildID, clanTag string) (*core.WarSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[guildID+clanTag]
	if !ok {
		return nil, errors.New("miss")
	}
	return snap, nil
}

func (c *fakeCache) DeleteSnapshot(_ context.Context, guildID, clanTag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, guildID+clanTag)
	return nil
}

// failingMonitors rejects writes to the clan monitor collection.
type failingMonitors struct {
	storage.Store
}

func (f failingMonitors) Put(ctx context.Context, rec storage.Record) error {
	if rec.Collection == storage.ClanMonitors {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, rec)
}

type fixture struct {
	repo    *db.Repository
	wars    *fakeWars
	cache   *fakeCache
	service *Service
}

func newFixtureWithStore(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	logger := zap.NewNop()
	repo := db.NewRepository(store, logger)
	rem := reminders.NewService(repo, notify.NewLogSink(logger), logger, metrics.NewCollector(config.MimirConfig{}, logger))

	f := &fixture{
		repo:  repo,
		wars:  &fakeWars{},
		cache: &fakeCache{snaps: map[string]*core.WarSnapshot{}},
	}
	f.service = NewService(repo, registry.NewService(repo, logger), f.wars, rem, f.cache, nil, logger)
	return f
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := jsonfile.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return newFixtureWithStore(t, store)
}

func (f *fixture) withChannel(t *testing.T, guildID string) {
	t.Helper()
	_, err := f.service.SetReminderChannel(context.Background(), guildID, "<#"+channel+">")
	require.NoError(t, err)
}

func TestChannels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tenant, err := f.service.SetReminderChannel(ctx, guildA, channel)
	require.NoError(t, err)
	assert.Equal(t, channel, tenant.PrepChannel())

	tenant, err = f.service.SetPrepChannel(ctx, guildA, "555555555555555555")
	require.NoError(t, err)
	assert.Equal(t, "555555555555555555", tenant.PrepChannel())
	assert.Equal(t, channel, tenant.ReminderChannelID)

	tenant, err = f.service.SetPrepChannel(ctx, guildA, "")
	require.NoError(t, err)
	assert.Equal(t, channel, tenant.PrepChannel())

	_, err = f.service.SetReminderChannel(ctx, guildA, "general")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestMonitorClanRequiresChannel(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.service.MonitorClan(context.Background(), guildA, "#2PP", "Home", user)
	assert.ErrorIs(t, err, core.ErrChannelNotConfigured)
}

func TestMonitorClan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withChannel(t, guildA)

	m, created, err := f.service.MonitorClan(ctx, guildA, "2pp", "Home", user)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "#2PP", m.ClanTag)

	_, created, err = f.service.MonitorClan(ctx, guildA, "#2PP", "Home", user)
	require.NoError(t, err)
	assert.False(t, created)

	entry, err := f.repo.GetRegistryEntry(ctx, "#2PP")
	require.NoError(t, err)
	assert.Equal(t, guildA, entry.GuildID)
}

func TestMonitorClanOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withChannel(t, guildA)
	f.withChannel(t, guildB)

	_, _, err := f.service.MonitorClan(ctx, guildA, "#2PP", "", "")
	require.NoError(t, err)

	_, _, err = f.service.MonitorClan(ctx, guildB, "#2PP", "", "")
	var conflict *core.OwnershipConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, guildA, conflict.Owner)

	_, err = f.repo.GetClanMonitor(ctx, guildB, "#2PP")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMonitorClanCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withChannel(t, guildA)

	for _, tag := range []string{"#2PP", "#8YY", "#9QQ", "#LLL"} {
		_, _, err := f.service.MonitorClan(ctx, guildA, tag, "", "")
		require.NoError(t, err)
	}

	_, _, err := f.service.MonitorClan(ctx, guildA, "#RRR", "", "")
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	_, err = f.repo.GetRegistryEntry(ctx, "#RRR")
	assert.ErrorIs(t, err, core.ErrNotFound)

	monitors, err := f.repo.ListClanMonitors(ctx, guildA)
	require.NoError(t, err)
	assert.Len(t, monitors, core.MaxClanMonitors)
}

func TestMonitorClanReleasesClaimWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	store, err := jsonfile.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	f := newFixtureWithStore(t, failingMonitors{Store: store})
	f.withChannel(t, guildA)

	_, _, err = f.service.MonitorClan(ctx, guildA, "#2PP", "", "")
	assert.ErrorIs(t, err, core.ErrPersistenceUnavailable)

	_, err = f.repo.GetRegistryEntry(ctx, "#2PP")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUnmonitorClan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withChannel(t, guildA)

	_, _, err := f.service.MonitorClan(ctx, guildA, "#2PP", "", "")
	require.NoError(t, err)
	require.NoError(t, f.service.AssignPrepNotifier(ctx, guildA, "#2PP", user))
	require.NoError(t, f.repo.SaveWarState(ctx, &core.WarState{GuildID: guildA, ClanTag: "#2PP", Mode: core.ModeNormal, Phase: core.PhaseInWar, RoundID: "war-1"}))
	f.cache.snaps[guildA+"#2PP"] = &core.WarSnapshot{}

	require.NoError(t, f.service.UnmonitorClan(ctx, guildA, "#2PP"))

	_, err = f.repo.GetRegistryEntry(ctx, "#2PP")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.repo.GetWarState(ctx, guildA, "#2PP")
	assert.ErrorIs(t, err, core.ErrNotFound)
	notifiers, err := f.repo.ListPrepNotifiers(ctx, guildA)
	require.NoError(t, err)
	assert.Empty(t, notifiers)
	assert.Empty(t, f.cache.snaps)

	assert.ErrorIs(t, f.service.UnmonitorClan(ctx, guildA, "#2PP"), core.ErrNotFound)

	// The clan is free for another guild now.
	f.withChannel(t, guildB)
	_, _, err = f.service.MonitorClan(ctx, guildB, "#2PP", "", "")
	assert.NoError(t, err)
}

func TestAccountLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.service.LinkAccount(ctx, guildA, "<@"+user+">", "pp8o")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.service.LinkAccount(ctx, guildA, user, "#PP80")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, f.service.UnlinkAccount(ctx, guildA, user, "#PP80"))
	assert.ErrorIs(t, f.service.UnlinkAccount(ctx, guildA, user, "#PP80"), core.ErrNotFound)

	_, err = f.service.LinkAccount(ctx, guildA, user, "#ABC")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestPrepNotifiersRequireMonitor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withChannel(t, guildA)

	assert.ErrorIs(t, f.service.AssignPrepNotifier(ctx, guildA, "#2PP", user), core.ErrNotFound)

	_, _, err := f.service.MonitorClan(ctx, guildA, "#2PP", "", "")
	require.NoError(t, err)
	require.NoError(t, f.service.AssignPrepNotifier(ctx, guildA, "#2PP", user))

	cfg, err := f.service.GuildConfig(ctx, guildA)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Stats.MonitorCount)
	assert.Equal(t, 1, cfg.Stats.PrepNotifierCount)
	assert.Equal(t, channel, cfg.Tenant.ReminderChannelID)

	require.NoError(t, f.service.RemovePrepNotifier(ctx, guildA, "#2PP", user))
	assert.ErrorIs(t, f.service.RemovePrepNotifier(ctx, guildA, "#2PP", user), core.ErrNotFound)
}

func TestWarStatusPrefersCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withChannel(t, guildA)
	_, _, err := f.service.MonitorClan(ctx, guildA, "#2PP", "", "")
	require.NoError(t, err)

	f.wars.snap = &core.WarSnapshot{
		GuildID: guildA,
		ClanTag: "#2PP",
		Phase:   core.PhaseInWar,
		Participants: []core.Participant{
			{Tag: "#PP8", Name: "one"},
			{Tag: "#PP9", Name: "two"},
		},
	}

	status, err := f.service.WarStatus(ctx, guildA, "#2PP")
	require.NoError(t, err)
	assert.False(t, status.Cached)
	assert.Equal(t, 1, f.wars.fetches)

	f.cache.snaps[guildA+"#2PP"] = f.wars.snap
	status, err = f.service.WarStatus(ctx, guildA, "#2PP")
	require.NoError(t, err)
	assert.True(t, status.Cached)
	assert.Equal(t, 1, f.wars.fetches)

	_, err = f.service.LinkAccount(ctx, guildA, user, "#PP8")
	require.NoError(t, err)
	unlinked, err := f.service.UnlinkedParticipants(ctx, guildA, "#2PP")
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.Equal(t, "#PP9", unlinked[0].Tag)

	_, err = f.service.WarStatus(ctx, guildA, "#8YY")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLeagueStandings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withChannel(t, guildA)
	_, _, err := f.service.MonitorClan(ctx, guildA, "#2PP", "", "")
	require.NoError(t, err)

	table, err := f.service.LeagueStandings(ctx, guildA, "#2PP")
	require.NoError(t, err)
	assert.Equal(t, "2024-03", table.Season)
	assert.Len(t, table.Standings, 1)
}

func TestResetPrepReminder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withChannel(t, guildA)
	_, _, err := f.service.MonitorClan(ctx, guildA, "#2PP", "", "")
	require.NoError(t, err)

	_, err = f.service.ResetPrepReminder(ctx, guildA, "#2PP")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, f.repo.SaveWarState(ctx, &core.WarState{GuildID: guildA, ClanTag: "#2PP", Mode: core.ModeNormal, Phase: core.PhasePreparation, RoundID: "war-1"}))
	state := core.NewReminderState(guildA, "#2PP", "war-1")
	state.PrepFired = true
	require.NoError(t, f.repo.SaveReminderState(ctx, state))

	round, err := f.service.ResetPrepReminder(ctx, guildA, "#2PP")
	require.NoError(t, err)
	assert.Equal(t, "war-1", round)

	stored, err := f.repo.GetReminderState(ctx, guildA, "#2PP", "war-1")
	require.NoError(t, err)
	assert.False(t, stored.PrepFired)
}
