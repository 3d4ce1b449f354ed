package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/storage"
	"github.com/leozw/clan-war-guardian/internal/storage/jsonfile"
)

const (
	guildA = "111111111111111111"
	guildB = "222222222222222222"
	userA  = "333333333333333333"
)

func newRepo(t *testing.T) (*Repository, storage.Store) {
	t.Helper()
	store, err := jsonfile.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return NewRepository(store, zap.NewNop()), store
}

func TestTenantRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	_, err := repo.GetTenant(ctx, guildA)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, repo.SaveTenant(ctx, &core.Tenant{GuildID: guildA, ReminderChannelID: "444444444444444444"}))

	got, err := repo.GetTenant(ctx, guildA)
	require.NoError(t, err)
	assert.Equal(t, "444444444444444444", got.ReminderChannelID)
	assert.Equal(t, "444444444444444444", got.PrepChannel())
	assert.False(t, got.CreatedAt.IsZero())
}

func TestInvalidValuesAreRejected(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	err := repo.SaveClanMonitor(ctx, &core.ClanMonitor{GuildID: guildA, ClanTag: "not-a-tag"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	err = repo.SaveAccountLink(ctx, &core.AccountLink{GuildID: "abc", UserID: userA, PlayerTag: "#2PP"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestInvalidStoredRecordsAreAbsent(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t)

	require.NoError(t, store.Put(ctx, storage.Record{
		Collection: storage.ClanMonitors,
		Tenant:     guildA,
		Key:        "#BAD",
		Payload:    []byte(`{"guild_id":"x","clan_tag":"oops"}`),
	}))
	require.NoError(t, repo.SaveClanMonitor(ctx, &core.ClanMonitor{GuildID: guildA, ClanTag: "#2PP"}))

	_, err := repo.GetClanMonitor(ctx, guildA, "#BAD")
	assert.ErrorIs(t, err, core.ErrNotFound)

	monitors, err := repo.ListClanMonitors(ctx, guildA)
	require.NoError(t, err)
	require.Len(t, monitors, 1)
	assert.Equal(t, "#2PP", monitors[0].ClanTag)
}

func TestMonitorsAcrossGuilds(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	require.NoError(t, repo.SaveClanMonitor(ctx, &core.ClanMonitor{GuildID: guildA, ClanTag: "#2PP"}))
	require.NoError(t, repo.SaveClanMonitor(ctx, &core.ClanMonitor{GuildID: guildB, ClanTag: "#9QQ"}))

	all, err := repo.ListAllClanMonitors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := repo.ListClanMonitors(ctx, guildB)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "#9QQ", mine[0].ClanTag)

	require.NoError(t, repo.DeleteClanMonitor(ctx, guildA, "#2PP"))
	assert.ErrorIs(t, repo.DeleteClanMonitor(ctx, guildA, "#2PP"), core.ErrNotFound)
}

func TestPrepNotifiersByClan(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	require.NoError(t, repo.SavePrepNotifier(ctx, &core.PrepNotifierAssignment{GuildID: guildA, ClanTag: "#2PP", UserID: userA}))
	require.NoError(t, repo.SavePrepNotifier(ctx, &core.PrepNotifierAssignment{GuildID: guildA, ClanTag: "#9QQ", UserID: userA}))

	got, err := repo.ListClanPrepNotifiers(ctx, guildA, "#9QQ")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, userA, got[0].UserID)
}

func TestReminderStateKeyedByRound(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	first := core.NewReminderState(guildA, "#2PP", "war-1")
	first.PrepFired = true
	require.NoError(t, repo.SaveReminderState(ctx, first))
	require.NoError(t, repo.SaveReminderState(ctx, core.NewReminderState(guildA, "#2PP", "war-2")))

	got, err := repo.GetReminderState(ctx, guildA, "#2PP", "war-1")
	require.NoError(t, err)
	assert.True(t, got.PrepFired)

	got, err = repo.GetReminderState(ctx, guildA, "#2PP", "war-2")
	require.NoError(t, err)
	assert.False(t, got.PrepFired)
}

type downStore struct {
	storage.Store
}

func (downStore) Get(context.Context, storage.Collection, string, string) (*storage.Record, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestBackendErrorsAreWrapped(t *testing.T) {
	repo := NewRepository(downStore{}, zap.NewNop())

	_, err := repo.GetTenant(context.Background(), guildA)
	assert.ErrorIs(t, err, core.ErrPersistenceUnavailable)
	assert.NotErrorIs(t, err, core.ErrNotFound)
}
