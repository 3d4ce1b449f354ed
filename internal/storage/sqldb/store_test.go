package sqldb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leozw/clan-war-guardian/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := NewConnection(DriverSQLite, filepath.Join(t.TempDir(), "guardian.db"), 1, 1)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	s := NewStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, storage.ClanMonitors, "g1", "#2PP")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	now := time.Now().Truncate(time.Millisecond)
	rec := storage.Record{
		Collection: storage.ClanMonitors,
		Tenant:     "g1",
		Key:        "#2PP",
		Payload:    []byte(`{"clan_tag":"#2PP"}`),
		UpdatedAt:  now,
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, storage.ClanMonitors, "g1", "#2PP")
	require.NoError(t, err)
	assert.JSONEq(t, `{"clan_tag":"#2PP"}`, string(got.Payload))
	assert.True(t, got.UpdatedAt.Equal(now))

	rec.Payload = []byte(`{"clan_tag":"#2PP","name":"x"}`)
	require.NoError(t, s.Put(ctx, rec))

	got, err = s.Get(ctx, storage.ClanMonitors, "g1", "#2PP")
	require.NoError(t, err)
	assert.JSONEq(t, `{"clan_tag":"#2PP","name":"x"}`, string(got.Payload))

	require.NoError(t, s.Delete(ctx, storage.ClanMonitors, "g1", "#2PP"))
	assert.ErrorIs(t, s.Delete(ctx, storage.ClanMonitors, "g1", "#2PP"), storage.ErrNotFound)
}

func TestStoreTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, tenant := range []string{"g1", "g2"} {
		for _, key := range []string{"a", "b"} {
			require.NoError(t, s.Put(ctx, storage.Record{
				Collection: storage.AccountLinks,
				Tenant:     tenant,
				Key:        key,
				Payload:    []byte(`{}`),
			}))
		}
	}

	recs, err := s.List(ctx, storage.AccountLinks, "g1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "g1", r.Tenant)
	}

	all, err := s.ListAll(ctx, storage.AccountLinks)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStoreRejectsUnknownCollection(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), storage.Collection("users; DROP TABLE x"), "g1", "k")
	assert.Error(t, err)
}

func TestPingMigratesFreshDatabase(t *testing.T) {
	ctx := context.Background()

	db, err := NewConnection(DriverSQLite, filepath.Join(t.TempDir(), "fresh.db"), 1, 1)
	require.NoError(t, err)
	s := NewStore(db)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Put(ctx, storage.Record{
		Collection: storage.Tenants,
		Tenant:     "g1",
		Key:        "g1",
		Payload:    []byte(`{}`),
	}))
	_, err = s.Get(ctx, storage.Tenants, "g1", "g1")
	assert.NoError(t, err)
}
