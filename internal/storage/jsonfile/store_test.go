package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/storage"
)

func record(tenant, key, payload string) storage.Record {
	return storage.Record{
		Collection: storage.AccountLinks,
		Tenant:     tenant,
		Key:        key,
		Payload:    []byte(payload),
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, record("g1", "u1:#2PP", `{"a":1}`)))
	require.NoError(t, s.Put(ctx, record("g2", "u1:#2PP", `{"a":2}`)))

	reopened, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	got, err := reopened.Get(ctx, storage.AccountLinks, "g1", "u1:#2PP")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))
	assert.Equal(t, "g1", got.Tenant)

	list, err := reopened.List(ctx, storage.AccountLinks, "g2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.JSONEq(t, `{"a":2}`, string(list[0].Payload))

	all, err := reopened.ListAll(ctx, storage.AccountLinks)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, storage.AccountLinks, "g1", "missing"), storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, record("g1", "k", `{}`)))
	require.NoError(t, s.Delete(ctx, storage.AccountLinks, "g1", "k"))

	_, err = s.Get(ctx, storage.AccountLinks, "g1", "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreCorruptFileIsTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "account_links.json"), []byte("{not json"), 0o644))

	s, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Get(ctx, storage.AccountLinks, "g1", "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	matches, err := filepath.Glob(filepath.Join(dir, "account_links.json.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.NoError(t, s.Put(ctx, record("g1", "k", `{"ok":true}`)))
	got, err := s.Get(ctx, storage.AccountLinks, "g1", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got.Payload))
}

func TestStoreShadowsAndTombstones(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	shadow := record("g1", "new", `{"v":1}`)
	shadow.Shadow = true
	require.NoError(t, s.Put(ctx, shadow))
	require.NoError(t, s.Put(ctx, record("g1", "old", `{"v":0}`)))
	require.NoError(t, s.MarkDeleted(ctx, storage.AccountLinks, "g1", "old"))

	_, err = s.Get(ctx, storage.AccountLinks, "g1", "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.List(ctx, storage.AccountLinks, "g1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].Key)

	shadows, err := s.Shadows(ctx)
	require.NoError(t, err)
	require.Len(t, shadows, 2)

	byKey := map[string]storage.Record{}
	for _, r := range shadows {
		byKey[r.Key] = r
	}
	assert.True(t, byKey["old"].Deleted)
	assert.False(t, byKey["new"].Deleted)

	assert.ErrorIs(t, s.MarkDeleted(ctx, storage.AccountLinks, "g1", "old"), storage.ErrNotFound)
}

func TestStoreReplaceKeepsShadows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, record("g1", "old", `{"a":0}`)))
	pending := record("g1", "pending", `{"a":1}`)
	pending.Shadow = true
	require.NoError(t, s.Put(ctx, pending))
	require.NoError(t, s.MarkDeleted(ctx, storage.AccountLinks, "g1", "removed"))

	require.NoError(t, s.Replace(ctx, storage.AccountLinks, []storage.Record{
		record("g1", "pending", `{"a":9}`),
		record("g1", "removed", `{"a":9}`),
		record("g2", "fresh", `{"a":2}`),
	}))

	reopened, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	_, err = reopened.Get(ctx, storage.AccountLinks, "g1", "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = reopened.Get(ctx, storage.AccountLinks, "g1", "removed")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := reopened.Get(ctx, storage.AccountLinks, "g1", "pending")
	require.NoError(t, err)
	assert.True(t, got.Shadow)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))

	got, err = reopened.Get(ctx, storage.AccountLinks, "g2", "fresh")
	require.NoError(t, err)
	assert.False(t, got.Shadow)

	shadows, err := reopened.Shadows(ctx)
	require.NoError(t, err)
	assert.Len(t, shadows, 2)

	assert.Error(t, s.Replace(ctx, storage.Tenants, []storage.Record{record("g1", "k", `{}`)}))
}
