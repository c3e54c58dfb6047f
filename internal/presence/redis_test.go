package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestNewRedisStore(t *testing.T) {
	_, err := NewRedisStore("")
	assert.Error(t, err, "expected an empty url to be rejected")

	_, err = NewRedisStore("not-a-url")
	assert.Error(t, err, "expected an invalid url to be rejected")

	store, _ := newTestRedisStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestRedisStore_Presence(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertPresence(ctx, types.PresenceRecord{
		UserId: "u1", Role: types.RoleSubmitter, IsOnline: true, LastSeen: seen, ConnectionHandle: "h2",
	}))
	require.NoError(t, store.UpsertPresence(ctx, types.PresenceRecord{
		UserId: "m1", Role: types.RoleManagerA, IsOnline: true, LastSeen: seen, ConnectionHandle: "h3",
	}))

	rec, err := store.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, seen, rec.LastSeen)
	assert.Equal(t, types.RoleSubmitter, rec.Role)

	ok, err := mr.SIsMember(onlineSetKey, "u1")
	require.NoError(t, err)
	assert.True(t, ok, "expected online users to be indexed")

	require.NoError(t, store.MarkOffline(ctx, "u1", "h1", seen.Add(time.Second)))
	rec, err = store.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline, "expected a stale handle to leave the record alone")

	require.NoError(t, store.MarkOffline(ctx, "u1", "h2", seen.Add(time.Second)))
	rec, err = store.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)
	assert.Equal(t, seen.Add(time.Second), rec.LastSeen)
	assert.Empty(t, rec.ConnectionHandle)

	_, err = store.GetPresence(ctx, "nobody")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRedisStore_ListAndSweep(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, rec := range []types.PresenceRecord{
		{UserId: "m2", Role: types.RoleManagerB, IsOnline: true, LastSeen: seen, ConnectionHandle: "h1"},
		{UserId: "m1", Role: types.RoleManagerA, IsOnline: true, LastSeen: seen, ConnectionHandle: "h2"},
		{UserId: "u1", Role: types.RoleSubmitter, IsOnline: true, LastSeen: seen, ConnectionHandle: "h3"},
	} {
		require.NoError(t, store.UpsertPresence(ctx, rec))
	}

	managers, err := store.ListPresenceByRoles(ctx, []types.Role{types.RoleManagerA, types.RoleManagerB})
	require.NoError(t, err)
	require.Len(t, managers, 2)
	assert.Equal(t, "m1", managers[0].UserId)
	assert.Equal(t, "m2", managers[1].UserId)

	// role change moves the user between role sets
	require.NoError(t, store.UpsertPresence(ctx, types.PresenceRecord{
		UserId: "m2", Role: types.RoleAdministrator, IsOnline: true, LastSeen: seen, ConnectionHandle: "h1",
	}))
	managers, err = store.ListPresenceByRoles(ctx, []types.Role{types.RoleManagerA, types.RoleManagerB})
	require.NoError(t, err)
	assert.Len(t, managers, 1)

	n, err := store.MarkOfflineExcept(ctx, []string{"u1"}, seen.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := store.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)

	rec, err = store.GetPresence(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)
}
