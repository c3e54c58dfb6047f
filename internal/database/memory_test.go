package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-supportchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	submitter = types.Participant{UserId: "u1", Role: types.RoleSubmitter}
	managerA  = types.Participant{UserId: "m1", Role: types.RoleManagerA}
)

func TestMemoryChatRepository_ResolveOrCreateConversation(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()

	first, err := repo.ResolveOrCreateConversation(ctx, submitter, managerA)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Id)
	assert.True(t, first.IsActive)
	assert.Nil(t, first.LastMessage)
	assert.Equal(t, map[string]int{"u1": 0, "m1": 0}, first.UnreadCount)

	second, err := repo.ResolveOrCreateConversation(ctx, managerA, submitter)
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id, "expected the same conversation regardless of argument order")

	_, err = repo.ResolveOrCreateConversation(ctx, submitter, submitter)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, types.ErrSameParticipants)
}

func TestMemoryChatRepository_ConcurrentResolve(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := submitter, managerA
			if i%2 == 0 {
				a, b = b, a
			}
			c, err := repo.ResolveOrCreateConversation(ctx, a, b)
			assert.NoError(t, err)
			ids[i] = c.Id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "expected exactly one conversation for the pair")
	}

	list, err := repo.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryChatRepository_AppendAndTouch(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()

	conv, err := repo.ResolveOrCreateConversation(ctx, submitter, managerA)
	require.NoError(t, err)

	msg, err := repo.AppendMessage(ctx, conv.Id, "u1", types.RoleSubmitter, "hello")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDelivered, msg.Status)
	assert.NotNil(t, msg.DeliveredAt)
	assert.Nil(t, msg.ReadAt)

	require.NoError(t, repo.TouchLastMessage(ctx, conv.Id, types.LastMessage{
		Content:   msg.Content,
		SenderId:  msg.SenderId,
		CreatedAt: msg.CreatedAt,
	}))

	got, err := repo.GetConversation(ctx, conv.Id)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hello", got.LastMessage.Content)
	assert.Equal(t, 1, got.UnreadCount["m1"], "expected recipient unread count to grow")
	assert.Equal(t, 0, got.UnreadCount["u1"], "expected sender unread count to be unchanged")

	// an older snapshot arriving late must not replace the preview
	require.NoError(t, repo.TouchLastMessage(ctx, conv.Id, types.LastMessage{
		Content:   "stale",
		SenderId:  "u1",
		CreatedAt: msg.CreatedAt.Add(-time.Minute),
	}))
	got, err = repo.GetConversation(ctx, conv.Id)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessage.Content)

	_, err = repo.AppendMessage(ctx, conv.Id, "u1", types.RoleSubmitter, "   ")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = repo.AppendMessage(ctx, "missing", "u1", types.RoleSubmitter, "hi")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.TouchLastMessage(ctx, "missing", types.LastMessage{}), ErrNotFound)
}

func TestMemoryChatRepository_PageMessages(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()

	conv, err := repo.ResolveOrCreateConversation(ctx, submitter, managerA)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		_, err := repo.AppendMessage(ctx, conv.Id, "u1", types.RoleSubmitter, content)
		require.NoError(t, err)
	}

	tcases := []struct {
		name   string
		limit  int
		offset int
		want   []string
		err    error
	}{
		{name: "latest page", limit: 2, offset: 0, want: []string{"four", "five"}},
		{name: "older page", limit: 2, offset: 2, want: []string{"two", "three"}},
		{name: "partial last page", limit: 2, offset: 4, want: []string{"one"}},
		{name: "past the end", limit: 2, offset: 10, want: []string{}},
		{name: "default limit", limit: 0, offset: 0, want: []string{"one", "two", "three", "four", "five"}},
		{name: "negative offset", limit: 2, offset: -1, err: ErrInvalid},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			page, total, err := repo.PageMessages(ctx, conv.Id, tc.limit, tc.offset)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5, total)

			contents := make([]string, 0, len(page))
			for _, m := range page {
				contents = append(contents, m.Content)
			}
			assert.Equal(t, tc.want, contents, "expected oldest-first order within the page")
		})
	}
}

func TestMemoryChatRepository_MarkRead(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()

	conv, err := repo.ResolveOrCreateConversation(ctx, submitter, managerA)
	require.NoError(t, err)

	for _, c := range []struct {
		sender  types.Participant
		content string
	}{
		{submitter, "a"},
		{submitter, "b"},
		{managerA, "c"},
	} {
		msg, err := repo.AppendMessage(ctx, conv.Id, c.sender.UserId, c.sender.Role, c.content)
		require.NoError(t, err)
		require.NoError(t, repo.TouchLastMessage(ctx, conv.Id, types.LastMessage{
			Content:   msg.Content,
			SenderId:  msg.SenderId,
			CreatedAt: msg.CreatedAt,
		}))
	}

	receipt, err := repo.MarkRead(ctx, conv.Id, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Updated)
	assert.Equal(t, []string{"u1"}, receipt.SenderIds)
	assert.Equal(t, "m1", receipt.ReadBy)

	page, _, err := repo.PageMessages(ctx, conv.Id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRead, page[0].Status)
	assert.Equal(t, types.StatusRead, page[1].Status)
	assert.Equal(t, types.StatusDelivered, page[2].Status, "expected reader's own message to be untouched")
	firstReadAt := *page[0].ReadAt

	again, err := repo.MarkRead(ctx, conv.Id, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Updated, "expected a second mark read to be a no-op")
	assert.Empty(t, again.SenderIds)

	page, _, err = repo.PageMessages(ctx, conv.Id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, firstReadAt, *page[0].ReadAt, "expected read_at to never change once set")

	require.NoError(t, repo.ResetUnread(ctx, conv.Id, "m1"))
	got, err := repo.GetConversation(ctx, conv.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount["m1"])
	assert.Equal(t, 1, got.UnreadCount["u1"], "expected other participant's unread count untouched")
}

func TestMemoryChatRepository_ListConversations(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()

	managerB := types.Participant{UserId: "m2", Role: types.RoleManagerB}
	older, err := repo.ResolveOrCreateConversation(ctx, submitter, managerA)
	require.NoError(t, err)
	newer, err := repo.ResolveOrCreateConversation(ctx, submitter, managerB)
	require.NoError(t, err)

	require.NoError(t, repo.TouchLastMessage(ctx, newer.Id, types.LastMessage{
		Content:   "hi",
		SenderId:  "m2",
		CreatedAt: Now().Add(time.Second),
	}))

	list, err := repo.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.Id, list[0].Id, "expected most recently updated first")
	assert.Equal(t, older.Id, list[1].Id)

	require.NoError(t, repo.DeactivateConversation(ctx, older.Id))
	list, err = repo.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1, "expected inactive conversations to be hidden")

	list, err = repo.ListConversations(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryChatRepository_Presence(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()
	now := Now()

	require.NoError(t, repo.UpsertPresence(ctx, types.PresenceRecord{
		UserId: "u1", Role: types.RoleSubmitter, IsOnline: true, LastSeen: now, ConnectionHandle: "h2",
	}))
	require.NoError(t, repo.UpsertPresence(ctx, types.PresenceRecord{
		UserId: "m1", Role: types.RoleManagerA, IsOnline: true, LastSeen: now, ConnectionHandle: "h3",
	}))

	// a stale connection closing must not flip the newer one offline
	require.NoError(t, repo.MarkOffline(ctx, "u1", "h1", now.Add(time.Second)))
	rec, err := repo.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)

	require.NoError(t, repo.MarkOffline(ctx, "u1", "h2", now.Add(time.Second)))
	rec, err = repo.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)
	assert.Equal(t, now.Add(time.Second), rec.LastSeen)

	managers, err := repo.ListPresenceByRoles(ctx, []types.Role{types.RoleManagerA, types.RoleManagerB})
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Equal(t, "m1", managers[0].UserId)

	n, err := repo.MarkOfflineExcept(ctx, nil, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, err = repo.GetPresence(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)

	_, err = repo.GetPresence(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
