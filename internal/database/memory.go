package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-supportchat/internal/types"
	"github.com/teris-io/shortid"
)

// MemoryChatRepository is a process-local ChatRepository. It backs the
// server when no database is configured and is used throughout the tests.
type MemoryChatRepository struct {
	mu            sync.Mutex
	conversations map[string]*types.Conversation
	byPair        map[string]string
	messages      map[string][]types.Message
	presence      map[string]types.PresenceRecord
	lastMessageId int64
	newId         func() (string, error)
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		conversations: make(map[string]*types.Conversation),
		byPair:        make(map[string]string),
		messages:      make(map[string][]types.Message),
		presence:      make(map[string]types.PresenceRecord),
		newId:         shortid.Generate,
	}
}

func (m *MemoryChatRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryChatRepository) Close() error {
	return nil
}

func copyConversation(c *types.Conversation) types.Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

func (m *MemoryChatRepository) ResolveOrCreateConversation(ctx context.Context, a, b types.Participant) (types.Conversation, error) {
	pair, err := types.NewPair(a, b)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := ctx.Err(); err != nil {
		return types.Conversation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byPair[pair.Key()]; ok {
		return copyConversation(m.conversations[id]), nil
	}

	var id string
	for {
		id, err = m.newId()
		if err != nil {
			return types.Conversation{}, fmt.Errorf("generate conversation id: %w", err)
		}
		if _, taken := m.conversations[id]; !taken {
			break
		}
	}

	now := Now()
	c := &types.Conversation{
		Id:           id,
		Participants: pair.Participants(),
		UnreadCount: map[string]int{
			pair.Low.UserId:  0,
			pair.High.UserId: 0,
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[id] = c
	m.byPair[pair.Key()] = id

	return copyConversation(c), nil
}

func (m *MemoryChatRepository) GetConversation(ctx context.Context, id string) (types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return types.Conversation{}, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return copyConversation(c), nil
}

func (m *MemoryChatRepository) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversations := make([]types.Conversation, 0)
	for _, c := range m.conversations {
		if c.IsActive && c.HasParticipant(userId) {
			conversations = append(conversations, copyConversation(c))
		}
	}

	sort.Slice(conversations, func(i, j int) bool {
		if !conversations[i].UpdatedAt.Equal(conversations[j].UpdatedAt) {
			return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
		}
		return conversations[i].Id < conversations[j].Id
	})

	return conversations, nil
}

func (m *MemoryChatRepository) TouchLastMessage(ctx context.Context, conversationId string, snapshot types.LastMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationId]
	if !ok {
		return fmt.Errorf("conversation %q: %w", conversationId, ErrNotFound)
	}

	if c.LastMessage == nil || !snapshot.CreatedAt.Before(c.LastMessage.CreatedAt) {
		lm := snapshot
		c.LastMessage = &lm
	}
	for _, p := range c.Participants {
		if p.UserId != snapshot.SenderId {
			c.UnreadCount[p.UserId]++
		}
	}
	if snapshot.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = snapshot.CreatedAt
	}

	return nil
}

func (m *MemoryChatRepository) ResetUnread(ctx context.Context, conversationId, userId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationId]
	if !ok {
		return fmt.Errorf("conversation %q: %w", conversationId, ErrNotFound)
	}
	if c.HasParticipant(userId) {
		c.UnreadCount[userId] = 0
	}
	return nil
}

func (m *MemoryChatRepository) DeactivateConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	c.IsActive = false
	c.UpdatedAt = Now()
	return nil
}

func (m *MemoryChatRepository) AppendMessage(ctx context.Context, conversationId, senderId string, senderRole types.Role, content string) (types.Message, error) {
	if strings.TrimSpace(content) == "" {
		return types.Message{}, fmt.Errorf("%w: message content cannot be empty", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationId]; !ok {
		return types.Message{}, fmt.Errorf("conversation %q: %w", conversationId, ErrNotFound)
	}

	m.lastMessageId++
	now := Now()
	msg := types.Message{
		Id:             m.lastMessageId,
		ConversationId: conversationId,
		SenderId:       senderId,
		SenderRole:     senderRole,
		Content:        content,
		Status:         types.StatusSent,
		CreatedAt:      now,
	}
	msg.Advance(types.StatusDelivered, now)

	m.messages[conversationId] = append(m.messages[conversationId], msg)
	return msg, nil
}

func (m *MemoryChatRepository) PageMessages(ctx context.Context, conversationId string, limit, offset int) ([]types.Message, int, error) {
	limit, offset, err := NormalizePage(limit, offset)
	if err != nil {
		return nil, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// stored in append order, which is (created_at, id) order
	all := m.messages[conversationId]
	total := len(all)

	end := total - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	page := make([]types.Message, end-start)
	copy(page, all[start:end])
	return page, total, nil
}

func (m *MemoryChatRepository) MarkRead(ctx context.Context, conversationId, readerId string) (types.ReadReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	readAt := Now()
	var senders []string
	msgs := m.messages[conversationId]
	for i := range msgs {
		if msgs[i].SenderId == readerId {
			continue
		}
		if msgs[i].Advance(types.StatusRead, readAt) {
			senders = append(senders, msgs[i].SenderId)
		}
	}

	return newReadReceipt(conversationId, readerId, readAt, senders), nil
}

func (m *MemoryChatRepository) UpsertPresence(ctx context.Context, rec types.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.presence[rec.UserId] = rec
	return nil
}

func (m *MemoryChatRepository) MarkOffline(ctx context.Context, userId, handle string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.presence[userId]
	if !ok || (handle != "" && rec.ConnectionHandle != handle) {
		return nil
	}
	rec.IsOnline = false
	rec.LastSeen = lastSeen
	rec.ConnectionHandle = ""
	m.presence[userId] = rec
	return nil
}

func (m *MemoryChatRepository) GetPresence(ctx context.Context, userId string) (types.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.presence[userId]
	if !ok {
		return types.PresenceRecord{}, fmt.Errorf("presence %q: %w", userId, ErrNotFound)
	}
	return rec, nil
}

func (m *MemoryChatRepository) ListPresenceByRoles(ctx context.Context, roles []types.Role) ([]types.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]types.PresenceRecord, 0)
	for _, rec := range m.presence {
		if slices.Contains(roles, rec.Role) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserId < records[j].UserId })
	return records, nil
}

func (m *MemoryChatRepository) MarkOfflineExcept(ctx context.Context, onlineUserIds []string, lastSeen time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for id, rec := range m.presence {
		if !rec.IsOnline || slices.Contains(onlineUserIds, id) {
			continue
		}
		rec.IsOnline = false
		rec.LastSeen = lastSeen
		rec.ConnectionHandle = ""
		m.presence[id] = rec
		n++
	}
	return n, nil
}
