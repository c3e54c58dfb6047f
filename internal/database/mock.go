package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-supportchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) ResolveOrCreateConversation(ctx context.Context, a, b types.Participant) (types.Conversation, error) {
	args := m.Called(ctx, a, b)
	return args.Get(0).(types.Conversation), args.Error(1)
}
func (m *MockChatRepository) GetConversation(ctx context.Context, id string) (types.Conversation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Conversation), args.Error(1)
}
func (m *MockChatRepository) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	args := m.Called(ctx, userId)
	if conversations, ok := args.Get(0).([]types.Conversation); ok {
		return conversations, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) TouchLastMessage(ctx context.Context, conversationId string, snapshot types.LastMessage) error {
	args := m.Called(ctx, conversationId, snapshot)
	return args.Error(0)
}
func (m *MockChatRepository) ResetUnread(ctx context.Context, conversationId, userId string) error {
	args := m.Called(ctx, conversationId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) DeactivateConversation(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockChatRepository) AppendMessage(ctx context.Context, conversationId, senderId string, senderRole types.Role, content string) (types.Message, error) {
	args := m.Called(ctx, conversationId, senderId, senderRole, content)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) PageMessages(ctx context.Context, conversationId string, limit, offset int) ([]types.Message, int, error) {
	args := m.Called(ctx, conversationId, limit, offset)
	if messages, ok := args.Get(0).([]types.Message); ok {
		return messages, args.Int(1), args.Error(2)
	}
	return nil, args.Int(1), args.Error(2)
}
func (m *MockChatRepository) MarkRead(ctx context.Context, conversationId, readerId string) (types.ReadReceipt, error) {
	args := m.Called(ctx, conversationId, readerId)
	return args.Get(0).(types.ReadReceipt), args.Error(1)
}
func (m *MockChatRepository) UpsertPresence(ctx context.Context, rec types.PresenceRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}
func (m *MockChatRepository) MarkOffline(ctx context.Context, userId, handle string, lastSeen time.Time) error {
	args := m.Called(ctx, userId, handle, lastSeen)
	return args.Error(0)
}
func (m *MockChatRepository) GetPresence(ctx context.Context, userId string) (types.PresenceRecord, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(types.PresenceRecord), args.Error(1)
}
func (m *MockChatRepository) ListPresenceByRoles(ctx context.Context, roles []types.Role) ([]types.PresenceRecord, error) {
	args := m.Called(ctx, roles)
	if records, ok := args.Get(0).([]types.PresenceRecord); ok {
		return records, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) MarkOfflineExcept(ctx context.Context, onlineUserIds []string, lastSeen time.Time) (int, error) {
	args := m.Called(ctx, onlineUserIds, lastSeen)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
