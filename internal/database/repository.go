package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-supportchat/internal/types"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid argument")
)

// ConversationStore is the conversation directory.
type ConversationStore interface {
	ResolveOrCreateConversation(ctx context.Context, a, b types.Participant) (types.Conversation, error)
	GetConversation(ctx context.Context, id string) (types.Conversation, error)
	ListConversations(ctx context.Context, userId string) ([]types.Conversation, error)
	TouchLastMessage(ctx context.Context, conversationId string, snapshot types.LastMessage) error
	ResetUnread(ctx context.Context, conversationId, userId string) error
	DeactivateConversation(ctx context.Context, id string) error
}

// MessageStore is the append-mostly message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, conversationId, senderId string, senderRole types.Role, content string) (types.Message, error)
	PageMessages(ctx context.Context, conversationId string, limit, offset int) ([]types.Message, int, error)
	MarkRead(ctx context.Context, conversationId, readerId string) (types.ReadReceipt, error)
}

// PresenceStore keeps the durable "last seen" records.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, rec types.PresenceRecord) error
	MarkOffline(ctx context.Context, userId, handle string, lastSeen time.Time) error
	GetPresence(ctx context.Context, userId string) (types.PresenceRecord, error)
	ListPresenceByRoles(ctx context.Context, roles []types.Role) ([]types.PresenceRecord, error)
	MarkOfflineExcept(ctx context.Context, onlineUserIds []string, lastSeen time.Time) (int, error)
}

type ChatRepository interface {
	ConversationStore
	MessageStore
	PresenceStore
	Ping(ctx context.Context) error
	Close() error
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

func Now() time.Time {
	return time.Now().UTC().Round(time.Microsecond)
}
