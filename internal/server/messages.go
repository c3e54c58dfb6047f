package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-supportchat/internal/types"
)

// MaxContentRunes bounds message content. It must match the max tag on
// SendMessage.Content.
const MaxContentRunes = 2000

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound frame. Exactly one event field is set.
type ClientMessage struct {
	BaseMessage
	AnnouncePresence *AnnouncePresence `json:"announce-presence,omitempty"`
	SendMessage      *SendMessage      `json:"send-message,omitempty"`
	Typing           *Typing           `json:"typing,omitempty"`
	StopTyping       *StopTyping       `json:"stop-typing,omitempty"`
	MarkRead         *MarkRead         `json:"mark-read,omitempty"`
	GetPresence      *GetPresence      `json:"get-presence,omitempty"`
}

type AnnouncePresence struct{}

type GetPresence struct{}

type SendMessage struct {
	ConversationId string     `json:"conversation_id" validate:"required"`
	SenderId       string     `json:"sender_id,omitempty"`
	SenderRole     types.Role `json:"sender_role,omitempty" validate:"omitempty,role"`
	RecipientId    string     `json:"recipient_id,omitempty"`
	Content        string     `json:"content" validate:"required,max=2000"`
}

type Typing struct {
	ConversationId string     `json:"conversation_id" validate:"required"`
	UserId         string     `json:"user_id,omitempty"`
	UserRole       types.Role `json:"user_role,omitempty" validate:"omitempty,role"`
	RecipientId    string     `json:"recipient_id,omitempty"`
}

type StopTyping struct {
	ConversationId string `json:"conversation_id" validate:"required"`
	UserId         string `json:"user_id,omitempty"`
	RecipientId    string `json:"recipient_id,omitempty"`
}

// MarkRead marks everything the other participant sent as read. RecipientId
// is the reader, SenderId the participant whose messages were read.
type MarkRead struct {
	ConversationId string `json:"conversation_id" validate:"required"`
	SenderId       string `json:"sender_id,omitempty"`
	RecipientId    string `json:"recipient_id,omitempty"`
}

// ServerMessage is an outbound frame: either a response to a client frame
// or one event.
type ServerMessage struct {
	BaseMessage
	Response         *Response         `json:"response,omitempty"`
	UserOnline       *PresenceEvent    `json:"user-online,omitempty"`
	UserOffline      *PresenceEvent    `json:"user-offline,omitempty"`
	MessageReceived  *types.Message    `json:"message-received,omitempty"`
	UserTyping       *TypingEvent      `json:"user-typing,omitempty"`
	UserStopTyping   *TypingEvent      `json:"user-stop-typing,omitempty"`
	MessagesRead     *MessagesRead     `json:"messages-read,omitempty"`
	PresenceSnapshot *PresenceSnapshot `json:"presence-snapshot,omitempty"`
	// UserId routes the message to the user's connections; empty means
	// every active connection.
	UserId string `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type PresenceEvent struct {
	UserId   string     `json:"user_id"`
	Role     types.Role `json:"role"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type TypingEvent struct {
	ConversationId string     `json:"conversation_id"`
	UserId         string     `json:"user_id"`
	UserRole       types.Role `json:"user_role,omitempty"`
}

type MessagesRead struct {
	ConversationId string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	ReadAt         time.Time `json:"read_at"`
}

type PresenceSnapshot struct {
	Users []PresenceEvent `json:"users"`
}

func newPresenceEvent(rec types.PresenceRecord) *PresenceEvent {
	ev := &PresenceEvent{
		UserId:   rec.UserId,
		Role:     rec.Role,
		IsOnline: rec.IsOnline,
	}
	if !rec.IsOnline && !rec.LastSeen.IsZero() {
		lastSeen := rec.LastSeen
		ev.LastSeen = &lastSeen
	}
	return ev
}

func newEvent() ServerMessage {
	return ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}}
}

func newResponse(id, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return newResponse(id, http.StatusAccepted, "", data)
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, reason, nil)
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "forbidden", nil)
}

func ErrConversationNotFound(id int) *ServerMessage {
	return newResponse(id, http.StatusNotFound, "conversation not found", nil)
}

func ErrNotActive(id int) *ServerMessage {
	return newResponse(id, http.StatusConflict, "presence not announced", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "invalid message format", nil)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
