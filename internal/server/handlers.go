package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/stats"
	"github.com/npezzotti/go-supportchat/internal/types"
)

var (
	ErrNotParticipant    = errors.New("not a conversation participant")
	ErrRecipientMismatch = errors.New("recipient is not the other participant")
	errIdentityMismatch  = errors.New("identity mismatch")
)

// dispatch handles one inbound frame on the connection's read goroutine.
func (cs *ChatServer) dispatch(c *Client, msg *ClientMessage) {
	switch {
	case msg.AnnouncePresence != nil:
		cs.handleAnnounce(c, msg)
	case msg.GetPresence != nil:
		cs.handleGetPresence(c, msg)
	case msg.SendMessage == nil && msg.Typing == nil && msg.StopTyping == nil && msg.MarkRead == nil:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	case !c.isActive():
		c.queueMessage(ErrNotActive(msg.Id))
	case msg.SendMessage != nil:
		cs.handleSendMessage(c, msg)
	case msg.Typing != nil:
		cs.handleTyping(c, msg)
	case msg.StopTyping != nil:
		cs.handleStopTyping(c, msg)
	case msg.MarkRead != nil:
		cs.handleMarkRead(c, msg)
	}
}

// respondErr maps err onto a response frame. Unexpected errors are logged.
func (cs *ChatServer) respondErr(c *Client, id int, op string, err error) {
	var resp *ServerMessage
	switch {
	case errors.Is(err, database.ErrNotFound):
		resp = ErrConversationNotFound(id)
	case errors.Is(err, ErrNotParticipant), errors.Is(err, errIdentityMismatch):
		resp = ErrForbidden(id)
	case errors.Is(err, ErrRecipientMismatch), errors.Is(err, database.ErrInvalid):
		resp = ErrBadRequest(id, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		cs.log.Printf("%s: %v", op, err)
		resp = ErrServiceUnavailable(id)
	default:
		cs.log.Printf("%s: %v", op, err)
		resp = ErrInternalError(id)
	}
	c.queueMessage(resp)
}

// checkIdentity rejects payload identity fields naming someone other than
// the connection's user. Empty fields are filled in from the connection.
func checkIdentity(claimed string, actual string) error {
	if claimed != "" && claimed != actual {
		return fmt.Errorf("%w: %q", errIdentityMismatch, claimed)
	}
	return nil
}

// resolvePeer loads the conversation and returns the participant other than
// userId, checking it against recipientId when one was given.
func (cs *ChatServer) resolvePeer(ctx context.Context, conversationId, userId, recipientId string) (types.Participant, error) {
	conv, err := cs.db.GetConversation(ctx, conversationId)
	if err != nil {
		return types.Participant{}, err
	}

	peer, ok := conv.Other(userId)
	if !ok {
		return types.Participant{}, fmt.Errorf("%w: %q", ErrNotParticipant, conversationId)
	}

	if recipientId != "" && recipientId != peer.UserId {
		return types.Participant{}, fmt.Errorf("%w: %q", ErrRecipientMismatch, recipientId)
	}

	return peer, nil
}

func (cs *ChatServer) handleAnnounce(c *Client, msg *ClientMessage) {
	if c.isActive() {
		c.queueMessage(NoErrOK(msg.Id, nil))
		return
	}

	rec := types.PresenceRecord{
		UserId:           c.identity.UserId,
		Role:             c.identity.Role,
		IsOnline:         true,
		LastSeen:         Now(),
		ConnectionHandle: c.handle,
	}

	if prev := cs.registry.Connect(rec.UserId, rec.Role, c.handle); prev == "" {
		cs.stats.Incr(stats.NumOnlineUsers)
	}
	if err := cs.presenceStore.UpsertPresence(context.Background(), rec); err != nil {
		cs.log.Printf("upsert presence for %q: %v", rec.UserId, err)
	}

	c.active.Store(true)
	c.queueMessage(NoErrOK(msg.Id, nil))

	ev := newEvent()
	ev.UserOnline = newPresenceEvent(rec)
	cs.broadcast(&ev)
}

// handleDisconnect runs when the transport closes. Only the user's current
// connection flips presence; replaced connections leave quietly.
func (cs *ChatServer) handleDisconnect(c *Client) {
	if !c.isActive() {
		return
	}

	rec, changed := cs.registry.Disconnect(c.identity.UserId, c.handle)
	if !changed {
		return
	}

	cs.stats.Decr(stats.NumOnlineUsers)
	cs.typing.clearUser(rec.UserId)

	if err := cs.presenceStore.MarkOffline(context.Background(), rec.UserId, c.handle, rec.LastSeen); err != nil {
		cs.log.Printf("mark %q offline: %v", rec.UserId, err)
	}

	ev := newEvent()
	ev.UserOffline = newPresenceEvent(rec)
	cs.broadcast(&ev)
}

func (cs *ChatServer) handleGetPresence(c *Client, msg *ClientMessage) {
	snapshot := cs.registry.Snapshot()
	users := make([]PresenceEvent, 0, len(snapshot))
	for _, rec := range snapshot {
		users = append(users, *newPresenceEvent(rec))
	}

	resp := newEvent()
	resp.Id = msg.Id
	resp.PresenceSnapshot = &PresenceSnapshot{Users: users}
	c.queueMessage(&resp)
}

func (cs *ChatServer) handleSendMessage(c *Client, msg *ClientMessage) {
	p := msg.SendMessage
	if err := cs.validate.Struct(p); err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	sender := c.identity
	if err := checkIdentity(p.SenderId, sender.UserId); err != nil {
		cs.respondErr(c, msg.Id, "send message", err)
		return
	}
	if p.SenderRole != "" && p.SenderRole != sender.Role {
		cs.respondErr(c, msg.Id, "send message", fmt.Errorf("%w: role %q", errIdentityMismatch, p.SenderRole))
		return
	}

	stored, peer, err := cs.saveMessage(context.Background(), p.ConversationId, sender, p.RecipientId, p.Content)
	if err != nil {
		cs.respondErr(c, msg.Id, "send message", err)
		return
	}

	c.queueMessage(NoErrAccepted(msg.Id, stored))
	cs.deliverMessage(stored, peer)
}

// SendMessage stores content from sender in the conversation and delivers
// message-received to every connection of both participants. An empty
// recipientId means the other participant.
func (cs *ChatServer) SendMessage(ctx context.Context, conversationId string, sender types.Participant, recipientId, content string) (types.Message, error) {
	stored, peer, err := cs.saveMessage(ctx, conversationId, sender, recipientId, content)
	if err != nil {
		return types.Message{}, err
	}

	cs.deliverMessage(stored, peer)
	return stored, nil
}

func (cs *ChatServer) saveMessage(ctx context.Context, conversationId string, sender types.Participant, recipientId, content string) (types.Message, types.Participant, error) {
	peer, err := cs.resolvePeer(ctx, conversationId, sender.UserId, recipientId)
	if err != nil {
		return types.Message{}, types.Participant{}, err
	}

	stored, err := cs.db.AppendMessage(ctx, conversationId, sender.UserId, sender.Role, content)
	if err != nil {
		return types.Message{}, types.Participant{}, fmt.Errorf("append message: %w", err)
	}

	// the message is already durable; a stale preview is not worth failing the send
	if err := cs.db.TouchLastMessage(ctx, stored.ConversationId, types.LastMessage{
		Content:   stored.Content,
		SenderId:  stored.SenderId,
		CreatedAt: stored.CreatedAt,
	}); err != nil {
		cs.log.Printf("touch last message of %q: %v", stored.ConversationId, err)
	}

	cs.stats.Incr(stats.NumMessagesSent)
	return stored, peer, nil
}

func (cs *ChatServer) deliverMessage(stored types.Message, peer types.Participant) {
	cs.typing.clear(stored.ConversationId, stored.SenderId)

	ev := newEvent()
	ev.MessageReceived = &stored
	cs.sendToUser(stored.SenderId, ev)
	cs.sendToUser(peer.UserId, ev)
}

func (cs *ChatServer) handleTyping(c *Client, msg *ClientMessage) {
	p := msg.Typing
	if err := cs.validate.Struct(p); err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	typist := c.identity
	if err := checkIdentity(p.UserId, typist.UserId); err != nil {
		cs.respondErr(c, msg.Id, "typing", err)
		return
	}
	if p.UserRole != "" && p.UserRole != typist.Role {
		cs.respondErr(c, msg.Id, "typing", fmt.Errorf("%w: role %q", errIdentityMismatch, p.UserRole))
		return
	}

	peer, err := cs.resolvePeer(context.Background(), p.ConversationId, typist.UserId, p.RecipientId)
	if err != nil {
		cs.respondErr(c, msg.Id, "typing", err)
		return
	}

	cs.typing.start(p.ConversationId, typist.UserId, peer.UserId)
	c.queueMessage(NoErrAccepted(msg.Id, nil))

	ev := newEvent()
	ev.UserTyping = &TypingEvent{
		ConversationId: p.ConversationId,
		UserId:         typist.UserId,
		UserRole:       typist.Role,
	}
	cs.sendToUser(peer.UserId, ev)
}

func (cs *ChatServer) handleStopTyping(c *Client, msg *ClientMessage) {
	p := msg.StopTyping
	if err := cs.validate.Struct(p); err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	typist := c.identity
	if err := checkIdentity(p.UserId, typist.UserId); err != nil {
		cs.respondErr(c, msg.Id, "stop typing", err)
		return
	}

	peer, err := cs.resolvePeer(context.Background(), p.ConversationId, typist.UserId, p.RecipientId)
	if err != nil {
		cs.respondErr(c, msg.Id, "stop typing", err)
		return
	}

	cs.typing.clear(p.ConversationId, typist.UserId)
	c.queueMessage(NoErrAccepted(msg.Id, nil))

	ev := newEvent()
	ev.UserStopTyping = &TypingEvent{
		ConversationId: p.ConversationId,
		UserId:         typist.UserId,
	}
	cs.sendToUser(peer.UserId, ev)
}

func (cs *ChatServer) handleMarkRead(c *Client, msg *ClientMessage) {
	p := msg.MarkRead
	if err := cs.validate.Struct(p); err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	if err := checkIdentity(p.RecipientId, c.identity.UserId); err != nil {
		cs.respondErr(c, msg.Id, "mark read", err)
		return
	}

	receipt, err := cs.MarkRead(context.Background(), p.ConversationId, c.identity)
	if err != nil {
		cs.respondErr(c, msg.Id, "mark read", err)
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"updated": receipt.Updated}))
}

// MarkRead marks everything the other participant sent in the conversation
// as read by reader, clears the reader's unread counter and tells each
// original sender their messages were read.
func (cs *ChatServer) MarkRead(ctx context.Context, conversationId string, reader types.Participant) (types.ReadReceipt, error) {
	if _, err := cs.resolvePeer(ctx, conversationId, reader.UserId, ""); err != nil {
		return types.ReadReceipt{}, err
	}

	receipt, err := cs.db.MarkRead(ctx, conversationId, reader.UserId)
	if err != nil {
		return types.ReadReceipt{}, fmt.Errorf("mark read: %w", err)
	}

	if err := cs.db.ResetUnread(ctx, conversationId, reader.UserId); err != nil {
		return receipt, fmt.Errorf("reset unread: %w", err)
	}

	for _, sender := range receipt.SenderIds {
		ev := newEvent()
		ev.MessagesRead = &MessagesRead{
			ConversationId: conversationId,
			ReadBy:         reader.UserId,
			ReadAt:         receipt.ReadAt,
		}
		cs.sendToUser(sender, ev)
	}

	return receipt, nil
}
