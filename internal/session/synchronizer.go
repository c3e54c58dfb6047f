package session

import (
	"slices"
	"sort"
	"sync"

	"github.com/npezzotti/go-supportchat/internal/server"
	"github.com/npezzotti/go-supportchat/internal/types"
)

// Emitter sends a frame to the gateway.
type Emitter interface {
	Emit(msg *server.ClientMessage) error
}

// Synchronizer is the local view of one user's chat state, reconciled from
// REST snapshots and the event stream.
type Synchronizer struct {
	mu            sync.Mutex
	self          types.Participant
	emit          Emitter
	conversations []types.Conversation
	active        string
	window        []types.Message
	typing        map[string]string
	presence      map[string]server.PresenceEvent
}

func NewSynchronizer(self types.Participant, emit Emitter) *Synchronizer {
	return &Synchronizer{
		self:     self,
		emit:     emit,
		typing:   make(map[string]string),
		presence: make(map[string]server.PresenceEvent),
	}
}

// SetConversations replaces the conversation list with a fresh snapshot.
func (s *Synchronizer) SetConversations(convs []types.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = slices.Clone(convs)
	sortConversations(s.conversations)
}

// UpsertConversation adds conv to the list or replaces the known copy.
func (s *Synchronizer) UpsertConversation(conv types.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(conv.Id); i >= 0 {
		s.conversations[i] = conv
	} else {
		s.conversations = append(s.conversations, conv)
	}
	sortConversations(s.conversations)
}

// Open makes conversationId the active conversation with history as its
// message window. The caller is expected to mark it read.
func (s *Synchronizer) Open(conversationId string, history []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = conversationId
	s.window = slices.Clone(history)
	if i := s.indexOf(conversationId); i >= 0 && s.conversations[i].UnreadCount != nil {
		s.conversations[i].UnreadCount[s.self.UserId] = 0
	}
}

func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = ""
	s.window = nil
}

func (s *Synchronizer) Active() (types.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(s.active); i >= 0 {
		return s.conversations[i], true
	}
	return types.Conversation{}, false
}

func (s *Synchronizer) Known(conversationId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(conversationId) >= 0
}

func (s *Synchronizer) Conversations() []types.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations)
}

func (s *Synchronizer) Window() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.window)
}

// Typing returns who is typing in conversationId, if anyone.
func (s *Synchronizer) Typing(conversationId string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userId, ok := s.typing[conversationId]
	return userId, ok
}

func (s *Synchronizer) Presence(userId string) (server.PresenceEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.presence[userId]
	return ev, ok
}

// HandleEvent folds one server frame into the local state. Responses are
// ignored; they only acknowledge frames this side sent.
func (s *Synchronizer) HandleEvent(msg *server.ServerMessage) {
	var markRead *server.ClientMessage

	s.mu.Lock()
	switch {
	case msg.MessageReceived != nil:
		markRead = s.messageReceived(*msg.MessageReceived)
	case msg.UserTyping != nil:
		s.typing[msg.UserTyping.ConversationId] = msg.UserTyping.UserId
	case msg.UserStopTyping != nil:
		ev := msg.UserStopTyping
		if s.typing[ev.ConversationId] == ev.UserId {
			delete(s.typing, ev.ConversationId)
		}
	case msg.MessagesRead != nil:
		s.messagesRead(*msg.MessagesRead)
	case msg.UserOnline != nil:
		s.presence[msg.UserOnline.UserId] = *msg.UserOnline
	case msg.UserOffline != nil:
		s.presence[msg.UserOffline.UserId] = *msg.UserOffline
	case msg.PresenceSnapshot != nil:
		// the snapshot only names online users; everyone else we knew of
		// went offline while we were not listening
		for userId, ev := range s.presence {
			ev.IsOnline = false
			s.presence[userId] = ev
		}
		for _, ev := range msg.PresenceSnapshot.Users {
			s.presence[ev.UserId] = ev
		}
	}
	s.mu.Unlock()

	if markRead != nil && s.emit != nil {
		s.emit.Emit(markRead)
	}
}

func (s *Synchronizer) messageReceived(msg types.Message) *server.ClientMessage {
	fromPeer := msg.SenderId != s.self.UserId

	if s.typing[msg.ConversationId] == msg.SenderId {
		delete(s.typing, msg.ConversationId)
	}

	if i := s.indexOf(msg.ConversationId); i >= 0 {
		conv := &s.conversations[i]
		conv.LastMessage = &types.LastMessage{
			Content:   msg.Content,
			SenderId:  msg.SenderId,
			CreatedAt: msg.CreatedAt,
		}
		if msg.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = msg.CreatedAt
		}
		if fromPeer && msg.ConversationId != s.active {
			if conv.UnreadCount == nil {
				conv.UnreadCount = make(map[string]int)
			}
			conv.UnreadCount[s.self.UserId]++
		}
		sortConversations(s.conversations)
	}

	if msg.ConversationId != s.active {
		return nil
	}

	if slices.ContainsFunc(s.window, func(m types.Message) bool { return m.Id == msg.Id }) {
		return nil
	}
	s.window = append(s.window, msg)

	if !fromPeer {
		return nil
	}

	return &server.ClientMessage{
		MarkRead: &server.MarkRead{
			ConversationId: msg.ConversationId,
			SenderId:       msg.SenderId,
			RecipientId:    s.self.UserId,
		},
	}
}

func (s *Synchronizer) messagesRead(ev server.MessagesRead) {
	if ev.ConversationId != s.active || ev.ReadBy == s.self.UserId {
		return
	}

	for i := range s.window {
		if s.window[i].SenderId == s.self.UserId {
			s.window[i].Advance(types.StatusRead, ev.ReadAt)
		}
	}
}

func (s *Synchronizer) indexOf(conversationId string) int {
	if conversationId == "" {
		return -1
	}
	return slices.IndexFunc(s.conversations, func(c types.Conversation) bool { return c.Id == conversationId })
}

func sortConversations(convs []types.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
