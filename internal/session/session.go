package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/npezzotti/go-supportchat/internal/server"
	"github.com/npezzotti/go-supportchat/internal/types"
)

const historyPageSize = 50

var ErrNoActiveConversation = errors.New("no active conversation")

// Session is one signed-in user's chat client: REST for snapshots, the
// transport for events, the synchronizer for local state.
type Session struct {
	log       *log.Logger
	self      types.Participant
	rest      *RESTClient
	transport *Transport
	sync      *Synchronizer

	mu     sync.Mutex
	typist *Typist
}

// New builds a session against an API at baseURL ("http://host:port").
func New(logger *log.Logger, self types.Participant, baseURL, token string) *Session {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"

	s := &Session{
		log:       logger,
		self:      self,
		rest:      NewRESTClient(baseURL, token, nil),
		transport: NewTransport(logger, wsURL, token),
	}
	s.sync = NewSynchronizer(self, s.transport)
	s.transport.OnConnect = s.resync
	s.transport.OnEvent = s.handleEvent

	return s
}

func (s *Session) Self() types.Participant {
	return s.self
}

func (s *Session) State() *Synchronizer {
	return s.sync
}

func (s *Session) REST() *RESTClient {
	return s.rest
}

// OnEvent registers an extra observer that runs after each frame has been
// folded into the local state.
func (s *Session) OnEvent(f func(msg *server.ServerMessage)) {
	s.transport.OnEvent = func(msg *server.ServerMessage) {
		s.handleEvent(msg)
		f(msg)
	}
}

func (s *Session) handleEvent(msg *server.ServerMessage) {
	s.sync.HandleEvent(msg)

	// a peer opened a conversation we have never listed
	if msg.MessageReceived != nil && !s.sync.Known(msg.MessageReceived.ConversationId) {
		go s.refresh(context.Background())
	}
}

func (s *Session) refresh(ctx context.Context) {
	convs, err := s.rest.ListConversations(ctx)
	if err != nil {
		s.log.Printf("refresh conversations: %v", err)
		return
	}
	s.sync.SetConversations(convs)
}

// Run connects and keeps the session live until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	return s.transport.Run(ctx)
}

// resync runs on every (re)connect. Nothing missed while disconnected is
// replayed; the list and presence are fetched fresh instead.
func (s *Session) resync(ctx context.Context) error {
	if err := s.transport.Emit(&server.ClientMessage{AnnouncePresence: &server.AnnouncePresence{}}); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}

	convs, err := s.rest.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	s.sync.SetConversations(convs)

	if conv, ok := s.sync.Active(); ok {
		if err := s.OpenConversation(ctx, conv.Id); err != nil {
			return err
		}
	}

	if err := s.transport.Emit(&server.ClientMessage{GetPresence: &server.GetPresence{}}); err != nil {
		return fmt.Errorf("get presence: %w", err)
	}
	return nil
}

// StartConversation resolves the conversation with other and opens it.
func (s *Session) StartConversation(ctx context.Context, other types.Participant) (types.Conversation, error) {
	conv, err := s.rest.CreateConversation(ctx, other)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.sync.UpsertConversation(conv)

	if err := s.OpenConversation(ctx, conv.Id); err != nil {
		return conv, err
	}
	return conv, nil
}

// OpenConversation loads the newest page of history and marks it read.
func (s *Session) OpenConversation(ctx context.Context, conversationId string) error {
	messages, _, err := s.rest.PageMessages(ctx, conversationId, historyPageSize, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.sync.Open(conversationId, messages)

	s.mu.Lock()
	if s.typist != nil {
		s.typist.Send()
	}
	s.typist = nil
	if conv, ok := s.sync.Active(); ok {
		if peer, ok := conv.Other(s.self.UserId); ok {
			s.typist = NewTypist(s.transport, conv.Id, peer.UserId)
		}
	}
	s.mu.Unlock()

	if _, err := s.rest.MarkRead(ctx, conversationId); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// KeyPress feeds the typing indicator of the active conversation.
func (s *Session) KeyPress() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.typist != nil {
		s.typist.KeyPress()
	}
}

// Send posts content to the active conversation. The message shows up in
// the window once the gateway echoes it back.
func (s *Session) Send(content string) error {
	conv, ok := s.sync.Active()
	if !ok {
		return ErrNoActiveConversation
	}

	s.mu.Lock()
	if s.typist != nil {
		s.typist.Send()
	}
	s.mu.Unlock()

	return s.transport.Emit(&server.ClientMessage{
		SendMessage: &server.SendMessage{
			ConversationId: conv.Id,
			Content:        content,
		},
	})
}
