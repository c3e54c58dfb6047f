package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/presence"
	"github.com/npezzotti/go-supportchat/internal/stats"
	"github.com/npezzotti/go-supportchat/internal/types"
)

var ErrServerStopped = errors.New("chat server stopped")

type stopReq struct {
	done chan struct{}
}

type Options struct {
	// PresenceStore defaults to the chat repository.
	PresenceStore presence.Store
	// TypingTTL, when positive, ends a typing indicator that was never
	// followed by a stop.
	TypingTTL time.Duration
}

// ChatServer routes events between connections. Run owns the connection
// tables; every delivery goes through it so each connection sees events in
// the order they were routed.
type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	presenceStore  presence.Store
	registry       *presence.Registry
	stats          stats.StatsProvider
	validate       *validator.Validate
	typing         *typingTracker
	clients        map[*Client]struct{}
	userMap        map[string]map[*Client]struct{}
	registerChan   chan *Client
	deregisterChan chan *Client
	broadcastChan  chan *ServerMessage
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("chat repository is required")
	}

	ps := opts.PresenceStore
	if ps == nil {
		ps = db
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		presenceStore:  ps,
		registry:       presence.NewRegistry(),
		stats:          su,
		validate:       types.NewValidator(),
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[string]map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		broadcastChan:  make(chan *ServerMessage, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}
	cs.typing = newTypingTracker(opts.TypingTTL, cs.sendToUser)

	cs.stats.RegisterMetric(stats.NumActiveConnections)
	cs.stats.RegisterMetric(stats.NumOnlineUsers)
	cs.stats.RegisterMetric(stats.NumMessagesSent)
	cs.stats.RegisterMetric(stats.NumDroppedEvents)

	return cs, nil
}

// Registry exposes the live presence registry.
func (cs *ChatServer) Registry() *presence.Registry {
	return cs.registry
}

func (cs *ChatServer) Run() {
	for {
		select {
		case c := <-cs.registerChan:
			cs.addClient(c)
		case c := <-cs.deregisterChan:
			cs.removeClient(c)
		case msg := <-cs.broadcastChan:
			cs.handleBroadcast(msg)
		case req := <-cs.stop:
			cs.log.Println("shutting down chat server")
			for c := range cs.clients {
				c.stopClient()
			}
			cs.typing.stopAll()

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// Register adds a connection to the routing tables.
func (cs *ChatServer) Register(c *Client) error {
	select {
	case cs.registerChan <- c:
		return nil
	case <-cs.done:
		return ErrServerStopped
	}
}

func (cs *ChatServer) deregister(c *Client) {
	select {
	case cs.deregisterChan <- c:
	case <-cs.done:
	}
}

// broadcast hands msg to the routing loop.
func (cs *ChatServer) broadcast(msg *ServerMessage) {
	select {
	case cs.broadcastChan <- msg:
	case <-cs.done:
	}
}

func (cs *ChatServer) sendToUser(userId string, msg ServerMessage) {
	msg.UserId = userId
	cs.broadcast(&msg)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clients[c] = struct{}{}

	userId := c.identity.UserId
	if cs.userMap[userId] == nil {
		cs.userMap[userId] = make(map[*Client]struct{})
	}
	cs.userMap[userId][c] = struct{}{}

	cs.stats.Incr(stats.NumActiveConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)

	userId := c.identity.UserId
	delete(cs.userMap[userId], c)
	if len(cs.userMap[userId]) == 0 {
		delete(cs.userMap, userId)
	}

	cs.stats.Decr(stats.NumActiveConnections)
}

// handleBroadcast delivers msg to active connections without blocking: a
// connection whose queue is full misses the event.
func (cs *ChatServer) handleBroadcast(msg *ServerMessage) {
	deliver := func(c *Client) {
		if !c.isActive() {
			return
		}
		if !c.queueMessage(msg) {
			cs.stats.Incr(stats.NumDroppedEvents)
		}
	}

	if msg.UserId == "" {
		for c := range cs.clients {
			deliver(c)
		}
		return
	}

	for c := range cs.userMap[msg.UserId] {
		deliver(c)
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
