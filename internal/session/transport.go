package session

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-supportchat/internal/server"
)

var ErrNotConnected = errors.New("not connected")

const writeWait = 10 * time.Second

// Transport keeps a websocket open to the gateway, reconnecting with
// exponential backoff. OnConnect runs after every successful dial, before
// any event of that connection is handled.
type Transport struct {
	log       *log.Logger
	url       string
	token     string
	dialer    *websocket.Dialer
	OnConnect func(ctx context.Context) error
	OnEvent   func(msg *server.ServerMessage)
	newPolicy func() backoff.BackOff

	mu     sync.Mutex
	conn   *websocket.Conn
	nextId int
}

func NewTransport(logger *log.Logger, wsURL, token string) *Transport {
	return &Transport{
		log:    logger,
		url:    wsURL,
		token:  token,
		dialer: websocket.DefaultDialer,
		newPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Emit sends msg on the current connection, numbering it.
func (t *Transport) Emit(msg *server.ClientMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	t.nextId++
	msg.Id = t.nextId
	msg.Timestamp = time.Now().UTC()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(msg)
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return conn, nil
}

// Run holds the connection open until ctx is done or the gateway rejects
// the token.
func (t *Transport) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		err := backoff.RetryNotify(func() error {
			var err error
			conn, err = t.dial(ctx)
			return err
		}, backoff.WithContext(t.newPolicy(), ctx), func(err error, next time.Duration) {
			t.log.Printf("connect failed: %v, retrying in %s", err, next)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		if t.OnConnect != nil {
			if err := t.OnConnect(ctx); err != nil {
				t.log.Printf("resync: %v", err)
			}
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		t.readLoop(conn)
		close(done)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.log.Println("connection lost, reconnecting")
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		var msg server.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Printf("read: %v", err)
			}
			return
		}

		if msg.Response != nil && msg.Response.ResponseCode >= http.StatusBadRequest {
			t.log.Printf("frame %d rejected: %d %s", msg.Id, msg.Response.ResponseCode, msg.Response.Error)
		}
		if t.OnEvent != nil {
			t.OnEvent(&msg)
		}
	}
}
