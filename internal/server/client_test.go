package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/testutil"
	"github.com/npezzotti/go-supportchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
		UserId: "not serialized",
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	assert.NotPanics(t, c.stopClient, "expected stopping twice to be safe")

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func TestNewClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{})
	a := newTestClient(cs, "u1", types.RoleSubmitter)
	b := newTestClient(cs, "u1", types.RoleSubmitter)

	assert.NotEmpty(t, a.handle, "expected a connection handle")
	assert.NotEqual(t, a.handle, b.handle, "expected every connection to get its own handle")
	assert.False(t, a.isActive(), "expected new connections to start inactive")
	assert.Equal(t, types.Participant{UserId: "u1", Role: types.RoleSubmitter}, a.Identity())
}

// TestClient_Pumps drives a real websocket connection through the read and
// write pumps.
// dialClient serves a single gateway connection for p and dials it.
func dialClient(t *testing.T, cs *ChatServer, p types.Participant) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := NewClient(p, conn, cs, cs.log)
		if err := cs.Register(c); err != nil {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

// readResponse reads frames until the response to id arrives.
func readResponse(t *testing.T, conn *websocket.Conn, id int) *Response {
	t.Helper()
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg), "expected a response to frame %d", id)
		if msg.Response != nil && msg.Id == id {
			return msg.Response
		}
	}
}

func TestClient_Pumps(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryChatRepository())
	runChatServer(t, cs)

	conn := dialClient(t, cs, types.Participant{UserId: "u1", Role: types.RoleSubmitter})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var resp ServerMessage
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Response)
	assert.Equal(t, http.StatusBadRequest, resp.Response.ResponseCode)

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 1, "announce-presence": map[string]any{}}))

	var gotAck, gotOnline bool
	for !gotAck || !gotOnline {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Response != nil {
			assert.Equal(t, 1, msg.Id)
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
			gotAck = true
		}
		if msg.UserOnline != nil {
			assert.Equal(t, "u1", msg.UserOnline.UserId)
			gotOnline = true
		}
	}

	assert.True(t, cs.registry.IsOnline("u1"))

	conn.Close()
	assert.Eventually(t, func() bool { return !cs.registry.IsOnline("u1") }, time.Second, 10*time.Millisecond,
		"expected closing the transport to take the user offline")
}

func TestClient_LargestValidFrames(t *testing.T) {
	repo := database.NewMemoryChatRepository()
	cs := newTestChatServer(t, repo)
	runChatServer(t, cs)

	conv, err := repo.ResolveOrCreateConversation(context.Background(), submitter, managerA)
	require.NoError(t, err)

	conn := dialClient(t, cs, submitter)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 1, "announce-presence": map[string]any{}}))
	require.Equal(t, http.StatusOK, readResponse(t, conn, 1).ResponseCode)

	sendFrame := func(id int, content string) []byte {
		frame, err := json.Marshal(map[string]any{
			"id":           id,
			"send-message": map[string]any{"conversation_id": conv.Id, "content": content},
		})
		require.NoError(t, err)
		return frame
	}

	tcases := []struct {
		name  string
		frame []byte
		code  int
	}{
		{
			name:  "four-byte runes at the limit",
			frame: sendFrame(2, strings.Repeat("😀", MaxContentRunes)),
			code:  http.StatusAccepted,
		},
		{
			name:  "html-escaped runes at the limit",
			frame: sendFrame(3, strings.Repeat("<", MaxContentRunes)),
			code:  http.StatusAccepted,
		},
		{
			name: "surrogate pair escapes at the limit",
			frame: []byte(`{"id":4,"send-message":{"conversation_id":"` + conv.Id + `","content":"` +
				strings.Repeat(`\ud83d\ude00`, MaxContentRunes) + `"}}`),
			code: http.StatusAccepted,
		},
		{
			name:  "one rune over the limit",
			frame: sendFrame(5, strings.Repeat("😀", MaxContentRunes+1)),
			code:  http.StatusBadRequest,
		},
	}

	for i, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.LessOrEqual(t, len(tc.frame), maxMessageSize)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, tc.frame))

			resp := readResponse(t, conn, i+2)
			assert.Equal(t, tc.code, resp.ResponseCode)
			assert.True(t, cs.registry.IsOnline("u1"), "expected the connection to stay open")
		})
	}

	_, total, err := repo.PageMessages(context.Background(), conv.Id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}
