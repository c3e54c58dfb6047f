package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-supportchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseConstructors(t *testing.T) {
	tcases := []struct {
		name string
		msg  *ServerMessage
		code int
		err  string
	}{
		{name: "ok", msg: NoErrOK(1, map[string]any{"k": "v"}), code: http.StatusOK},
		{name: "accepted", msg: NoErrAccepted(1, nil), code: http.StatusAccepted},
		{name: "bad request", msg: ErrBadRequest(1, "bad"), code: http.StatusBadRequest, err: "bad"},
		{name: "forbidden", msg: ErrForbidden(1), code: http.StatusForbidden, err: "forbidden"},
		{name: "not found", msg: ErrConversationNotFound(1), code: http.StatusNotFound, err: "conversation not found"},
		{name: "not active", msg: ErrNotActive(1), code: http.StatusConflict, err: "presence not announced"},
		{name: "internal", msg: ErrInternalError(1), code: http.StatusInternalServerError, err: "internal server error"},
		{name: "unavailable", msg: ErrServiceUnavailable(1), code: http.StatusServiceUnavailable, err: "service unavailable"},
		{name: "invalid", msg: ErrInvalidMessage(1), code: http.StatusBadRequest, err: "invalid message format"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.msg.Response, "expected response to be non-nil")
			assert.Equal(t, 1, tc.msg.Id, "expected Id to match")
			assert.WithinDuration(t, time.Now(), tc.msg.Timestamp, time.Second, "expected Timestamp to be within 1 second")
			assert.Equal(t, tc.code, tc.msg.Response.ResponseCode)
			assert.Equal(t, tc.err, tc.msg.Response.Error)
		})
	}
}

func TestErrInvalidMessage_NoId(t *testing.T) {
	msg := ErrInvalidMessage(0)
	assert.Equal(t, 0, msg.Id, "expected no id when the frame could not be parsed")

	bytes, err := serializeMessage(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(bytes), `"id"`)
}

func TestClientMessage_Unmarshal(t *testing.T) {
	raw := `{"id":7,"send-message":{"conversation_id":"c1","sender_id":"u1","sender_role":"submitter","recipient_id":"m1","content":"hi"}}`

	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, 7, msg.Id)
	require.NotNil(t, msg.SendMessage)
	assert.Equal(t, SendMessage{
		ConversationId: "c1",
		SenderId:       "u1",
		SenderRole:     types.RoleSubmitter,
		RecipientId:    "m1",
		Content:        "hi",
	}, *msg.SendMessage)
	assert.Nil(t, msg.Typing)
	assert.Nil(t, msg.MarkRead)
}

func TestNewPresenceEvent(t *testing.T) {
	seen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	online := newPresenceEvent(types.PresenceRecord{UserId: "u1", Role: types.RoleSubmitter, IsOnline: true, LastSeen: seen})
	assert.True(t, online.IsOnline)
	assert.Nil(t, online.LastSeen, "expected no last seen for online users")

	offline := newPresenceEvent(types.PresenceRecord{UserId: "u1", Role: types.RoleSubmitter, LastSeen: seen})
	require.NotNil(t, offline.LastSeen)
	assert.Equal(t, seen, *offline.LastSeen)
}

func TestSendMessage_ContentLimit(t *testing.T) {
	field, ok := reflect.TypeOf(SendMessage{}).FieldByName("Content")
	require.True(t, ok)
	assert.Contains(t, field.Tag.Get("validate"), fmt.Sprintf("max=%d", MaxContentRunes))

	validate := types.NewValidator()
	tcases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "at the limit", content: strings.Repeat("界", MaxContentRunes)},
		{name: "over the limit", content: strings.Repeat("界", MaxContentRunes+1), wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := validate.Struct(&SendMessage{ConversationId: "c1", Content: tc.content})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
