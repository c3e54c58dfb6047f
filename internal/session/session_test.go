package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-supportchat/internal/api"
	"github.com/npezzotti/go-supportchat/internal/auth"
	"github.com/npezzotti/go-supportchat/internal/config"
	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/server"
	"github.com/npezzotti/go-supportchat/internal/stats"
	"github.com/npezzotti/go-supportchat/internal/testutil"
	"github.com/npezzotti/go-supportchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("session-test-key")

// startBackend runs the full service on an in-memory store.
func startBackend(t *testing.T) (*httptest.Server, *server.ChatServer) {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	repo := database.NewMemoryChatRepository()
	cs, err := server.NewChatServer(logger, repo, su, server.Options{})
	require.NoError(t, err)
	go cs.Run()

	app := api.NewSupportChatApp(http.NewServeMux(), logger, cs, repo, nil, &config.Config{SigningKey: signingKey})

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	return srv, cs
}

func startSession(t *testing.T, ctx context.Context, baseURL string, p types.Participant) *Session {
	t.Helper()

	token, err := auth.IssueToken(signingKey, auth.Identity{UserId: p.UserId, Role: p.Role}, time.Hour)
	require.NoError(t, err)

	s := New(testutil.TestLogger(t), p, baseURL, token)
	go s.Run(ctx)
	return s
}

func TestSession_EndToEnd(t *testing.T) {
	srv, cs := startBackend(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	submitter := startSession(t, ctx, srv.URL, self)
	manager := startSession(t, ctx, srv.URL, peer)

	wait := func(cond func() bool, msg string) {
		t.Helper()
		require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
	}

	wait(func() bool { return cs.Registry().IsOnline("u1") && cs.Registry().IsOnline("m1") }, "expected both users online")
	wait(func() bool {
		ev, ok := submitter.State().Presence("m1")
		return ok && ev.IsOnline
	}, "expected the submitter to see the manager online")

	conv, err := submitter.StartConversation(ctx, peer)
	require.NoError(t, err)

	again, err := submitter.REST().CreateConversation(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, conv.Id, again.Id, "expected the same conversation for the same pair")

	require.NoError(t, submitter.Send("Hello"))
	wait(func() bool { return len(submitter.State().Window()) == 1 }, "expected the sender to see its message once echoed")

	wait(func() bool {
		convs := manager.State().Conversations()
		return len(convs) == 1 && convs[0].LastMessage != nil && convs[0].LastMessage.Content == "Hello"
	}, "expected the manager to pick up the new conversation")

	require.NoError(t, manager.OpenConversation(ctx, conv.Id))
	require.Len(t, manager.State().Window(), 1)
	wait(func() bool {
		window := submitter.State().Window()
		return len(window) == 1 && window[0].Status == types.StatusRead
	}, "expected the read receipt to reach the sender")

	submitter.KeyPress()
	wait(func() bool {
		who, ok := manager.State().Typing(conv.Id)
		return ok && who == "u1"
	}, "expected the manager to see the typing indicator")

	require.NoError(t, submitter.Send("Second"))
	wait(func() bool {
		_, typing := manager.State().Typing(conv.Id)
		return !typing && len(manager.State().Window()) == 2
	}, "expected the message to clear the indicator")

	wait(func() bool {
		window := submitter.State().Window()
		return len(window) == 2 && window[1].Status == types.StatusRead
	}, "expected the open conversation to acknowledge new messages")
}

func TestSession_RejectedToken(t *testing.T) {
	srv, _ := startBackend(t)

	s := New(testutil.TestLogger(t), self, srv.URL, "not-a-token")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "expected the transport to give up instead of retrying")
}

func TestSession_SendWithoutConversation(t *testing.T) {
	s := New(testutil.TestLogger(t), self, "http://localhost:0", "token")
	assert.ErrorIs(t, s.Send("hi"), ErrNoActiveConversation)
}
