package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"campuschat/internal/auth"
	"campuschat/internal/dispatch"
	"campuschat/internal/hub"
	"campuschat/internal/mocks"
	"campuschat/internal/room"
	"campuschat/internal/session"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

type testServer struct {
	server   *httptest.Server
	handler  *Handler
	auth     *auth.Authenticator
	registry *session.Registry
	presence *hub.Hub
	store    *mocks.MockMessageStore
}

func newTestServer(t *testing.T, settings Settings) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := gomock.NewController(t)

	directory := mocks.NewMockIdentityDirectory(ctrl)
	for i, name := range []string{"alice", "bob", "carol"} {
		directory.EXPECT().LookupByUsername(gomock.Any(), name).
			Return(&types.Identity{ID: int64(i + 1), Username: name, ProfilePicture: name + ".jpg"}, nil).AnyTimes()
	}
	directory.EXPECT().LookupByUsername(gomock.Any(), gomock.Any()).Return(nil, interfaces.ErrIdentityNotFound).AnyTimes()
	store := mocks.NewMockMessageStore(ctrl)

	authenticator, err := auth.NewAuthenticator("test-secret", "campuschat_session", directory)
	require.NoError(t, err)

	registry := session.NewRegistry()
	rooms := room.NewRouter()
	presence := hub.NewHub(registry, rooms, hub.Options{Logger: logger})
	require.NoError(t, presence.Start(context.Background()))

	dispatcher := dispatch.NewDispatcher(registry, rooms, store, directory, dispatch.Options{MaxMessageLength: 2000, Logger: logger})
	handler := NewHandler(authenticator, presence, dispatcher, settings, nil, logger)
	server := httptest.NewServer(handler)

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = handler.CloseAll(ctx)
		_ = presence.Stop()
	})

	return &testServer{server: server, handler: handler, auth: authenticator, registry: registry, presence: presence, store: store}
}

func (s *testServer) url(token string) string {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (s *testServer) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	token, err := s.auth.IssueToken(username, time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(s.url(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil skips frames until event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) types.Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Event == event {
			return env
		}
	}
}

func onlineUsers(t *testing.T, env types.Envelope) []string {
	t.Helper()
	require.Equal(t, types.EventUpdateOnlineUsers, env.Event)
	var users []string
	require.NoError(t, json.Unmarshal(env.Data, &users))
	return users
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t, DefaultSettings())

	_, resp, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(s.url("garbage"), nil)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	ghost, err := s.auth.IssueToken("ghost", time.Hour)
	req.NoError(err)
	_, resp, err = websocket.DefaultDialer.Dial(s.url(ghost), nil)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_RejectsNonGet(t *testing.T) {
	s := newTestServer(t, DefaultSettings())
	resp, err := http.Post(s.server.URL, "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandler_RejectsDisallowedOrigin(t *testing.T) {
	req := require.New(t)
	settings := DefaultSettings()
	settings.AllowedOrigins = []string{"https://campus.example"}
	s := newTestServer(t, settings)

	token, err := s.auth.IssueToken("alice", time.Hour)
	req.NoError(err)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(s.url(token), header)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://campus.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(s.url(token), header)
	req.NoError(err)
	_ = conn.Close()
}

func TestHandler_PresenceLifecycle(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t, DefaultSettings())

	alice := s.dial(t, "alice")
	req.Equal([]string{"alice"}, onlineUsers(t, readEnvelope(t, alice)))

	bob := s.dial(t, "bob")
	req.Equal([]string{"alice", "bob"}, onlineUsers(t, readEnvelope(t, bob)))
	req.Equal([]string{"alice", "bob"}, onlineUsers(t, readEnvelope(t, alice)))

	// abrupt drop: no close frame
	req.NoError(bob.UnderlyingConn().Close())

	req.Equal([]string{"alice"}, onlineUsers(t, readEnvelope(t, alice)))
	stop := readEnvelope(t, alice)
	req.Equal(types.EventUserTypingStop, stop.Event)
	req.JSONEq(`{"username":"bob"}`, string(stop.Data))

	req.Eventually(func() bool { return !s.registry.IsOnline("bob") }, time.Second, 10*time.Millisecond)
}

func TestHandler_MissedPongsDisconnect(t *testing.T) {
	req := require.New(t)
	settings := DefaultSettings()
	settings.PingInterval = 50 * time.Millisecond
	settings.ReadTimeout = 200 * time.Millisecond
	s := newTestServer(t, settings)

	alice := s.dial(t, "alice")
	req.Equal([]string{"alice"}, onlineUsers(t, readEnvelope(t, alice)))

	// bob never reads, so never answers a ping
	s.dial(t, "bob")
	req.Equal([]string{"alice", "bob"}, onlineUsers(t, readEnvelope(t, alice)))

	// alice keeps reading and answering pings while bob times out
	req.Equal([]string{"alice"}, onlineUsers(t, readUntil(t, alice, types.EventUpdateOnlineUsers)))
	req.True(s.registry.IsOnline("alice"))
}

func TestHandler_RoutesEvents(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t, DefaultSettings())
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	recipient := int64(2)

	s.store.EXPECT().InsertMessage(gomock.Any(), int64(1), int64(2), "hi").
		Return(&types.ChatMessage{ID: 1, SenderID: 1, RecipientID: &recipient, Body: "hi", CreatedAt: at}, nil)

	alice := s.dial(t, "alice")
	readEnvelope(t, alice)
	bob := s.dial(t, "bob")
	readEnvelope(t, bob)
	readEnvelope(t, alice)

	req.NoError(alice.WriteJSON(map[string]any{
		"event": "private_message",
		"data":  map[string]string{"recipient_username": "bob", "message": "hi"},
	}))

	live := readEnvelope(t, bob)
	req.Equal(types.EventNewPrivateMessage, live.Event)
	req.JSONEq(`{"username":"alice","profile_picture":"alice.jpg","text":"hi","timestamp":"2026-05-01T10:00:00Z"}`, string(live.Data))

	notice := readEnvelope(t, bob)
	req.Equal(types.EventUnreadMessageNotification, notice.Event)
	req.JSONEq(`{"sender":"alice"}`, string(notice.Data))

	// a bad frame is dropped and the connection stays usable
	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	req.NoError(alice.WriteJSON(map[string]any{"event": "new_message", "data": map[string]string{"message": "lobby"}}))

	req.Equal(types.EventNewPrivateMessage, readEnvelope(t, alice).Event)
	lobby := readEnvelope(t, alice)
	req.Equal(types.EventChatMessage, lobby.Event)
	req.JSONEq(`{"username":"alice","profile_picture":"alice.jpg","text":"lobby"}`, string(lobby.Data))
}

func TestHandler_AnonymousConnectionsAreInert(t *testing.T) {
	req := require.New(t)
	settings := DefaultSettings()
	settings.AllowAnonymous = true
	s := newTestServer(t, settings)

	anon, _, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	req.NoError(err)
	defer func() { _ = anon.Close() }()

	alice := s.dial(t, "alice")
	req.Equal([]string{"alice"}, onlineUsers(t, readEnvelope(t, alice)))

	req.NoError(anon.WriteJSON(map[string]any{"event": "new_message", "data": map[string]string{"message": "boo"}}))

	expectSilence(t, alice)
	expectSilence(t, anon)
	req.Equal([]string{"alice"}, s.registry.Snapshot())
	req.Equal(2, s.handler.ActiveConnections())
}

func TestHandler_CloseAll(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t, DefaultSettings())

	alice := s.dial(t, "alice")
	readEnvelope(t, alice)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req.NoError(s.handler.CloseAll(ctx))

	req.Zero(s.handler.ActiveConnections())
	req.False(s.registry.IsOnline("alice"))
}

func TestHandler_RefusesUpgradesAfterCloseAll(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t, DefaultSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req.NoError(s.handler.CloseAll(ctx))

	token, err := s.auth.IssueToken("alice", time.Hour)
	req.NoError(err)
	_, resp, err := websocket.DefaultDialer.Dial(s.url(token), nil)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)

	req.Zero(s.handler.ActiveConnections())
	req.False(s.registry.IsOnline("alice"))
}

func TestHandler_UntracksConnectionTheHubRefused(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t, DefaultSettings())
	req.NoError(s.presence.Stop())

	alice := s.dial(t, "alice")
	req.NoError(alice.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := alice.ReadMessage()
	req.Error(err)

	req.Zero(s.handler.ActiveConnections())
	req.False(s.registry.IsOnline("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(s.handler.CloseAll(ctx))
}
