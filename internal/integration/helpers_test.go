package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"campuschat/internal/app"
	"campuschat/internal/config"
	"campuschat/pkg/types"
)

// system is a full server on a loopback port backed by a fresh SQLite file.
type system struct {
	app *app.Application
	ids map[string]int64
}

func startSystem(t *testing.T, usernames ...string) *system {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "chat.db")
	cfg.Database.WriteRetryDelay = 10 * time.Millisecond
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Auth.JWTSecret = "integration-secret"
	cfg.Chat.RateLimitPerSecond = 0

	application, err := app.NewApplication(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	s := &system{app: application, ids: make(map[string]int64)}
	for _, name := range usernames {
		identity, err := application.Database().CreateIdentity(context.Background(), name, name, name+".jpg")
		require.NoError(t, err)
		s.ids[name] = identity.ID
	}

	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return s
}

func (s *system) token(t *testing.T, username string) string {
	t.Helper()
	token, err := s.app.Authenticator().IssueToken(username, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *system) get(t *testing.T, path, username string, into any) int {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, "http://"+s.app.GetAddr()+path, nil)
	require.NoError(t, err)
	if username != "" {
		r.Header.Set("Authorization", "Bearer "+s.token(t, username))
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if into != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

// client is one browser tab.
type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *system) connect(t *testing.T, username string) *client {
	t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + s.token(t, username)}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.app.GetAddr()+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func (c *client) next() types.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env types.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// until skips presence and other frames until event arrives.
func (c *client) until(event string) types.Envelope {
	c.t.Helper()
	for {
		if env := c.next(); env.Event == event {
			return env
		}
	}
}

// online waits for a presence broadcast equal to want.
func (c *client) online(want ...string) {
	c.t.Helper()
	for {
		env := c.until(types.EventUpdateOnlineUsers)
		var users []string
		require.NoError(c.t, json.Unmarshal(env.Data, &users))
		if len(users) == len(want) {
			require.Equal(c.t, want, users)
			return
		}
	}
}

// quiet asserts nothing arrives for a short while.
func (c *client) quiet() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", data)
}

func decodeData[T any](t *testing.T, env types.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}
