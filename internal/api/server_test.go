package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"campuschat/internal/auth"
	"campuschat/internal/metrics"
	"campuschat/internal/mocks"
	"campuschat/internal/room"
	"campuschat/internal/session"
	"campuschat/internal/testutil"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

type fixture struct {
	server   *Server
	db       *mocks.MockDatabaseManager
	registry *session.Registry
	auth     *auth.Authenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := mocks.NewMockDatabaseManager(gomock.NewController(t))
	registry := session.NewRegistry()
	authenticator, err := auth.NewAuthenticator("api-secret", "campuschat_session", db)
	require.NoError(t, err)

	collector := metrics.New()
	server := NewServer(Options{
		Database: db,
		Presence: registry,
		Rooms:    room.NewRouter(),
		Auth:     authenticator,
		Metrics:  collector.Handler(),
	})
	return &fixture{server: server, db: db, registry: registry, auth: authenticator}
}

func (f *fixture) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	_, err := f.registry.Register(testutil.NewFakeConnection(testutil.Identity(1, "alice")))
	req.NoError(err)

	f.db.EXPECT().HealthCheck(gomock.Any()).Return(nil)
	w := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	req.Equal(http.StatusOK, w.Code)
	req.Equal("application/json", w.Header().Get("Content-Type"))

	body := decode[HealthResponse](t, w)
	req.Equal("healthy", body.Status)
	req.Equal(1, body.Connections["online_users"])
	req.Equal(0, body.Rooms["active_rooms"])

	f.db.EXPECT().HealthCheck(gomock.Any()).Return(errors.New("disk gone"))
	w = f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	req.Equal(http.StatusServiceUnavailable, w.Code)
	req.Contains(decode[HealthResponse](t, w).Database, "disk gone")
}

func TestServer_Presence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	for i, name := range []string{"carol", "alice"} {
		_, err := f.registry.Register(testutil.NewFakeConnection(testutil.Identity(int64(i+1), name)))
		req.NoError(err)
	}

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/presence", nil))
	req.Equal(http.StatusOK, w.Code)
	req.Equal(PresenceResponse{Online: []string{"alice", "carol"}, Count: 2}, decode[PresenceResponse](t, w))

	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/presence", nil))
	req.Equal(http.StatusMethodNotAllowed, w.Code)
}

func TestServer_UserPresence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	seen := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	alice := testutil.Identity(1, "alice")
	_, err := f.registry.Register(testutil.NewFakeConnection(alice))
	req.NoError(err)

	f.db.EXPECT().LookupByUsername(gomock.Any(), "alice").Return(alice, nil)
	f.db.EXPECT().LookupByUsername(gomock.Any(), "bob").
		Return(&types.Identity{ID: 2, Username: "bob", ProfilePicture: "bob.jpg", LastSeen: &seen}, nil)
	f.db.EXPECT().LookupByUsername(gomock.Any(), "ghost").Return(nil, interfaces.ErrIdentityNotFound)
	f.db.EXPECT().LookupByUsername(gomock.Any(), "broken").Return(nil, errors.New("locked"))

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/users/alice/presence", nil))
	req.Equal(http.StatusOK, w.Code)
	req.True(decode[UserPresenceResponse](t, w).Online)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/users/bob/presence", nil))
	req.Equal(http.StatusOK, w.Code)
	bob := decode[UserPresenceResponse](t, w)
	req.False(bob.Online)
	req.NotNil(bob.LastSeen)
	req.True(seen.Equal(*bob.LastSeen))

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/users/ghost/presence", nil))
	req.Equal(http.StatusNotFound, w.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/users/broken/presence", nil))
	req.Equal(http.StatusInternalServerError, w.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/users/not%20valid/presence", nil))
	req.Equal(http.StatusBadRequest, w.Code)
}

func TestServer_UnreadCounts(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/messages/unread", nil))
	req.Equal(http.StatusUnauthorized, w.Code)

	token, err := f.auth.IssueToken("bob", time.Hour)
	req.NoError(err)

	f.db.EXPECT().LookupByUsername(gomock.Any(), "bob").Return(testutil.Identity(2, "bob"), nil).Times(2)
	f.db.EXPECT().UnreadCounts(gomock.Any(), int64(2)).Return(map[string]int{"alice": 2, "carol": 1}, nil)
	f.db.EXPECT().UnreadCounts(gomock.Any(), int64(2)).Return(nil, errors.New("busy"))

	r := httptest.NewRequest(http.MethodGet, "/api/messages/unread", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = f.do(t, r)
	req.Equal(http.StatusOK, w.Code)
	req.Equal(UnreadResponse{Unread: map[string]int{"alice": 2, "carol": 1}, Total: 3}, decode[UnreadResponse](t, w))

	r = httptest.NewRequest(http.MethodGet, "/api/messages/unread", nil)
	r.AddCookie(&http.Cookie{Name: "campuschat_session", Value: token})
	w = f.do(t, r)
	req.Equal(http.StatusInternalServerError, w.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodOptions, "/api/presence", nil))
	req.Equal(http.StatusOK, w.Code)
	req.Equal("*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	req.Equal(http.StatusOK, w.Code)
	req.Contains(w.Body.String(), "campuschat_online_users")
}
