package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dbconfig "campuschat/pkg/database"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	config.WriteRetryDelay = 10 * time.Millisecond

	manager, err := NewManager(config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	require.NoError(t, dbconfig.NewMigrationManager(manager.GetDB(), "").ApplyMigrations())
	return manager
}

func seedIdentities(t *testing.T, m *Manager, usernames ...string) map[string]*types.Identity {
	t.Helper()
	out := make(map[string]*types.Identity, len(usernames))
	for _, username := range usernames {
		identity, err := m.CreateIdentity(context.Background(), username, username, username+".jpg")
		require.NoError(t, err)
		out[username] = identity
	}
	return out
}

func TestNewManager_InvalidConfig(t *testing.T) {
	_, err := NewManager(&dbconfig.Config{}, nil)
	require.Error(t, err)
}

func TestManager_LookupByUsername(t *testing.T) {
	req := require.New(t)
	m := setupTestDB(t)
	ctx := context.Background()
	ids := seedIdentities(t, m, "alice")

	identity, err := m.LookupByUsername(ctx, "alice")
	req.NoError(err)
	req.Equal(ids["alice"].ID, identity.ID)
	req.Equal("alice.jpg", identity.ProfilePicture)
	req.Nil(identity.LastSeen)

	_, err = m.LookupByUsername(ctx, "ghost")
	req.ErrorIs(err, interfaces.ErrIdentityNotFound)
}

func TestManager_CreateIdentity(t *testing.T) {
	req := require.New(t)
	m := setupTestDB(t)
	ctx := context.Background()

	identity, err := m.CreateIdentity(ctx, "carol", "Carol", "")
	req.NoError(err)
	req.Equal("default.jpg", identity.ProfilePicture)

	_, err = m.CreateIdentity(ctx, "carol", "Carol again", "")
	req.Error(err, "usernames are unique")

	_, err = m.CreateIdentity(ctx, "bad name", "", "")
	req.Error(err)
}

func TestManager_InsertAndQueryBetween(t *testing.T) {
	req := require.New(t)
	m := setupTestDB(t)
	ctx := context.Background()
	ids := seedIdentities(t, m, "alice", "bob", "carol")
	a, b, c := ids["alice"].ID, ids["bob"].ID, ids["carol"].ID

	first, err := m.InsertMessage(ctx, a, b, "hi")
	req.NoError(err)
	req.NotZero(first.ID)
	req.False(first.Read)
	req.Equal(b, *first.RecipientID)
	req.False(first.CreatedAt.IsZero())

	_, err = m.InsertMessage(ctx, b, a, "hello")
	req.NoError(err)
	_, err = m.InsertMessage(ctx, a, c, "other pair")
	req.NoError(err)

	history, err := m.QueryBetween(ctx, b, a)
	req.NoError(err)
	req.Len(history, 2)
	req.Equal("hi", history[0].Body)
	req.Equal("hello", history[1].Body)
	req.False(history[0].CreatedAt.After(history[1].CreatedAt))

	symmetric, err := m.QueryBetween(ctx, a, b)
	req.NoError(err)
	req.Equal(history, symmetric)

	empty, err := m.QueryBetween(ctx, b, c)
	req.NoError(err)
	req.Empty(empty)
}

func TestManager_InsertRejectsUnknownIdentity(t *testing.T) {
	m := setupTestDB(t)
	ids := seedIdentities(t, m, "alice")

	_, err := m.InsertMessage(context.Background(), ids["alice"].ID, 9999, "x")
	require.Error(t, err)
}

func TestManager_MarkReadIdempotent(t *testing.T) {
	req := require.New(t)
	m := setupTestDB(t)
	ctx := context.Background()
	ids := seedIdentities(t, m, "alice", "bob", "carol")
	a, b, c := ids["alice"].ID, ids["bob"].ID, ids["carol"].ID

	for _, body := range []string{"one", "two"} {
		_, err := m.InsertMessage(ctx, a, b, body)
		req.NoError(err)
	}
	_, err := m.InsertMessage(ctx, c, b, "from carol")
	req.NoError(err)

	counts, err := m.UnreadCounts(ctx, b)
	req.NoError(err)
	req.Equal(map[string]int{"alice": 2, "carol": 1}, counts)

	changed, err := m.MarkRead(ctx, b, a)
	req.NoError(err)
	req.EqualValues(2, changed)

	changed, err = m.MarkRead(ctx, b, a)
	req.NoError(err)
	req.Zero(changed)

	counts, err = m.UnreadCounts(ctx, b)
	req.NoError(err)
	req.Equal(map[string]int{"carol": 1}, counts)

	history, err := m.QueryBetween(ctx, a, b)
	req.NoError(err)
	for _, msg := range history {
		req.True(msg.Read)
	}
}

func TestManager_TouchLastSeen(t *testing.T) {
	req := require.New(t)
	m := setupTestDB(t)
	ctx := context.Background()
	ids := seedIdentities(t, m, "alice")

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	req.NoError(m.TouchLastSeen(ctx, ids["alice"].ID, at))

	identity, err := m.LookupByUsername(ctx, "alice")
	req.NoError(err)
	req.NotNil(identity.LastSeen)
	req.True(at.Equal(*identity.LastSeen))
}

func TestManager_ConcurrentWrites(t *testing.T) {
	req := require.New(t)
	m := setupTestDB(t)
	ctx := context.Background()
	ids := seedIdentities(t, m, "alice", "bob")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.InsertMessage(ctx, ids["alice"].ID, ids["bob"].ID, "burst")
			req.NoError(err)
		}()
	}
	wg.Wait()

	history, err := m.QueryBetween(ctx, ids["alice"].ID, ids["bob"].ID)
	req.NoError(err)
	req.Len(history, 20)
	for i := 1; i < len(history); i++ {
		req.Greater(history[i].ID, history[i-1].ID)
	}
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	req := require.New(t)
	m := setupTestDB(t)
	ctx := context.Background()

	req.NoError(m.HealthCheck(ctx))
	req.NoError(m.Close())
	req.NoError(m.Close())

	_, err := m.InsertMessage(ctx, 1, 2, "late")
	req.ErrorIs(err, ErrManagerClosed)
}

func TestManager_WriteHonorsCancelledContext(t *testing.T) {
	m := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// either the queue accepted it before noticing ctx, or ctx won; both are valid
	err := m.TouchLastSeen(ctx, 1, time.Now())
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
}
