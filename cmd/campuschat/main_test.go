package main

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_StartsAndShutsDownOnCancel(t *testing.T) {
	req := require.New(t)
	t.Setenv("CAMPUSCHAT_AUTH_JWT_SECRET", "main-secret")
	t.Setenv("CAMPUSCHAT_DATABASE_PATH", filepath.Join(t.TempDir(), "main.db"))
	t.Setenv("CAMPUSCHAT_HTTP_HOST", "127.0.0.1")
	t.Setenv("CAMPUSCHAT_HTTP_PORT", "0")
	t.Setenv("CAMPUSCHAT_LOG_FORMAT", "json")

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"-env-file", filepath.Join(t.TempDir(), "none.env")}, out) }()

	req.Eventually(func() bool {
		return bytes.Contains([]byte(out.String()), []byte("campuschat started"))
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	req.Contains(out.String(), "shutdown complete")
}

func TestRun_FailsWithoutSecret(t *testing.T) {
	t.Setenv("CAMPUSCHAT_AUTH_JWT_SECRET", "")
	err := run(context.Background(), []string{"-env-file", filepath.Join(t.TempDir(), "none.env")}, &syncBuffer{})
	require.Error(t, err)
}

func TestRun_RejectsUnknownFlag(t *testing.T) {
	err := run(context.Background(), []string{"-bogus"}, &syncBuffer{})
	require.Error(t, err)
}
