package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-hostlink/internal/config"
	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/internal/storage/memory"
)

// closeCounter counts Close calls on a memory store
type closeCounter struct {
	*memory.Store
	closed atomic.Int32
}

func (c *closeCounter) Close(ctx context.Context) error {
	c.closed.Add(1)
	return c.Store.Close(ctx)
}

func useStore(t *testing.T) *closeCounter {
	t.Helper()
	store := &closeCounter{Store: memory.NewStore()}
	prev := openStore
	openStore = func(context.Context, *config.Config) (storage.Store, error) { return store, nil }
	t.Cleanup(func() { openStore = prev })
	return store
}

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf("server:\n  port: %d\n  shutdownTimeout: 2s\nstorage:\n  type: memory\n", port)))
	require.NoError(t, err)
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServe_ClosesStoreOnShutdown(t *testing.T) {
	store := useStore(t)
	cfg := testConfig(t, freePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, quietLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.EqualValues(t, 1, store.closed.Load())
}

func TestServe_ClosesStoreWhenListenFails(t *testing.T) {
	store := useStore(t)

	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	cfg := testConfig(t, busy.Addr().(*net.TCPAddr).Port)

	err = serve(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http server")
	assert.EqualValues(t, 1, store.closed.Load())
}
