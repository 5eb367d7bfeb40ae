package client

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzlov/medsync/client/store"
)

func TestManagerDeviceIDIsStable(t *testing.T) {
	st := store.NewMemoryStore()
	off := Config{AutoConnect: Bool(false)}

	m1 := NewManager(st, testOptions(newFakeDialer()))
	require.NoError(t, m1.Initialize(context.Background(), off))
	require.Contains(t, m1.DeviceID(), "device-")

	m2 := NewManager(st, testOptions(newFakeDialer()))
	require.NoError(t, m2.Initialize(context.Background(), off))
	assert.Equal(t, m1.DeviceID(), m2.DeviceID())
}

func TestManagerPersistsMergedConfig(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(st, testOptions(newFakeDialer()))
	require.NoError(t, m.Initialize(context.Background(), Config{
		ServerURL:   "ws://hub.example/ws",
		AutoConnect: Bool(false),
		Retry:       RetryPolicy{MaxAttempts: 9},
	}))
	cfg := m.Config()
	assert.Equal(t, "ws://hub.example/ws", cfg.ServerURL)
	assert.Equal(t, DefaultConfig().HTTPURL, cfg.HTTPURL)
	assert.Equal(t, 9, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)

	// a later session only supplies the user; the rest comes from the store
	m = NewManager(st, testOptions(newFakeDialer()))
	require.NoError(t, m.Initialize(context.Background(), Config{UserID: "u1"}))
	cfg = m.Config()
	assert.Equal(t, "ws://hub.example/ws", cfg.ServerURL)
	assert.Equal(t, 9, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.autoConnect())
	assert.False(t, m.Connected())
}

func TestManagerAutoConnect(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(store.NewMemoryStore(), testOptions(d))
	t.Cleanup(func() { m.Disconnect() })

	require.NoError(t, m.Initialize(context.Background(), Config{UserID: "u1", ServerURL: "ws://hub/ws", Secret: "s3cret"}))
	conn := d.next(t)
	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)

	u, err := url.Parse(conn.url)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "u1", q.Get("userId"))
	assert.Equal(t, m.DeviceID(), q.Get("deviceId"))
	assert.NotEmpty(t, q.Get("token"))
	assert.NotEmpty(t, q.Get("ts"))

	raw, err := m.store.GetMeta(metaConfig)
	require.NoError(t, err)
	assert.NotContains(t, raw, "s3cret")
}

func TestManagerReconnect(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(store.NewMemoryStore(), testOptions(d))
	t.Cleanup(func() { m.Disconnect() })

	assert.ErrorIs(t, m.Connect(), ErrNotInitialized)

	require.NoError(t, m.Initialize(context.Background(), Config{UserID: "u1", ServerURL: "ws://hub/ws"}))
	first := d.next(t)
	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Reconnect())
	second := d.next(t)
	assert.NotSame(t, first, second)
	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect())
	assert.False(t, m.Connected())
	assert.Equal(t, 2, d.count())
}

func TestManagerReinitializeWhileConnected(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(store.NewMemoryStore(), testOptions(d))
	t.Cleanup(func() { m.Disconnect() })

	require.NoError(t, m.Initialize(context.Background(), Config{UserID: "u1", ServerURL: "ws://hub/ws"}))
	d.next(t)
	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Initialize(context.Background(), Config{
		UserID:       "u1",
		Retry:        RetryPolicy{MaxAttempts: 7},
		PollInterval: time.Minute,
	}))
	d.next(t)
	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, m.Config().Retry.MaxAttempts)
	assert.Equal(t, time.Minute, m.Config().PollInterval)

	m.client.mu.Lock()
	assert.Equal(t, 7, m.client.sess.retry.MaxAttempts)
	m.client.mu.Unlock()
}
