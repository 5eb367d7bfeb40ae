package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nzlov/medsync/client/store"
)

const (
	metaConfig   = "syncConfig"
	metaDeviceID = "deviceId"
)

// Config is the persisted sync configuration of a device.
type Config struct {
	ServerURL    string        `json:"serverUrl"`
	HTTPURL      string        `json:"httpUrl"`
	UserID       string        `json:"userId"`
	AutoConnect  *bool         `json:"autoConnect,omitempty"`
	Retry        RetryPolicy   `json:"retry"`
	PollInterval time.Duration `json:"pollInterval"`
	// Secret signs the handshake when the hub requires a token. Never saved.
	Secret string `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		ServerURL:    "ws://localhost:8080/ws",
		HTTPURL:      "http://localhost:8080",
		AutoConnect:  Bool(true),
		Retry:        DefaultRetryPolicy(),
		PollInterval: 30 * time.Second,
	}
}

func Bool(v bool) *bool { return &v }

func (c Config) autoConnect() bool {
	return c.AutoConnect != nil && *c.AutoConnect
}

// merge overlays the non-zero fields of o on c.
func (c Config) merge(o Config) Config {
	if o.ServerURL != "" {
		c.ServerURL = o.ServerURL
	}
	if o.HTTPURL != "" {
		c.HTTPURL = o.HTTPURL
	}
	if o.UserID != "" {
		c.UserID = o.UserID
	}
	if o.AutoConnect != nil {
		c.AutoConnect = Bool(*o.AutoConnect)
	}
	if o.Retry.MaxAttempts > 0 {
		c.Retry.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.Retry.BaseDelay > 0 {
		c.Retry.BaseDelay = o.Retry.BaseDelay
	}
	if o.Retry.Multiplier >= 1 {
		c.Retry.Multiplier = o.Retry.Multiplier
	}
	if o.Retry.MaxDelay > 0 {
		c.Retry.MaxDelay = o.Retry.MaxDelay
	}
	if o.Retry.Jitter > 0 {
		c.Retry.Jitter = o.Retry.Jitter
	}
	if o.PollInterval > 0 {
		c.PollInterval = o.PollInterval
	}
	if o.Secret != "" {
		c.Secret = o.Secret
	}
	return c
}

// Manager owns the device identity and the configuration, and drives the
// Client's connection lifecycle.
type Manager struct {
	store  store.Store
	opts   Options
	log    *zap.SugaredLogger
	client *Client

	mu       sync.Mutex
	ctx      context.Context
	cfg      Config
	deviceID string
}

func NewManager(st store.Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.S()
	}
	return &Manager{
		store:  st,
		opts:   opts,
		log:    opts.Logger.With("component", "syncmanager"),
		client: New(st, opts),
		ctx:    context.Background(),
	}
}

// Initialize merges cfg over the saved and default configuration, persists
// the result and connects when AutoConnect is set. ctx bounds the lifetime of
// every session the manager opens.
func (m *Manager) Initialize(ctx context.Context, cfg Config) error {
	merged := DefaultConfig()
	raw, err := m.store.GetMeta(metaConfig)
	switch {
	case err == nil:
		var saved Config
		if err := json.Unmarshal([]byte(raw), &saved); err != nil {
			m.log.Warnw("ignoring unreadable saved config", "error", err)
		} else {
			merged = merged.merge(saved)
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load config: %w", err)
	}
	merged = merged.merge(cfg)

	b, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := m.store.SetMeta(metaConfig, string(b)); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	deviceID, err := m.ensureDeviceID()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.ctx = ctx
	m.cfg = merged
	m.deviceID = deviceID
	m.mu.Unlock()
	m.client.Configure(merged.Retry, merged.PollInterval)
	m.log.Infow("initialized", "user", merged.UserID, "device", deviceID, "server", merged.ServerURL)

	if merged.autoConnect() && merged.UserID != "" {
		return m.Connect()
	}
	return nil
}

// ensureDeviceID returns the device id, generating and saving it on first use.
func (m *Manager) ensureDeviceID() (string, error) {
	id, err := m.store.GetMeta(metaDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load device id: %w", err)
	}
	id = "device-" + uuid.NewString()
	if err := m.store.SetMeta(metaDeviceID, id); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}

func (m *Manager) endpoints(cfg Config, deviceID string) Endpoints {
	ep := Endpoints{WebSocketURL: cfg.ServerURL, HTTPURL: cfg.HTTPURL}
	if cfg.Secret != "" {
		now := time.Now
		if m.opts.Now != nil {
			now = m.opts.Now
		}
		ep.Query = TokenQuery(cfg.Secret, cfg.UserID, deviceID, now())
	}
	return ep
}

// Connect opens a session for the configured user.
func (m *Manager) Connect() error {
	m.mu.Lock()
	ctx, cfg, deviceID := m.ctx, m.cfg, m.deviceID
	m.mu.Unlock()
	if deviceID == "" {
		return ErrNotInitialized
	}
	if cfg.UserID == "" {
		return fmt.Errorf("connect: no user configured")
	}
	return m.client.Initialize(ctx, cfg.UserID, deviceID, m.endpoints(cfg, deviceID))
}

// ConnectAs switches the configured user, saves it and connects.
func (m *Manager) ConnectAs(userID string) error {
	m.mu.Lock()
	if m.deviceID == "" {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	m.cfg.UserID = userID
	b, err := json.Marshal(m.cfg)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.store.SetMeta(metaConfig, string(b)); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return m.Connect()
}

func (m *Manager) Disconnect() error {
	return m.client.Close()
}

// Reconnect drops the current channel and starts over with a fresh retry
// budget.
func (m *Manager) Reconnect() error {
	if err := m.Disconnect(); err != nil {
		return err
	}
	return m.Connect()
}

func (m *Manager) Connected() bool {
	return m.client.State() == Connected
}

func (m *Manager) Subscribe(collection string, cb Callback) func() {
	return m.client.Subscribe(collection, cb)
}

func (m *Manager) Client() *Client { return m.client }

func (m *Manager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}
