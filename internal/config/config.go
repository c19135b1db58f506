package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by WithDefaults.
const (
	DefaultReadReceiptBatch   = 10
	DefaultConnectivityPoll   = 15 * time.Second
	DefaultTeardownTimeout    = 5 * time.Second
	DefaultRemoteTimeout      = 10 * time.Second
	DefaultMaxBackgroundTasks = 4
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string        `toml:"default_profile"`
	Remote         RemoteConfig  `toml:"remote"`
	Chat           ChatConfig    `toml:"chat"`
	Sync           SyncConfig    `toml:"sync"`
	Metrics        MetricsConfig `toml:"metrics"`
}

// RemoteConfig points at the chat backend.
type RemoteConfig struct {
	BaseURL string        `toml:"base_url"`
	FeedURL string        `toml:"feed_url"`
	Token   string        `toml:"token"`
	Timeout time.Duration `toml:"timeout"`
}

// ChatConfig identifies the chat this daemon keeps in sync and the local user.
type ChatConfig struct {
	ChatID string `toml:"chat_id"`
	UserID string `toml:"user_id"`
}

// SyncConfig tunes the session engine.
type SyncConfig struct {
	ReadReceiptBatch   int           `toml:"read_receipt_batch"`
	ConnectivityPoll   time.Duration `toml:"connectivity_poll"`
	TeardownTimeout    time.Duration `toml:"teardown_timeout"`
	MaxBackgroundTasks int64         `toml:"max_background_tasks"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// WithDefaults returns a copy with zero-valued tunables replaced by defaults.
func (c Config) WithDefaults() *Config {
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = DefaultRemoteTimeout
	}
	if c.Sync.ReadReceiptBatch <= 0 {
		c.Sync.ReadReceiptBatch = DefaultReadReceiptBatch
	}
	if c.Sync.ConnectivityPoll <= 0 {
		c.Sync.ConnectivityPoll = DefaultConnectivityPoll
	}
	if c.Sync.TeardownTimeout <= 0 {
		c.Sync.TeardownTimeout = DefaultTeardownTimeout
	}
	if c.Sync.MaxBackgroundTasks <= 0 {
		c.Sync.MaxBackgroundTasks = DefaultMaxBackgroundTasks
	}
	return &c
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Chat.ChatID == "" {
		errs = append(errs, errors.New("chat.chat_id is required"))
	}
	if c.Chat.UserID == "" {
		errs = append(errs, errors.New("chat.user_id is required"))
	}
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required"))
	} else if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.base_url %q is not an absolute URL", c.Remote.BaseURL))
	}
	if c.Remote.FeedURL != "" {
		if u, err := url.Parse(c.Remote.FeedURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("remote.feed_url %q must be a ws:// or wss:// URL", c.Remote.FeedURL))
		}
	}
	return errors.Join(errs...)
}
