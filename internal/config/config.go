package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.bluedesk/config.toml.
type Config struct {
	// ServerURL is the base URL of the BlueBubbles server, e.g.
	// "http://192.168.1.10:1234".
	ServerURL string `toml:"server_url"`
	// Password is the server password attached to every request.
	Password string `toml:"password"`

	Sync  SyncConfig  `toml:"sync"`
	Cache CacheConfig `toml:"cache"`
	Conn  ConnConfig  `toml:"connection"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	// PageSize is the number of messages pulled per catch-up page.
	PageSize int `toml:"page_size"`
	// MaxConcurrent bounds how many chats reconcile at once.
	MaxConcurrent int `toml:"max_concurrent"`
	// MaxRetries caps transient-error retries per operation before the
	// affected scope is reported as degraded.
	MaxRetries int `toml:"max_retries"`
	// SendAckTimeout is how long an optimistic send waits for the server
	// acknowledgment before being marked failed.
	SendAckTimeout duration `toml:"send_ack_timeout"`
	// RequestTimeout bounds every individual network call.
	RequestTimeout duration `toml:"request_timeout"`
}

// CacheConfig tunes the attachment cache.
type CacheConfig struct {
	// MaxBytes is the attachment cache byte budget. Eviction runs after
	// each successful download while usage exceeds it.
	MaxBytes int64 `toml:"max_bytes"`
	// DownloadWorkers is the size of the attachment download pool.
	DownloadWorkers int `toml:"download_workers"`
}

// ConnConfig tunes the live channel supervisor.
type ConnConfig struct {
	// HeartbeatInterval is the maximum silence tolerated on the live
	// channel before it is treated as dead.
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	// BackoffMin and BackoffMax bound the reconnect backoff window.
	BackoffMin duration `toml:"backoff_min"`
	BackoffMax duration `toml:"backoff_max"`
}

// duration wraps time.Duration with TOML text (un)marshalling ("30s", "5m").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Default returns a config with every tuning knob at its default value.
// ServerURL and Password are left empty and must come from the file.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			PageSize:       100,
			MaxConcurrent:  4,
			MaxRetries:     3,
			SendAckTimeout: duration(30 * time.Second),
			RequestTimeout: duration(15 * time.Second),
		},
		Cache: CacheConfig{
			MaxBytes:        512 << 20,
			DownloadWorkers: 2,
		},
		Conn: ConnConfig{
			HeartbeatInterval: duration(45 * time.Second),
			BackoffMin:        duration(time.Second),
			BackoffMax:        duration(2 * time.Minute),
		},
	}
}

// Load reads config from the given path, applying defaults for any knob the
// file leaves unset. Returns an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that have no usable zero value.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("config: sync.page_size must be positive")
	}
	if c.Sync.MaxConcurrent <= 0 {
		return fmt.Errorf("config: sync.max_concurrent must be positive")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("config: cache.max_bytes must be positive")
	}
	return nil
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
