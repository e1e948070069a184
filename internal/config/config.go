package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.convo/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// HTTPAddr is where the daemon serves the HTTP/WebSocket API.
	HTTPAddr string `toml:"http_addr"`
	// ActorID identifies the operator in typing indicators.
	ActorID     string `toml:"actor_id"`
	ContactRole string `toml:"contact_role"`

	Cache    Cache    `toml:"cache"`
	Realtime Realtime `toml:"realtime"`
	UI       UI       `toml:"ui"`
	Probe    Probe    `toml:"probe"`
}

// Cache configures the durable cache store and the message cache.
type Cache struct {
	// RedisAddr selects a redis-backed store; empty keeps the cache in the
	// session database.
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	Quota         int64    `toml:"quota"`
	TTL           Duration `toml:"ttl"`
	Ceiling       int64    `toml:"ceiling"`
	EvictAfter    Duration `toml:"evict_after"`
	QueueCap      int      `toml:"queue_cap"`
	PageSize      int      `toml:"page_size"`
	MaxRetries    int      `toml:"max_retries"`
}

// Realtime configures the realtime channel client.
type Realtime struct {
	TypingTimeout Duration `toml:"typing_timeout"`
}

// UI configures the conversation controller.
type UI struct {
	ReadDelay        Duration `toml:"read_delay"`
	TypingExpiry     Duration `toml:"typing_expiry"`
	MaxManualRetries int      `toml:"max_manual_retries"`
}

// Probe configures the connectivity probe. An empty URL leaves
// connectivity to the operator.
type Probe struct {
	URL      string   `toml:"url"`
	Interval Duration `toml:"interval"`
}

// Duration is a time.Duration written as a string such as "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		HTTPAddr:       "127.0.0.1:7400",
		ActorID:        "operator",
		ContactRole:    "contact",
		Cache: Cache{
			Quota:      64 << 20,
			TTL:        Duration{24 * time.Hour},
			Ceiling:    50 << 20,
			EvictAfter: Duration{7 * 24 * time.Hour},
			QueueCap:   50,
			PageSize:   100,
			MaxRetries: 3,
		},
		Realtime: Realtime{TypingTimeout: Duration{3 * time.Second}},
		UI: UI{
			ReadDelay:        Duration{time.Second},
			TypingExpiry:     Duration{3 * time.Second},
			MaxManualRetries: 3,
		},
		Probe: Probe{Interval: Duration{15 * time.Second}},
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// the error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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
