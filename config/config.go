package config

import (
	"errors"
	"fmt"
	"os"
	"pow-ledger/block"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
	StoreRedis  = "redis"
)

// Duration lets TOML files spell durations as "90s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Nodes             []string `toml:"nodes"`
	Difficulty        uint     `toml:"difficulty"`
	BroadcastOnAppend bool     `toml:"broadcast_on_append"`

	API   APIOptions   `toml:"api"`
	Log   LogOptions   `toml:"log"`
	Store StoreOptions `toml:"store"`
	Time  TimeOptions  `toml:"time"`
}

type APIOptions struct {
	Port string `toml:"port"`
}

type LogOptions struct {
	Level         string `toml:"level"`
	File          string `toml:"file"`
	DB            string `toml:"db"`
	ConsoleFilter bool   `toml:"console_filter"`
}

type StoreOptions struct {
	// Backend is one of memory, sqlite, bolt or redis.
	Backend   string `toml:"backend"`
	Path      string `toml:"path"`
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
	Prefix    string `toml:"prefix"`
}

type TimeOptions struct {
	NTP          bool     `toml:"ntp"`
	Servers      []string `toml:"servers"`
	SyncInterval Duration `toml:"sync_interval"`
}

// Default matches the three node classroom setup.
func Default() Config {
	return Config{
		Nodes:             []string{"A", "B", "C"},
		Difficulty:        2,
		BroadcastOnAppend: false,
		API: APIOptions{
			Port: "8080",
		},
		Log: LogOptions{
			Level:         "info",
			ConsoleFilter: false,
		},
		Store: StoreOptions{
			Backend: StoreMemory,
			Prefix:  "pow-ledger",
		},
		Time: TimeOptions{
			NTP:          false,
			SyncInterval: Duration{60 * time.Second},
		},
	}
}

// Load decodes the TOML file at path over Default. An empty path yields Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes TOML data into cfg, leaving fields absent from data untouched.
func Parse(data []byte, cfg *Config) error {
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return nil
}

// Validate checks the settings that would otherwise fail deep inside startup.
func (c Config) Validate() error {
	if err := block.CheckDifficulty(c.Difficulty); err != nil {
		return err
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node is required")
	}

	seen := make(map[string]bool, len(c.Nodes))
	for _, id := range c.Nodes {
		if id == "" {
			return errors.New("node ids must not be empty")
		}
		if seen[id] {
			return fmt.Errorf("duplicate node id %q", id)
		}
		seen[id] = true
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite, StoreBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store backend %s needs a path", c.Store.Backend)
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store backend redis needs redis_addr")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Time.NTP && c.Time.SyncInterval.Duration <= 0 {
		return errors.New("time sync interval must be positive")
	}
	return nil
}
