// Package config loads draftsync settings from an optional config file and
// DRAFTSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jwulff/draftsync/internal/realtime"
)

// Config is the resolved configuration.
type Config struct {
	UserID   string         `mapstructure:"user_id"`
	API      APIConfig      `mapstructure:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Drafts   DraftsConfig   `mapstructure:"drafts"`
	Regen    RegenConfig    `mapstructure:"regen"`
	Resync   ResyncConfig   `mapstructure:"resync"`
	Log      LogConfig      `mapstructure:"log"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

type RealtimeConfig struct {
	Transport      string        `mapstructure:"transport"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisUsername  string        `mapstructure:"redis_username"`
	SocketNetwork  string        `mapstructure:"socket_network"`
	SocketAddr     string        `mapstructure:"socket_addr"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RefreshMargin  time.Duration `mapstructure:"refresh_margin"`
}

type DraftsConfig struct {
	Source string `mapstructure:"source"`
	DBPath string `mapstructure:"db_path"`
}

type RegenConfig struct {
	PollAttempts int           `mapstructure:"poll_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ClockSkew    time.Duration `mapstructure:"clock_skew"`
}

type ResyncConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

const (
	TransportRedis  = "redis"
	TransportSocket = "socket"
	SourceAPI       = "api"
	SourceSQLite    = "sqlite"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_id", "")
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("api.token", "")
	v.SetDefault("realtime.transport", TransportRedis)
	v.SetDefault("realtime.redis_addr", "localhost:6379")
	v.SetDefault("realtime.redis_username", "")
	v.SetDefault("realtime.socket_network", "unix")
	v.SetDefault("realtime.socket_addr", realtime.SocketPath())
	v.SetDefault("realtime.backoff_initial", 500*time.Millisecond)
	v.SetDefault("realtime.backoff_max", 30*time.Second)
	v.SetDefault("realtime.refresh_margin", 30*time.Second)
	v.SetDefault("drafts.source", SourceAPI)
	v.SetDefault("drafts.db_path", "")
	v.SetDefault("regen.poll_attempts", 10)
	v.SetDefault("regen.poll_interval", 3*time.Second)
	v.SetDefault("regen.clock_skew", 2*time.Second)
	v.SetDefault("resync.schedule", "@every 5m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
}

// Load reads path (if non-empty) and the environment over the defaults.
// DRAFTSYNC_API_BASE_URL overrides api.base_url, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRAFTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated values and bounds.
func (c *Config) Validate() error {
	var errs []error
	switch c.Realtime.Transport {
	case TransportRedis, TransportSocket:
	default:
		errs = append(errs, fmt.Errorf("realtime.transport %q: want redis or socket", c.Realtime.Transport))
	}
	switch c.Drafts.Source {
	case SourceAPI, SourceSQLite:
	default:
		errs = append(errs, fmt.Errorf("drafts.source %q: want api or sqlite", c.Drafts.Source))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.Regen.PollAttempts < 1 {
		errs = append(errs, fmt.Errorf("regen.poll_attempts %d: must be positive", c.Regen.PollAttempts))
	}
	if c.Regen.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("regen.poll_interval %s: must be positive", c.Regen.PollInterval))
	}
	if c.Realtime.BackoffInitial <= 0 || c.Realtime.BackoffMax < c.Realtime.BackoffInitial {
		errs = append(errs, fmt.Errorf("realtime backoff %s..%s: invalid bounds",
			c.Realtime.BackoffInitial, c.Realtime.BackoffMax))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
