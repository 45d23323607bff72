// Package config loads the bot configuration from a YAML file with
// environment-variable overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram Telegram        `yaml:"telegram"`
	Marzban  Marzban         `yaml:"marzban"`
	Database Database        `yaml:"database"`
	Trial    Trial           `yaml:"trial"`
	API      API             `yaml:"api"`
	Plans    map[string]Plan `yaml:"plans"`
	Logging  Logging         `yaml:"logging"`
}

type Telegram struct {
	Token    string  `yaml:"token"`
	AdminIDs []int64 `yaml:"admin_ids"`
}

type Marzban struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Trial struct {
	DataLimit  int64 `yaml:"data_limit"`
	ExpireDays int   `yaml:"expire_days"`
}

// API tunes the panel client: per-request timeout, retry loop and
// circuit breaker.
type API struct {
	TimeoutSeconds         int     `yaml:"timeout_seconds"`
	RetryAttempts          int     `yaml:"retry_attempts"`
	BackoffFactor          float64 `yaml:"backoff_factor"`
	MaxWaitSeconds         int     `yaml:"max_wait_seconds"`
	Jitter                 *bool   `yaml:"jitter"`
	FailureThreshold       int     `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int     `yaml:"recovery_timeout_seconds"`
}

type Plan struct {
	Days      int     `yaml:"days"`
	DataLimit int64   `yaml:"data_limit"`
	Price     float64 `yaml:"price"`
}

type Logging struct {
	Level string `yaml:"level"`
}

const gib = int64(1024 * 1024 * 1024)

// Load reads the config file at path when it exists, applies environment
// overrides and fills defaults. A missing file is fine: everything
// needed can come from the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// env-only setup
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("ADMIN_IDS"); v != "" {
		var ids []int64
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err == nil && id != 0 {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			c.Telegram.AdminIDs = ids
		}
	}
	if v := os.Getenv("MARZBAN_URL"); v != "" {
		c.Marzban.URL = v
	}
	if v := os.Getenv("MARZBAN_USERNAME"); v != "" {
		c.Marzban.Username = v
	}
	if v := os.Getenv("MARZBAN_PASSWORD"); v != "" {
		c.Marzban.Password = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "database/bot.db"
	}
	if c.Trial.DataLimit <= 0 {
		c.Trial.DataLimit = 5 * gib
	}
	if c.Trial.ExpireDays <= 0 {
		c.Trial.ExpireDays = 3
	}
	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = 30
	}
	if c.API.RetryAttempts <= 0 {
		c.API.RetryAttempts = 3
	}
	if c.API.BackoffFactor <= 0 {
		c.API.BackoffFactor = 1.5
	}
	if c.API.MaxWaitSeconds <= 0 {
		c.API.MaxWaitSeconds = 30
	}
	if c.API.Jitter == nil {
		on := true
		c.API.Jitter = &on
	}
	if c.API.FailureThreshold <= 0 {
		c.API.FailureThreshold = 5
	}
	if c.API.RecoveryTimeoutSeconds <= 0 {
		c.API.RecoveryTimeoutSeconds = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if len(c.Plans) == 0 {
		c.Plans = map[string]Plan{
			"1m":  {Days: 30, DataLimit: 100 * gib, Price: 150},
			"3m":  {Days: 90, DataLimit: 300 * gib, Price: 400},
			"6m":  {Days: 180, DataLimit: 600 * gib, Price: 750},
			"12m": {Days: 365, DataLimit: 1200 * gib, Price: 1400},
		}
	}
}

func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("config: telegram token is required (telegram.token or BOT_TOKEN)")
	}
	if c.Marzban.URL == "" {
		return errors.New("config: marzban url is required (marzban.url or MARZBAN_URL)")
	}
	if c.Marzban.Username == "" || c.Marzban.Password == "" {
		return errors.New("config: marzban credentials are required")
	}
	for name, p := range c.Plans {
		if p.Days <= 0 {
			return fmt.Errorf("config: plan %q has no duration", name)
		}
	}
	return nil
}

// IsAdmin reports whether id is in the admin list.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.Telegram.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

func (a API) Timeout() time.Duration         { return time.Duration(a.TimeoutSeconds) * time.Second }
func (a API) MaxWait() time.Duration         { return time.Duration(a.MaxWaitSeconds) * time.Second }
func (a API) RecoveryTimeout() time.Duration { return time.Duration(a.RecoveryTimeoutSeconds) * time.Second }
