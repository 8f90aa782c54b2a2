package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mealslot/internal/model"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup BackupConfig `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// KeyPrefix namespaces keys when several deployments share one server.
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console or json
	} `yaml:"log"`

	Clock struct {
		Timezone            string   `yaml:"timezone"`
		NTPServers          []string `yaml:"ntp_servers"`
		HTTPTimeURL         string   `yaml:"http_time_url"`
		HTTPTimeField       string   `yaml:"http_time_field"`
		SyncIntervalMinutes int      `yaml:"sync_interval_minutes"`
		QueryTimeoutSeconds int      `yaml:"query_timeout_seconds"`
	} `yaml:"clock"`

	Sweeper struct {
		GraceMinutes   int `yaml:"grace_minutes"`
		TimeoutMinutes int `yaml:"timeout_minutes"`
		LockTTLMinutes int `yaml:"lock_ttl_minutes"`
	} `yaml:"sweeper"`

	Blacklist model.BlacklistSettings `yaml:"blacklist"`
	Cutoff    *model.CutoffSettings   `yaml:"cutoff"`

	Telegram struct {
		BotToken      string  `yaml:"bot_token"`
		ChatID        int64   `yaml:"chat_id"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Debug         bool    `yaml:"debug"`
	} `yaml:"telegram"`

	Shifts       []ShiftConfig `yaml:"shifts"`
	HolidaysPath string        `yaml:"holidays_path"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"` // cron spec
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ShiftConfig seeds the shift table on start; shifts are matched by name.
type ShiftConfig struct {
	Name      string `yaml:"name"`
	StartTime string `yaml:"start_time"` // "HH:mm"
	EndTime   string `yaml:"end_time"`   // "HH:mm", earlier than start for overnight shifts
	MealPrice int64  `yaml:"meal_price"`
	IsActive  *bool  `yaml:"is_active"`
}

// Shift converts the seed into a model value.
func (s ShiftConfig) Shift() model.Shift {
	active := true
	if s.IsActive != nil {
		active = *s.IsActive
	}
	return model.Shift{
		Name:      s.Name,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		MealPrice: s.MealPrice,
		IsActive:  active,
	}
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/mealslot.db"
	}
	if cfg.Backup.StoragePath == "" {
		cfg.Backup.StoragePath = filepath.Join(filepath.Dir(cfg.Database.Path), "backups")
	}
	if cfg.Blacklist == (model.BlacklistSettings{}) {
		cfg.Blacklist = model.DefaultBlacklistSettings()
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	for i, s := range cfg.Shifts {
		if s.Name == "" {
			return nil, fmt.Errorf("shifts[%d]: name is required", i)
		}
	}

	return &cfg, nil
}

// CutoffBootstrap returns the cutoff settings used when none are persisted.
func (c *Config) CutoffBootstrap() model.CutoffSettings {
	if c.Cutoff == nil {
		return model.DefaultCutoffSettings()
	}
	return *c.Cutoff
}

func (c *Config) SyncInterval() time.Duration {
	if c.Clock.SyncIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Clock.SyncIntervalMinutes) * time.Minute
}

func (c *Config) TimeQueryTimeout() time.Duration {
	if c.Clock.QueryTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Clock.QueryTimeoutSeconds) * time.Second
}

// SweepGraceMinutes is the minute past each hour the no-show sweep runs at.
func (c *Config) SweepGraceMinutes() int {
	if c.Sweeper.GraceMinutes <= 0 {
		return 5
	}
	return c.Sweeper.GraceMinutes % 60
}

func (c *Config) SweepTimeout() time.Duration {
	if c.Sweeper.TimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Sweeper.TimeoutMinutes) * time.Minute
}

func (c *Config) SweepLockTTL() time.Duration {
	if c.Sweeper.LockTTLMinutes <= 0 {
		return c.SweepTimeout() + 5*time.Minute
	}
	return time.Duration(c.Sweeper.LockTTLMinutes) * time.Minute
}

func (c *Config) TelegramRate() float64 {
	if c.Telegram.RatePerSecond <= 0 {
		return 1
	}
	return c.Telegram.RatePerSecond
}

func (c *Config) BackupSchedule() string {
	if c.Backup.Schedule == "" {
		return "30 3 * * *"
	}
	return c.Backup.Schedule
}
