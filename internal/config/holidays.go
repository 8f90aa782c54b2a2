package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/model"

	"gopkg.in/yaml.v3"
)

// HolidayConfig closes ordering on one date, for every shift or only for
// the listed ones.
type HolidayConfig struct {
	Date     string  `yaml:"date"` // "2026-01-01"
	Name     string  `yaml:"name"`
	ShiftIDs []int64 `yaml:"shift_ids,omitempty"`
}

// HolidaysConfig is the root of holidays.yaml.
type HolidaysConfig struct {
	Holidays []HolidayConfig `yaml:"holidays"`
	DaysOff  []int           `yaml:"days_off"` // 1=Mon, 7=Sun
}

// LoadHolidaysConfig loads and validates the holiday calendar.
func LoadHolidaysConfig(path string) (*HolidaysConfig, error) {
	if path == "" {
		path = "configs/holidays.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holidays config: %w", err)
	}

	var cfg HolidaysConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse holidays config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate holidays config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *HolidaysConfig) Validate() error {
	for i, h := range c.Holidays {
		if h.Date == "" {
			return fmt.Errorf("holiday[%d]: date is required", i)
		}
		if _, err := time.Parse(calendar.DateLayout, h.Date); err != nil {
			return fmt.Errorf("holiday[%d]: invalid date format '%s', expected YYYY-MM-DD", i, h.Date)
		}
		for _, id := range h.ShiftIDs {
			if id <= 0 {
				return fmt.Errorf("holiday[%d]: shift id must be positive, got %d", i, id)
			}
		}
	}

	for i, d := range c.DaysOff {
		if d < 1 || d > 7 {
			return fmt.Errorf("days_off[%d]: invalid day %d, must be 1-7 (1=Mon, 7=Sun)", i, d)
		}
	}
	return nil
}

// Lookup reports whether ordering is closed for shiftID on date.
func (c *HolidaysConfig) Lookup(date time.Time, shiftID int64) model.HolidayBlock {
	dateStr := date.Format(calendar.DateLayout)
	for _, h := range c.Holidays {
		if h.Date != dateStr {
			continue
		}
		if len(h.ShiftIDs) == 0 {
			return model.HolidayBlock{Blocked: true, Name: h.Name}
		}
		for _, id := range h.ShiftIDs {
			if id == shiftID {
				return model.HolidayBlock{Blocked: true, Name: h.Name}
			}
		}
	}

	if c.IsDayOff(date.Weekday()) {
		return model.HolidayBlock{Blocked: true, Name: "day off"}
	}
	return model.HolidayBlock{}
}

// IsDayOff checks if a weekday is a day off.
func (c *HolidaysConfig) IsDayOff(weekday time.Weekday) bool {
	day := calendar.DaysFromMonday(int(weekday)) + 1
	for _, d := range c.DaysOff {
		if d == day {
			return true
		}
	}
	return false
}

func (c *HolidaysConfig) String() string {
	return fmt.Sprintf("HolidaysConfig: %d holidays, %d days off", len(c.Holidays), len(c.DaysOff))
}

// HolidayCalendar serves lookups from the latest loaded configuration and
// may be swapped while in use.
type HolidayCalendar struct {
	cfg atomic.Pointer[HolidaysConfig]
}

func NewHolidayCalendar(cfg *HolidaysConfig) *HolidayCalendar {
	c := &HolidayCalendar{}
	c.Set(cfg)
	return c
}

// Set replaces the configuration; nil means no holidays.
func (c *HolidayCalendar) Set(cfg *HolidaysConfig) {
	if cfg == nil {
		cfg = &HolidaysConfig{}
	}
	c.cfg.Store(cfg)
}

func (c *HolidayCalendar) IsHoliday(date time.Time, shiftID int64) model.HolidayBlock {
	return c.cfg.Load().Lookup(date, shiftID)
}
