package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// holidayReloader remembers the modification time of the last good load.
type holidayReloader struct {
	path     string
	loadedAt time.Time
	logger   zerolog.Logger
	apply    func(*HolidaysConfig)
}

// reload loads the file if it changed since the last good load. A broken
// file keeps the previous calendar in place and is retried on the next poll.
func (r *holidayReloader) reload(force bool) error {
	info, err := os.Stat(r.path)
	if err != nil {
		return err
	}
	if !force && !info.ModTime().After(r.loadedAt) {
		return nil
	}

	cfg, err := LoadHolidaysConfig(r.path)
	if err != nil {
		return err
	}
	r.loadedAt = info.ModTime()
	if r.apply != nil {
		r.apply(cfg)
	}
	return nil
}

// WatchHolidays loads the holiday calendar at path, hands it to onUpdate and
// keeps polling the file every interval until ctx is done. Only the initial
// load can fail the call.
func WatchHolidays(ctx context.Context, path string, interval time.Duration, logger zerolog.Logger, onUpdate func(*HolidaysConfig)) error {
	if path == "" {
		path = "configs/holidays.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	r := &holidayReloader{
		path:   path,
		logger: logger.With().Str("component", "holidays").Str("path", path).Logger(),
		apply: func(cfg *HolidaysConfig) {
			logger.Info().Str("holidays", cfg.String()).Msg("holiday calendar loaded")
			if onUpdate != nil {
				onUpdate(cfg)
			}
		},
	}
	if err := r.reload(true); err != nil {
		return err
	}

	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := r.reload(false); err != nil {
					r.logger.Warn().Err(err).Msg("holiday reload failed, keeping previous calendar")
				}
			}
		}
	}()
	return nil
}
