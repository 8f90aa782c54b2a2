// Package clock provides the logical clock used for every deadline decision:
// wall-clock time corrected by an offset measured against an external time
// source and projected into the configured business timezone.
package clock

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mealslot/internal/calendar"

	"github.com/rs/zerolog"
)

// Clock is the read side of the logical clock handed to consumers.
type Clock interface {
	// Now returns the adjusted instant in the business timezone.
	Now() time.Time
	// NowUTC returns the adjusted instant in UTC, for persisted timestamps.
	NowUTC() time.Time
	// Today returns local midnight of Now.
	Today() time.Time
	Location() *time.Location
}

// State is the checkpointed part of the clock.
type State struct {
	OffsetMillis int64     `json:"offset_ms"`
	Timezone     string    `json:"timezone"`
	LastSyncAt   time.Time `json:"last_sync_at"`
}

// SyncResult reports one synchronization attempt. A failed attempt keeps
// the previous offset.
type SyncResult struct {
	Source       string
	Offset       time.Duration
	OffsetMillis int64
	Success      bool
	Err          error
}

// Service owns the offset. Reads are lock-free; Sync is the only writer.
type Service struct {
	timezone string
	loc      *time.Location
	base     func() time.Time
	logger   zerolog.Logger

	offset   atomic.Int64 // nanoseconds
	lastSync atomic.Int64 // unix nanoseconds, 0 until the first success

	syncMu sync.Mutex
}

// Option customizes a Service.
type Option func(*Service)

// WithBase replaces the wall clock, mostly for tests.
func WithBase(base func() time.Time) Option {
	return func(s *Service) { s.base = base }
}

// WithOffset seeds the offset.
func WithOffset(d time.Duration) Option {
	return func(s *Service) { s.offset.Store(int64(d)) }
}

// New creates a clock for the given timezone identifier.
func New(timezone string, logger zerolog.Logger, opts ...Option) (*Service, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	s := &Service{
		timezone: timezone,
		loc:      loc,
		base:     time.Now,
		logger:   logger.With().Str("component", "clock").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) adjusted() time.Time {
	return s.base().Add(time.Duration(s.offset.Load()))
}

func (s *Service) Now() time.Time {
	return s.adjusted().In(s.loc)
}

func (s *Service) NowUTC() time.Time {
	return s.adjusted().UTC()
}

func (s *Service) Today() time.Time {
	return calendar.Day(s.Now())
}

func (s *Service) Location() *time.Location {
	return s.loc
}

// Offset returns the current drift correction.
func (s *Service) Offset() time.Duration {
	return time.Duration(s.offset.Load())
}

// LastSyncAt returns the time of the last successful sync, zero if none.
func (s *Service) LastSyncAt() time.Time {
	ns := s.lastSync.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Sync queries src and records the measured offset. Errors are reported in
// the result; the previous offset is retained on failure.
func (s *Service) Sync(ctx context.Context, src TimeSource) SyncResult {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	res := SyncResult{Source: src.Name()}
	offset, err := src.Query(ctx)
	if err != nil {
		res.Err = err
		res.Offset = s.Offset()
		res.OffsetMillis = res.Offset.Milliseconds()
		s.logger.Warn().Err(err).Str("source", src.Name()).
			Int64("offset_ms", res.OffsetMillis).
			Msg("time sync failed, keeping last offset")
		return res
	}

	s.offset.Store(int64(offset))
	s.lastSync.Store(s.base().UnixNano())

	res.Success = true
	res.Offset = offset
	res.OffsetMillis = offset.Milliseconds()
	s.logger.Debug().Str("source", src.Name()).Int64("offset_ms", res.OffsetMillis).Msg("time synced")
	return res
}

// State snapshots the clock for checkpointing.
func (s *Service) State() State {
	return State{
		OffsetMillis: s.Offset().Milliseconds(),
		Timezone:     s.timezone,
		LastSyncAt:   s.LastSyncAt(),
	}
}

// Restore seeds the offset from a checkpoint. It is ignored once a live
// sync has happened, or when the checkpoint was taken for another timezone.
func (s *Service) Restore(st State) bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if s.lastSync.Load() != 0 || st.Timezone != s.timezone {
		return false
	}
	s.offset.Store(int64(time.Duration(st.OffsetMillis) * time.Millisecond))
	if !st.LastSyncAt.IsZero() {
		s.lastSync.Store(st.LastSyncAt.UnixNano())
	}
	return true
}

var fixedOffsetRe = regexp.MustCompile(`^(?:UTC|GMT)?\s*([+-])(\d{1,2})(?::?(\d{2}))?$`)

// LoadLocation resolves an IANA identifier, or a fixed offset such as
// "UTC+7", "GMT-03:30" or "+07:00".
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc, nil
	}

	m := fixedOffsetRe.FindStringSubmatch(strings.ToUpper(name))
	if m == nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	hours, _ := strconv.Atoi(m[2])
	minutes := 0
	if m[3] != "" {
		minutes, _ = strconv.Atoi(m[3])
	}
	if hours > 14 || minutes > 59 {
		return nil, fmt.Errorf("timezone offset out of range: %q", name)
	}
	secs := hours*3600 + minutes*60
	if m[1] == "-" {
		secs = -secs
	}
	return time.FixedZone(name, secs), nil
}
