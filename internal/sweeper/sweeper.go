// Package sweeper marks uncollected orders of finished shifts as NO_SHOW
// and lets the blacklist policy react to the resulting strikes.
package sweeper

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/clock"
	"mealslot/internal/cutoff"
	"mealslot/internal/metrics"
	"mealslot/internal/model"
	"mealslot/internal/order"
	"mealslot/internal/redisstore"
	"mealslot/internal/scheduler"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when a sweep is still in progress in this
// process or holds the shared lock in another one.
var ErrAlreadyRunning = errors.New("sweep already running")

const lockName = "no-show-sweep"

type Orders interface {
	ListOrdered(ctx context.Context, shiftIDs []int64, date time.Time) ([]*model.Order, error)
}

type Shifts interface {
	ListActiveShifts(ctx context.Context) ([]model.Shift, error)
}

// NoShowMarker is implemented by order.Service.
type NoShowMarker interface {
	MarkNoShowOrder(ctx context.Context, o *model.Order, shift model.Shift) (order.Outcome, error)
}

// Expirer is implemented by blacklist.Policy.
type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// Locker is a cross-process mutex, implemented by redisstore.Store.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// Summary reports one sweep run. Skipped orders were no longer eligible
// when the sweep reached them.
type Summary struct {
	RunID         string
	Processed     int
	Skipped       int
	Failed        int
	NewBlacklists int
	AffectedUsers []int64
	Expired       int
	Duration      time.Duration
}

type Sweeper struct {
	orders  Orders
	shifts  Shifts
	marker  NoShowMarker
	expirer Expirer
	clock   clock.Clock
	logger  zerolog.Logger

	locker  Locker
	lockTTL time.Duration

	running atomic.Bool
}

func New(orders Orders, shifts Shifts, marker NoShowMarker, expirer Expirer, clk clock.Clock, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		orders:  orders,
		shifts:  shifts,
		marker:  marker,
		expirer: expirer,
		clock:   clk,
		logger:  logger.With().Str("component", "sweeper").Logger(),
	}
}

// WithLock makes RunOnce take a shared lock so that only one instance
// sweeps at a time. A nil locker disables it.
func (s *Sweeper) WithLock(locker Locker, ttl time.Duration) *Sweeper {
	s.locker = locker
	s.lockTTL = ttl
	return s
}

// Register schedules the sweep every hour at minute grace.
func (s *Sweeper) Register(sched *scheduler.Scheduler, grace int) error {
	return sched.Add(lockName, scheduler.HourlyAt(grace), func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
	})
}

// IsRunning reports whether a sweep is in progress in this process.
func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// RunOnce performs one sweep. Per-order failures are counted in the
// summary and do not stop the run; only a failure to read the work set is
// returned as an error.
func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("previous sweep still running, skipping")
		metrics.ObserveSweep("skipped", 0)
		return Summary{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	sum := Summary{RunID: uuid.NewString()}
	logger := s.logger.With().Str("run_id", sum.RunID).Logger()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lockName, s.lockTTL)
		switch {
		case errors.Is(err, redisstore.ErrLockHeld):
			logger.Info().Msg("sweep lock held by another instance, skipping")
			metrics.ObserveSweep("skipped", 0)
			return sum, ErrAlreadyRunning
		case err != nil:
			// overlapping sweeps only lose CAS races
			logger.Warn().Err(err).Msg("sweep lock unavailable, continuing without it")
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn().Err(err).Msg("failed to release sweep lock")
				}
			}()
		}
	}

	start := time.Now()
	err := s.sweep(ctx, &sum, logger)
	sum.Duration = time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case sum.Failed > 0:
		outcome = "partial"
	}
	metrics.ObserveSweep(outcome, sum.Duration.Seconds())

	logger.Info().
		Int("processed", sum.Processed).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int("new_blacklists", sum.NewBlacklists).
		Int("affected_users", len(sum.AffectedUsers)).
		Int("expired", sum.Expired).
		Dur("duration", sum.Duration).
		Msg("no-show sweep finished")
	return sum, err
}

// target is one (date, shifts) group whose windows have closed.
type target struct {
	date   time.Time
	shifts map[int64]model.Shift
}

func (t target) ids() []int64 {
	ids := make([]int64, 0, len(t.shifts))
	for id := range t.shifts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// targets returns the shifts whose window has ended as of now, grouped by
// order date. Yesterday's windows are always included once closed, so a
// shift ending after the day's last tick, or an overnight shift, is still
// swept on the following day.
func targets(now time.Time, shifts []model.Shift, logger zerolog.Logger) []target {
	today := calendar.Day(now)
	byDate := map[string]*target{}
	var keys []string

	add := func(date time.Time, sh model.Shift) {
		key := date.Format(calendar.DateLayout)
		t, ok := byDate[key]
		if !ok {
			t = &target{date: date, shifts: map[int64]model.Shift{}}
			byDate[key] = t
			keys = append(keys, key)
		}
		t.shifts[sh.ID] = sh
	}

	for _, sh := range shifts {
		for _, day := range []time.Time{calendar.AddDays(today, -1), today} {
			_, end, err := cutoff.ShiftWindow(sh, day)
			if err != nil {
				logger.Error().Err(err).Int64("shift_id", sh.ID).Msg("skipping shift with invalid hours")
				break
			}
			if now.After(end) {
				add(day, sh)
			}
		}
	}

	out := make([]target, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byDate[k])
	}
	return out
}

func (s *Sweeper) sweep(ctx context.Context, sum *Summary, logger zerolog.Logger) error {
	shifts, err := s.shifts.ListActiveShifts(ctx)
	if err != nil {
		return err
	}

	affected := map[int64]bool{}
	for _, t := range targets(s.clock.Now(), shifts, logger) {
		orders, err := s.orders.ListOrdered(ctx, t.ids(), t.date)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if err := ctx.Err(); err != nil {
				logger.Warn().Int("processed", sum.Processed).Msg("sweep interrupted")
				return err
			}
			s.markOne(ctx, o, t.shifts[o.ShiftID], sum, affected, logger)
		}
	}

	if s.expirer != nil {
		n, err := s.expirer.ExpireOverdue(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to expire blacklist entries")
			sum.Failed++
		}
		sum.Expired = n
	}

	for id := range affected {
		sum.AffectedUsers = append(sum.AffectedUsers, id)
	}
	sort.Slice(sum.AffectedUsers, func(i, j int) bool { return sum.AffectedUsers[i] < sum.AffectedUsers[j] })
	return nil
}

func (s *Sweeper) markOne(ctx context.Context, o *model.Order, shift model.Shift, sum *Summary, affected map[int64]bool, logger zerolog.Logger) {
	log := logger.With().Int64("order_id", o.ID).Int64("user_id", o.UserID).Int64("shift_id", o.ShiftID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("panic while marking no-show")
			sum.Failed++
		}
	}()

	out, err := s.marker.MarkNoShowOrder(ctx, o, shift)
	if out.OK() && out.Order != nil {
		sum.Processed++
		affected[o.UserID] = true
		if out.Strike != nil && out.Strike.Entry != nil {
			sum.NewBlacklists++
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to mark no-show")
		sum.Failed++
		return
	}
	if !out.OK() {
		log.Debug().Str("reason", out.Failure.Reason).Msg("order skipped")
		sum.Skipped++
	}
}
