// Package blacklist counts no-show strikes and bars users who cross the
// configured threshold.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mealslot/internal/clock"
	"mealslot/internal/effects"
	"mealslot/internal/metrics"
	"mealslot/internal/model"

	"github.com/rs/zerolog"
)

// Store persists strike counters and blacklist entries. CreateEntry must
// fail with model.ErrActiveBlacklistExists when the user already has an
// active entry.
type Store interface {
	IncrementStrikes(ctx context.Context, userID int64, at time.Time) (int, error)
	GetStrikes(ctx context.Context, userID int64) (int, error)
	SetStrikes(ctx context.Context, userID int64, count int, at time.Time) error
	ActiveEntry(ctx context.Context, userID int64) (*model.BlacklistEntry, error)
	CreateEntry(ctx context.Context, e *model.BlacklistEntry) error
	DeactivateEntry(ctx context.Context, id int64, at time.Time) error
	ListExpired(ctx context.Context, now time.Time) ([]model.BlacklistEntry, error)
}

type SettingsSource interface {
	Blacklist() model.BlacklistSettings
}

type Dispatcher interface {
	Dispatch(effs []effects.Effect)
}

const lockStripes = 64

type Policy struct {
	store    Store
	settings SettingsSource
	clock    clock.Clock
	effects  Dispatcher
	logger   zerolog.Logger

	// strike accounting and entry creation for one user never interleave
	locks [lockStripes]sync.Mutex
}

func NewPolicy(store Store, settings SettingsSource, clk clock.Clock, dispatcher Dispatcher, logger zerolog.Logger) *Policy {
	return &Policy{
		store:    store,
		settings: settings,
		clock:    clk,
		effects:  dispatcher,
		logger:   logger.With().Str("component", "blacklist").Logger(),
	}
}

func (p *Policy) lock(userID int64) func() {
	idx := userID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	m := &p.locks[idx]
	m.Lock()
	return m.Unlock
}

func (p *Policy) dispatch(effs []effects.Effect) {
	if p.effects != nil && len(effs) > 0 {
		p.effects.Dispatch(effs)
	}
}

// RecordStrike adds one no-show to the user's counter. Reaching the
// threshold creates a blacklist entry unless one is already in force.
func (p *Policy) RecordStrike(ctx context.Context, userID int64) (model.StrikeResult, error) {
	unlock := p.lock(userID)
	defer unlock()

	now := p.clock.NowUTC()
	count, err := p.store.IncrementStrikes(ctx, userID, now)
	if err != nil {
		return model.StrikeResult{}, fmt.Errorf("increment strikes: %w", err)
	}

	cfg := p.settings.Blacklist()
	res := model.StrikeResult{UserID: userID, NewCount: count}
	if cfg.Strikes <= 0 || count < cfg.Strikes {
		return res, nil
	}
	res.CrossedThreshold = true

	active, err := p.activeEntry(ctx, userID, now)
	if err != nil {
		return res, err
	}
	if active != nil {
		return res, nil
	}

	entry := &model.BlacklistEntry{
		UserID:    userID,
		Reason:    fmt.Sprintf("automatic: %d no-shows (threshold %d)", count, cfg.Strikes),
		StartDate: now,
		EndDate:   endDate(p.clock.Now(), cfg.DurationDays),
		IsActive:  true,
		CreatedAt: now,
	}
	if err := p.store.CreateEntry(ctx, entry); err != nil {
		if errors.Is(err, model.ErrActiveBlacklistExists) {
			return res, nil
		}
		return res, fmt.Errorf("create blacklist entry: %w", err)
	}
	res.Entry = entry

	metrics.IncBlacklistCreated()
	p.dispatch([]effects.Effect{
		effects.Notify(effects.EventBlacklistCreated, entryPayload(entry, count)),
		effects.Audit("blacklist.create", nil, *entry, map[string]any{"actor": "system", "no_show_count": count}),
	})
	p.logger.Info().Int64("user_id", userID).Int("no_show_count", count).Int64("entry_id", entry.ID).Msg("user blacklisted")
	return res, nil
}

// ResetResult reports an admin strike reset.
type ResetResult struct {
	PreviousCount int
	NewCount      int
	AutoUnblocked bool
}

// ResetStrikes lowers the counter by reduceBy, or to zero when reduceBy is
// nil. Dropping below the threshold lifts an active entry in the same call.
func (p *Policy) ResetStrikes(ctx context.Context, userID int64, reduceBy *int, adminID int64) (ResetResult, error) {
	if reduceBy != nil && *reduceBy < 0 {
		return ResetResult{}, &model.ValidationError{Field: "reduce_by", Reason: "must be >= 0"}
	}

	unlock := p.lock(userID)
	defer unlock()

	prev, err := p.store.GetStrikes(ctx, userID)
	if err != nil {
		return ResetResult{}, fmt.Errorf("get strikes: %w", err)
	}
	next := 0
	if reduceBy != nil {
		next = max(prev-*reduceBy, 0)
	}

	now := p.clock.NowUTC()
	if err := p.store.SetStrikes(ctx, userID, next, now); err != nil {
		return ResetResult{}, fmt.Errorf("set strikes: %w", err)
	}
	res := ResetResult{PreviousCount: prev, NewCount: next}
	effs := []effects.Effect{
		effects.Audit("strikes.reset", map[string]any{"no_show_count": prev}, map[string]any{"no_show_count": next},
			map[string]any{"actor_id": adminID, "user_id": userID}),
	}

	cfg := p.settings.Blacklist()
	if cfg.Strikes <= 0 || next < cfg.Strikes {
		active, err := p.store.ActiveEntry(ctx, userID)
		if err != nil {
			return res, fmt.Errorf("get active entry: %w", err)
		}
		if active != nil {
			lifted, err := p.lift(ctx, active, now, "strikes reset", adminID)
			if err != nil {
				return res, err
			}
			res.AutoUnblocked = true
			effs = append(effs, lifted...)
			metrics.IncBlacklistLifted("auto_unblocked")
		}
	}

	p.dispatch(effs)
	p.logger.Info().Int64("user_id", userID).Int64("admin_id", adminID).Int("previous", prev).Int("current", next).
		Bool("auto_unblocked", res.AutoUnblocked).Msg("strikes reset")
	return res, nil
}

// Block creates a manual entry; durationDays 0 blocks indefinitely.
func (p *Policy) Block(ctx context.Context, userID int64, reason string, durationDays int, adminID int64) (*model.BlacklistEntry, error) {
	if durationDays < 0 {
		return nil, &model.ValidationError{Field: "duration_days", Reason: "must be >= 0"}
	}
	if reason == "" {
		reason = "blocked by administrator"
	}

	unlock := p.lock(userID)
	defer unlock()

	now := p.clock.NowUTC()
	active, err := p.activeEntry(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, model.ErrActiveBlacklistExists
	}

	entry := &model.BlacklistEntry{
		UserID:    userID,
		Reason:    reason,
		StartDate: now,
		EndDate:   endDate(p.clock.Now(), durationDays),
		IsActive:  true,
		CreatedAt: now,
	}
	if err := p.store.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create blacklist entry: %w", err)
	}

	metrics.IncBlacklistCreated()
	p.dispatch([]effects.Effect{
		effects.Notify(effects.EventBlacklistCreated, entryPayload(entry, -1)),
		effects.Audit("blacklist.create", nil, *entry, map[string]any{"actor_id": adminID}),
	})
	return entry, nil
}

// Unblock lifts the user's active entry, keeping the strike counter.
func (p *Policy) Unblock(ctx context.Context, userID int64, adminID int64) (bool, error) {
	unlock := p.lock(userID)
	defer unlock()

	active, err := p.store.ActiveEntry(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get active entry: %w", err)
	}
	if active == nil {
		return false, nil
	}
	effs, err := p.lift(ctx, active, p.clock.NowUTC(), "unblocked by administrator", adminID)
	if err != nil {
		return false, err
	}
	metrics.IncBlacklistLifted("manual")
	p.dispatch(effs)
	return true, nil
}

// IsBlacklisted reports whether an entry is in force now. Entries past
// their end date no longer block even before ExpireOverdue runs.
func (p *Policy) IsBlacklisted(ctx context.Context, userID int64) (bool, error) {
	e, err := p.store.ActiveEntry(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get active entry: %w", err)
	}
	return e.InForce(p.clock.NowUTC()), nil
}

// ExpireOverdue deactivates entries whose end date has passed.
func (p *Policy) ExpireOverdue(ctx context.Context) (int, error) {
	now := p.clock.NowUTC()
	expired, err := p.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired entries: %w", err)
	}

	n := 0
	for i := range expired {
		e := &expired[i]
		unlock := p.lock(e.UserID)
		err := p.store.DeactivateEntry(ctx, e.ID, *e.EndDate)
		unlock()
		if err != nil {
			p.logger.Error().Err(err).Int64("entry_id", e.ID).Msg("expire blacklist entry")
			continue
		}
		n++
		metrics.IncBlacklistLifted("expired")
		p.dispatch([]effects.Effect{
			effects.Notify(effects.EventBlacklistLifted, map[string]any{"user_id": e.UserID, "entry_id": e.ID, "reason": "expired"}),
		})
	}
	return n, nil
}

// activeEntry returns the user's entry in force, deactivating one that is
// still flagged active but already past its end date.
func (p *Policy) activeEntry(ctx context.Context, userID int64, now time.Time) (*model.BlacklistEntry, error) {
	e, err := p.store.ActiveEntry(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get active entry: %w", err)
	}
	if e == nil || e.InForce(now) {
		return e, nil
	}
	if err := p.store.DeactivateEntry(ctx, e.ID, *e.EndDate); err != nil {
		return nil, fmt.Errorf("deactivate expired entry %d: %w", e.ID, err)
	}
	metrics.IncBlacklistLifted("expired")
	return nil, nil
}

func (p *Policy) lift(ctx context.Context, e *model.BlacklistEntry, now time.Time, reason string, adminID int64) ([]effects.Effect, error) {
	if err := p.store.DeactivateEntry(ctx, e.ID, now); err != nil {
		return nil, fmt.Errorf("deactivate entry %d: %w", e.ID, err)
	}
	after := *e
	after.IsActive = false
	after.EndDate = &now
	return []effects.Effect{
		effects.Notify(effects.EventBlacklistLifted, map[string]any{"user_id": e.UserID, "entry_id": e.ID, "reason": reason}),
		effects.Audit("blacklist.lift", *e, after, map[string]any{"actor_id": adminID, "reason": reason}),
	}, nil
}

// endDate is days calendar days after now, at the same wall-clock time,
// or nil for an indefinite entry.
func endDate(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	end := now.AddDate(0, 0, days).UTC()
	return &end
}

func entryPayload(e *model.BlacklistEntry, count int) map[string]any {
	p := map[string]any{
		"user_id":  e.UserID,
		"entry_id": e.ID,
		"reason":   e.Reason,
	}
	if e.EndDate != nil {
		p["end_date"] = e.EndDate.Format(time.RFC3339)
	}
	if count >= 0 {
		p["no_show_count"] = count
	}
	return p
}
