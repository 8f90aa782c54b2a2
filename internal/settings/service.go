// Package settings holds the process-wide cutoff and blacklist settings.
// Updates are last-write-wins and apply to every evaluation that follows.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/clock"
	"mealslot/internal/cutoff"
	"mealslot/internal/effects"
	"mealslot/internal/model"
	"mealslot/internal/order"

	"github.com/rs/zerolog"
)

const (
	keyCutoff    = "cutoff"
	keyBlacklist = "blacklist"
)

// Store persists settings documents by key. Missing keys report found=false.
type Store interface {
	GetSetting(ctx context.Context, key string) (value string, found bool, err error)
	SetSetting(ctx context.Context, key, value string, at time.Time) error
}

// Reconciler cancels orders that a narrower ordering window excludes.
type Reconciler interface {
	CancelBeyond(ctx context.Context, boundary time.Time, reason string) (order.CancelSummary, error)
}

type Dispatcher interface {
	Dispatch(effs []effects.Effect)
}

type Service struct {
	store      Store
	clock      clock.Clock
	effects    Dispatcher
	reconciler Reconciler
	logger     zerolog.Logger

	mu        sync.RWMutex
	cutoff    model.CutoffSettings
	policy    cutoff.Policy
	blacklist model.BlacklistSettings
}

// NewService starts from the built-in defaults until Load is called.
func NewService(store Store, clk clock.Clock, dispatcher Dispatcher, logger zerolog.Logger) *Service {
	s := &Service{
		store:     store,
		clock:     clk,
		effects:   dispatcher,
		logger:    logger.With().Str("component", "settings").Logger(),
		cutoff:    model.DefaultCutoffSettings(),
		blacklist: model.DefaultBlacklistSettings(),
	}
	s.policy, _ = cutoff.FromSettings(s.cutoff)
	return s
}

// SetReconciler wires the bulk cancellation run when the ordering window
// shrinks. The order service depends on settings, so it is set afterwards.
func (s *Service) SetReconciler(r Reconciler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciler = r
}

// Load reads persisted settings. Missing documents are seeded from the
// bootstrap values, which must themselves be valid.
func (s *Service) Load(ctx context.Context, bootCutoff model.CutoffSettings, bootBlacklist model.BlacklistSettings) error {
	cut := bootCutoff
	found, err := s.read(ctx, keyCutoff, &cut)
	if err != nil {
		return err
	}
	p, err := cutoff.FromSettings(cut)
	if err != nil {
		return fmt.Errorf("cutoff settings: %w", err)
	}
	if !found {
		if err := s.write(ctx, keyCutoff, cut); err != nil {
			return err
		}
	}

	bl := bootBlacklist
	found, err = s.read(ctx, keyBlacklist, &bl)
	if err != nil {
		return err
	}
	if err := ValidateBlacklist(bl); err != nil {
		return fmt.Errorf("blacklist settings: %w", err)
	}
	if !found {
		if err := s.write(ctx, keyBlacklist, bl); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.cutoff, s.policy, s.blacklist = cut, p, bl
	s.mu.Unlock()

	s.logger.Info().Str("mode", string(cut.Mode)).Int("max_order_days_ahead", cut.MaxOrderDaysAhead).
		Int("blacklist_strikes", bl.Strikes).Msg("settings loaded")
	return nil
}

// Cutoff returns a copy of the raw cutoff settings.
func (s *Service) Cutoff() model.CutoffSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.cutoff
	c.OrderableWeekdays = append([]int(nil), s.cutoff.OrderableWeekdays...)
	return c
}

// Policy returns the evaluated cutoff policy in force.
func (s *Service) Policy() cutoff.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *Service) Blacklist() model.BlacklistSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blacklist
}

// UpdateResult reports the side effects of a cutoff update.
type UpdateResult struct {
	// Reconciled is set when a shorter ordering window cancelled orders.
	Reconciled *order.CancelSummary
}

// UpdateCutoff validates, persists and activates next. When the per-shift
// window shrinks, ORDERED orders beyond the new last orderable date are
// cancelled once.
func (s *Service) UpdateCutoff(ctx context.Context, next model.CutoffSettings, adminID int64) (UpdateResult, error) {
	p, err := cutoff.FromSettings(next)
	if err != nil {
		return UpdateResult{}, err
	}
	next.OrderableWeekdays = append([]int(nil), next.OrderableWeekdays...)
	if err := s.write(ctx, keyCutoff, next); err != nil {
		return UpdateResult{}, err
	}

	s.mu.Lock()
	prev := s.cutoff
	s.cutoff, s.policy = next, p
	reconciler := s.reconciler
	s.mu.Unlock()

	s.audit("settings.cutoff.update", prev, next, adminID)
	s.logger.Info().Int64("admin_id", adminID).Str("mode", string(next.Mode)).Msg("cutoff settings updated")

	var res UpdateResult
	if !shrinks(prev, next) || reconciler == nil {
		return res, nil
	}

	boundary := cutoff.MaxOrderableDate(s.clock.Today(), p.(cutoff.PerShift))
	reason := fmt.Sprintf("ordering window reduced to %d days", next.MaxOrderDaysAhead)
	sum, err := reconciler.CancelBeyond(ctx, boundary, reason)
	if err != nil {
		return res, fmt.Errorf("cancel orders after %s: %w", boundary.Format(calendar.DateLayout), err)
	}
	res.Reconciled = &sum
	return res, nil
}

// UpdateBlacklist validates, persists and activates next.
func (s *Service) UpdateBlacklist(ctx context.Context, next model.BlacklistSettings, adminID int64) error {
	if err := ValidateBlacklist(next); err != nil {
		return err
	}
	if err := s.write(ctx, keyBlacklist, next); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.blacklist
	s.blacklist = next
	s.mu.Unlock()

	s.audit("settings.blacklist.update", prev, next, adminID)
	s.logger.Info().Int64("admin_id", adminID).Int("strikes", next.Strikes).Int("duration_days", next.DurationDays).
		Msg("blacklist settings updated")
	return nil
}

// ValidateBlacklist checks the strike threshold and duration ranges.
func ValidateBlacklist(b model.BlacklistSettings) error {
	if b.Strikes < 1 || b.Strikes > 100 {
		return &model.ValidationError{Field: "strikes", Reason: "must be within [1,100]"}
	}
	if b.DurationDays < 0 || b.DurationDays > 365 {
		return &model.ValidationError{Field: "duration_days", Reason: "must be within [0,365]"}
	}
	return nil
}

func shrinks(prev, next model.CutoffSettings) bool {
	return prev.Mode == model.CutoffPerShift && next.Mode == model.CutoffPerShift &&
		next.MaxOrderDaysAhead < prev.MaxOrderDaysAhead
}

func (s *Service) read(ctx context.Context, key string, dst any) (bool, error) {
	raw, found, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s settings: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s settings: %w", key, err)
	}
	return true, nil
}

func (s *Service) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s settings: %w", key, err)
	}
	if err := s.store.SetSetting(ctx, key, string(raw), s.clock.NowUTC()); err != nil {
		return fmt.Errorf("write %s settings: %w", key, err)
	}
	return nil
}

func (s *Service) audit(action string, before, after any, adminID int64) {
	if s.effects == nil {
		return
	}
	s.effects.Dispatch([]effects.Effect{effects.Audit(action, before, after, map[string]any{"actor_id": adminID})})
}
