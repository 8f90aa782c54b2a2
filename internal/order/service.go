// Package order implements the meal order lifecycle: creation, cancellation,
// check-in and no-show marking, each guarded by the logical clock and the
// active cutoff policy.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/clock"
	"mealslot/internal/cutoff"
	"mealslot/internal/effects"
	"mealslot/internal/metrics"
	"mealslot/internal/model"

	"github.com/rs/zerolog"
)

// Repository persists orders. TransitionOrder must only write when the
// stored status still equals from, returning model.ErrConcurrentModification
// otherwise. CreateOrder returns model.ErrDuplicateOrder when the user
// already holds a non-cancelled order on the date.
type Repository interface {
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	FindActiveOrder(ctx context.Context, userID int64, date time.Time) (*model.Order, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	TransitionOrder(ctx context.Context, o *model.Order, from model.OrderStatus) error
	ListOrdered(ctx context.Context, shiftIDs []int64, date time.Time) ([]*model.Order, error)
	ListOrderedAfter(ctx context.Context, boundary time.Time) ([]*model.Order, error)
	ListOrderedByUser(ctx context.Context, userID int64, from, to time.Time) ([]*model.Order, error)
}

type ShiftStore interface {
	GetShift(ctx context.Context, id int64) (*model.Shift, error)
	ListActiveShifts(ctx context.Context) ([]model.Shift, error)
}

type HolidayChecker interface {
	IsHoliday(date time.Time, shiftID int64) model.HolidayBlock
}

type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, userID int64) (bool, error)
}

type StrikeRecorder interface {
	RecordStrike(ctx context.Context, userID int64) (model.StrikeResult, error)
}

// PolicySource yields the cutoff policy in force right now.
type PolicySource interface {
	Policy() cutoff.Policy
}

type Dispatcher interface {
	Dispatch(effs []effects.Effect)
}

type discard struct{}

func (discard) Dispatch([]effects.Effect) {}

type Service struct {
	repo      Repository
	shifts    ShiftStore
	holidays  HolidayChecker
	blacklist BlacklistChecker
	strikes   StrikeRecorder
	policy    PolicySource
	clock     clock.Clock
	effects   Dispatcher
	logger    zerolog.Logger
}

func NewService(
	repo Repository,
	shifts ShiftStore,
	holidays HolidayChecker,
	blacklist BlacklistChecker,
	strikes StrikeRecorder,
	policy PolicySource,
	clk clock.Clock,
	dispatcher Dispatcher,
	logger zerolog.Logger,
) *Service {
	if dispatcher == nil {
		dispatcher = discard{}
	}
	return &Service{
		repo:      repo,
		shifts:    shifts,
		holidays:  holidays,
		blacklist: blacklist,
		strikes:   strikes,
		policy:    policy,
		clock:     clk,
		effects:   dispatcher,
		logger:    logger.With().Str("component", "order").Logger(),
	}
}

// CreateRequest asks for a meal on Date ("YYYY-MM-DD") for ShiftID.
type CreateRequest struct {
	UserID  int64
	ShiftID int64
	Date    string
}

// CancelRequest cancels OrderID on behalf of RequesterID. Elevated
// requesters may cancel orders of other users.
type CancelRequest struct {
	OrderID     int64
	RequesterID int64
	Elevated    bool
	Reason      string
}

// Create places a new order in ORDERED with a snapshot of the meal price.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Outcome, error) {
	if req.UserID <= 0 || req.ShiftID <= 0 {
		return s.reject("create", validation(ReasonInvalidInput, "user and shift are required")), nil
	}
	date, err := calendar.ParseDate(req.Date, s.clock.Location())
	if err != nil {
		return s.reject("create", validation(ReasonInvalidInput, "%v", err)), nil
	}

	facts := CreateFacts{}
	facts.Shift, err = s.lookupShift(ctx, req.ShiftID)
	if err != nil {
		return Outcome{}, err
	}
	if facts.Shift != nil {
		facts.Existing, err = s.repo.FindActiveOrder(ctx, req.UserID, date)
		if err != nil {
			return Outcome{}, fmt.Errorf("find active order: %w", err)
		}
		if s.holidays != nil {
			facts.Holiday = s.holidays.IsHoliday(date, facts.Shift.ID)
		}
		if s.blacklist != nil {
			facts.Blacklisted, err = s.blacklist.IsBlacklisted(ctx, req.UserID)
			if err != nil {
				return Outcome{}, fmt.Errorf("check blacklist: %w", err)
			}
		}
	}

	now := s.clock.Now()
	failure, err := CheckCreate(now, date, s.policy.Policy(), facts)
	if err != nil {
		return Outcome{}, err
	}
	if failure != nil {
		return s.reject("create", failure), nil
	}

	ts := s.clock.NowUTC()
	o := &model.Order{
		UserID:    req.UserID,
		ShiftID:   facts.Shift.ID,
		OrderDate: date,
		Status:    model.StatusOrdered,
		Price:     facts.Shift.MealPrice,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := s.repo.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, model.ErrDuplicateOrder) {
			return s.reject("create", policy(ReasonDuplicateOrder, "an order for %s already exists", req.Date)), nil
		}
		return Outcome{}, fmt.Errorf("create order: %w", err)
	}

	effs := []effects.Effect{
		effects.Notify(effects.EventOrderCreated, payload(o)),
		effects.Audit("order.create", nil, o.Clone(), auditFields(&o.UserID, "")),
	}
	s.effects.Dispatch(effs)
	metrics.IncOrderCreated()
	s.logger.Info().Int64("order_id", o.ID).Int64("user_id", o.UserID).Int64("shift_id", o.ShiftID).
		Str("order_date", req.Date).Msg("order created")

	return Outcome{Order: o, Effects: effs}, nil
}

// Cancel moves an ORDERED order to CANCELLED before its cutoff.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (Outcome, error) {
	o, shift, failure, err := s.load(ctx, req.OrderID)
	if err != nil || failure != nil {
		return s.reject("cancel", failure), err
	}

	failure, err = CheckCancel(s.clock.Now(), o, *shift, s.policy.Policy(), req.RequesterID, req.Elevated)
	if err != nil {
		return Outcome{}, err
	}
	if failure != nil {
		return s.reject("cancel", failure), nil
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by user"
	}
	actor := req.RequesterID
	return s.commit(ctx, "cancel", o, change{
		to:          model.StatusCancelled,
		actor:       &actor,
		reason:      reason,
		event:       effects.EventOrderCancelled,
		auditAction: "order.cancel",
	})
}

// CheckIn marks the order collected by operatorID.
func (s *Service) CheckIn(ctx context.Context, orderID, operatorID int64) (Outcome, error) {
	o, shift, failure, err := s.load(ctx, orderID)
	if err != nil || failure != nil {
		return s.reject("check_in", failure), err
	}
	return s.checkIn(ctx, o, *shift, operatorID)
}

// CheckInUser finds the user's order whose check-in window is open now,
// including an overnight shift that started yesterday, and checks it in.
func (s *Service) CheckInUser(ctx context.Context, userID, operatorID int64) (Outcome, error) {
	if userID <= 0 {
		return s.reject("check_in", validation(ReasonInvalidInput, "user is required")), nil
	}
	today := s.clock.Today()
	orders, err := s.repo.ListOrderedByUser(ctx, userID, calendar.AddDays(today, -1), today)
	if err != nil {
		return Outcome{}, fmt.Errorf("list user orders: %w", err)
	}

	now := s.clock.Now()
	for _, o := range orders {
		shift, err := s.lookupShift(ctx, o.ShiftID)
		if err != nil {
			return Outcome{}, err
		}
		if shift == nil {
			continue
		}
		if f, err := CheckCheckIn(now, o, *shift); err != nil || f != nil {
			continue
		}
		return s.checkIn(ctx, o, *shift, operatorID)
	}
	return s.reject("check_in", policy(ReasonNoOrderToCheckIn, "no order is open for check-in")), nil
}

func (s *Service) checkIn(ctx context.Context, o *model.Order, shift model.Shift, operatorID int64) (Outcome, error) {
	failure, err := CheckCheckIn(s.clock.Now(), o, shift)
	if err != nil {
		return Outcome{}, err
	}
	if failure != nil {
		return s.reject("check_in", failure), nil
	}
	return s.commit(ctx, "check_in", o, change{
		to:          model.StatusPickedUp,
		actor:       &operatorID,
		event:       effects.EventOrderPickedUp,
		auditAction: "order.check_in",
	})
}

// MarkNoShow moves an uncollected order to NO_SHOW once its shift has ended
// and records a strike for the user. The sweeper uses MarkNoShowOrder; this
// by-ID form is for administrative recovery of orders the sweeper never
// reached and must not be exposed to users.
func (s *Service) MarkNoShow(ctx context.Context, orderID int64) (Outcome, error) {
	o, shift, failure, err := s.load(ctx, orderID)
	if err != nil || failure != nil {
		return s.reject("no_show", failure), err
	}
	return s.MarkNoShowOrder(ctx, o, *shift)
}

// MarkNoShowOrder is MarkNoShow for an order and shift already loaded.
func (s *Service) MarkNoShowOrder(ctx context.Context, o *model.Order, shift model.Shift) (Outcome, error) {
	failure, err := CheckNoShow(s.clock.Now(), o, shift)
	if err != nil {
		return Outcome{}, err
	}
	if failure != nil {
		return s.reject("no_show", failure), nil
	}

	out, err := s.commit(ctx, "no_show", o, change{
		to:          model.StatusNoShow,
		event:       effects.EventOrderNoShow,
		auditAction: "order.no_show",
	})
	if err != nil || !out.OK() || s.strikes == nil {
		return out, err
	}

	strike, err := s.recordStrike(ctx, o)
	if err != nil {
		return out, fmt.Errorf("record strike for user %d: %w", o.UserID, err)
	}
	out.Strike = &strike
	return out, nil
}

const strikeAttempts = 3

// recordStrike retries a failed strike. The order has already left ORDERED,
// so no later sweep revisits it.
func (s *Service) recordStrike(ctx context.Context, o *model.Order) (model.StrikeResult, error) {
	var err error
	for attempt := 1; attempt <= strikeAttempts; attempt++ {
		var res model.StrikeResult
		res, err = s.strikes.RecordStrike(ctx, o.UserID)
		if err == nil {
			return res, nil
		}
		s.logger.Warn().Err(err).Int64("order_id", o.ID).Int64("user_id", o.UserID).
			Int("attempt", attempt).Msg("record strike failed")
		if ctx.Err() != nil {
			break
		}
	}
	s.logger.Error().Err(err).Int64("order_id", o.ID).Int64("user_id", o.UserID).
		Str("order_date", o.OrderDate.Format(calendar.DateLayout)).Bool("strike_lost", true).
		Msg("no-show recorded without a strike")
	return model.StrikeResult{}, err
}

// CancelSummary reports a bulk cancellation.
type CancelSummary struct {
	Cancelled int
	Conflicts int
	Failed    int
	UserIDs   []int64
}

// CancelBeyond cancels every ORDERED order dated after boundary. It is a
// system action: ownership and cutoff are not checked. One failing order
// does not stop the rest.
func (s *Service) CancelBeyond(ctx context.Context, boundary time.Time, reason string) (CancelSummary, error) {
	boundary = calendar.Day(boundary)
	orders, err := s.repo.ListOrderedAfter(ctx, boundary)
	if err != nil {
		return CancelSummary{}, fmt.Errorf("list orders after %s: %w", boundary.Format(calendar.DateLayout), err)
	}

	var sum CancelSummary
	seen := make(map[int64]bool)
	for _, o := range orders {
		out, err := s.commit(ctx, "cancel", o, change{
			to:          model.StatusCancelled,
			reason:      reason,
			event:       effects.EventOrderCancelled,
			auditAction: "order.cancel_out_of_range",
		})
		switch {
		case err != nil:
			sum.Failed++
			s.logger.Error().Err(err).Int64("order_id", o.ID).Msg("bulk cancel failed")
		case !out.OK():
			sum.Conflicts++
		default:
			sum.Cancelled++
			if !seen[o.UserID] {
				seen[o.UserID] = true
				sum.UserIDs = append(sum.UserIDs, o.UserID)
			}
		}
	}

	s.logger.Info().Str("boundary", boundary.Format(calendar.DateLayout)).Int("cancelled", sum.Cancelled).
		Int("conflicts", sum.Conflicts).Int("failed", sum.Failed).Msg("orders beyond ordering window cancelled")
	return sum, nil
}

// ShiftAvailability describes whether one shift may be ordered on a date.
type ShiftAvailability struct {
	Shift     model.Shift
	Available bool
	Reason    string
	Holiday   string
	CutoffAt  time.Time
}

// AvailableShifts lists active shifts for date with the same rules Create
// applies, apart from per-user checks.
func (s *Service) AvailableShifts(ctx context.Context, date string) ([]ShiftAvailability, error) {
	day, err := calendar.ParseDate(date, s.clock.Location())
	if err != nil {
		return nil, &model.ValidationError{Field: "date", Reason: err.Error()}
	}
	shifts, err := s.shifts.ListActiveShifts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shifts: %w", err)
	}

	now := s.clock.Now()
	p := s.policy.Policy()
	result := make([]ShiftAvailability, 0, len(shifts))
	for i := range shifts {
		facts := CreateFacts{Shift: &shifts[i]}
		if s.holidays != nil {
			facts.Holiday = s.holidays.IsHoliday(day, shifts[i].ID)
		}
		failure, err := CheckCreate(now, day, p, facts)
		if err != nil {
			return nil, err
		}
		at, err := cutoff.CutoffInstant(shifts[i], day, p)
		if err != nil {
			return nil, err
		}

		a := ShiftAvailability{Shift: shifts[i], Available: failure == nil, CutoffAt: at}
		if failure != nil {
			a.Reason = failure.Reason
		}
		if facts.Holiday.Blocked {
			a.Holiday = holidayName(facts.Holiday)
		}
		result = append(result, a)
	}
	return result, nil
}

func (s *Service) lookupShift(ctx context.Context, id int64) (*model.Shift, error) {
	shift, err := s.shifts.GetShift(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get shift %d: %w", id, err)
	}
	return shift, nil
}

func (s *Service) load(ctx context.Context, orderID int64) (*model.Order, *model.Shift, *Failure, error) {
	if orderID <= 0 {
		return nil, nil, validation(ReasonInvalidInput, "order id is required"), nil
	}
	o, err := s.repo.GetOrder(ctx, orderID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil, policy(ReasonNotFound, "order %d not found", orderID), nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	shift, err := s.lookupShift(ctx, o.ShiftID)
	if err != nil {
		return nil, nil, nil, err
	}
	if shift == nil {
		return nil, nil, validation(ReasonUnknownShift, "shift %d of order %d does not exist", o.ShiftID, o.ID), nil
	}
	return o, shift, nil, nil
}

// commit writes a transition with an optimistic status check, then
// dispatches its effects. A lost race yields a conflict failure.
func (s *Service) commit(ctx context.Context, op string, o *model.Order, c change) (Outcome, error) {
	c.at = s.clock.NowUTC()
	next, effs, err := apply(o, c)
	if err != nil {
		return s.reject(op, policy(ReasonInvalidState, "%v", err)), nil
	}

	if err := s.repo.TransitionOrder(ctx, next, o.Status); err != nil {
		if errors.Is(err, model.ErrConcurrentModification) {
			s.logger.Debug().Int64("order_id", o.ID).Str("operation", op).Msg("transition lost race")
			return s.reject(op, conflict(o.ID)), nil
		}
		return Outcome{}, fmt.Errorf("%s order %d: %w", op, o.ID, err)
	}

	s.effects.Dispatch(effs)
	metrics.IncOrderTransition(string(next.Status))
	s.logger.Info().Int64("order_id", next.ID).Int64("user_id", next.UserID).
		Str("status", string(next.Status)).Msg("order transitioned")
	return Outcome{Order: next, Effects: effs}, nil
}

func (s *Service) reject(op string, f *Failure) Outcome {
	if f == nil {
		return Outcome{}
	}
	metrics.IncOrderRejected(op, f.Reason)
	s.logger.Debug().Str("operation", op).Str("reason", f.Reason).Msg(f.Message)
	return rejected(f)
}
