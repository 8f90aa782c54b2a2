package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"mealslot/internal/cutoff"
	"mealslot/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc        *Service
	repo       *memRepo
	clock      *fakeClock
	dispatcher *recordingDispatcher
	strikes    *strikeCounter
	holidays   holidayTable
	blacklist  blacklistSet
}

func newFixture(t *testing.T, p cutoff.Policy) *fixture {
	t.Helper()
	f := &fixture{
		repo:       newMemRepo(),
		clock:      &fakeClock{now: at(16, 5, 0, 0)},
		dispatcher: &recordingDispatcher{},
		strikes:    &strikeCounter{},
		holidays:   holidayTable{},
		blacklist:  blacklistSet{},
	}
	shifts := memShifts{
		1: {ID: 1, Name: "Day", StartTime: "12:00", EndTime: "20:00", MealPrice: 4500, IsActive: true},
		2: {ID: 2, Name: "Night", StartTime: "22:00", EndTime: "06:00", MealPrice: 5000, IsActive: true},
		3: {ID: 3, Name: "Closed", StartTime: "08:00", EndTime: "16:00", MealPrice: 3000, IsActive: false},
	}
	f.svc = NewService(f.repo, shifts, f.holidays, f.blacklist, f.strikes, fixedPolicy{p}, f.clock, f.dispatcher, zerolog.Nop())
	return f
}

func defaultPolicy() cutoff.Policy {
	return cutoff.PerShift{CutoffDays: 0, CutoffHours: 6, MaxOrderDaysAhead: 7}
}

func (f *fixture) seed(userID, shiftID int64, day int) *model.Order {
	return f.repo.put(&model.Order{
		UserID:    userID,
		ShiftID:   shiftID,
		OrderDate: date(day),
		Status:    model.StatusOrdered,
		Price:     4500,
		Version:   1,
	})
}

func TestCreate(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.clock.Set(at(16, 5, 59, 59))

	out, err := f.svc.Create(context.Background(), CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-16"})
	require.NoError(t, err)
	require.True(t, out.OK(), "%v", out.Failure)

	assert.NotZero(t, out.Order.ID)
	assert.Equal(t, model.StatusOrdered, out.Order.Status)
	assert.Equal(t, int64(4500), out.Order.Price)
	assert.Equal(t, date(16), out.Order.OrderDate)
	assert.Equal(t, []string{"notification:order.created", "audit:order.create"}, f.dispatcher.names)
}

func TestCreateCutoffBoundary(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.clock.Set(at(16, 6, 0, 0))

	out, err := f.svc.Create(context.Background(), CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-16"})
	require.NoError(t, err)
	require.False(t, out.OK())
	assert.Equal(t, KindPolicy, out.Failure.Kind)
	assert.Equal(t, ReasonPastCutoff, out.Failure.Reason)
	assert.Nil(t, out.Order)
	assert.Empty(t, f.dispatcher.names)
}

func TestCreateRejections(t *testing.T) {
	tests := []struct {
		name   string
		req    CreateRequest
		kind   FailureKind
		reason string
	}{
		{"malformed date", CreateRequest{UserID: 10, ShiftID: 1, Date: "16/10/2026"}, KindValidation, ReasonInvalidInput},
		{"missing user", CreateRequest{ShiftID: 1, Date: "2026-10-17"}, KindValidation, ReasonInvalidInput},
		{"unknown shift", CreateRequest{UserID: 10, ShiftID: 99, Date: "2026-10-17"}, KindValidation, ReasonUnknownShift},
		{"inactive shift", CreateRequest{UserID: 10, ShiftID: 3, Date: "2026-10-17"}, KindPolicy, ReasonShiftInactive},
		{"yesterday", CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-15"}, KindPolicy, ReasonDateInPast},
		{"too far ahead", CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-24"}, KindPolicy, ReasonDateOutOfRange},
		{"full-day holiday", CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-20"}, KindPolicy, ReasonHoliday},
		{"shift holiday", CreateRequest{UserID: 10, ShiftID: 2, Date: "2026-10-21"}, KindPolicy, ReasonHoliday},
		{"other shift on shift holiday", CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-21"}, "", ""},
		{"blacklisted", CreateRequest{UserID: 66, ShiftID: 1, Date: "2026-10-17"}, KindPolicy, ReasonBlacklisted},
		{"duplicate", CreateRequest{UserID: 11, ShiftID: 2, Date: "2026-10-18"}, KindPolicy, ReasonDuplicateOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultPolicy())
			f.holidays["2026-10-20"] = model.HolidayBlock{Blocked: true, Name: "Founders Day"}
			f.holidays["2026-10-21/2"] = model.HolidayBlock{Blocked: true, Name: "Plant maintenance"}
			f.blacklist[66] = true
			f.seed(11, 1, 18)

			out, err := f.svc.Create(context.Background(), tt.req)
			require.NoError(t, err)
			if tt.reason == "" {
				assert.True(t, out.OK(), "%v", out.Failure)
				return
			}
			require.False(t, out.OK())
			assert.Equal(t, tt.kind, out.Failure.Kind)
			assert.Equal(t, tt.reason, out.Failure.Reason)
		})
	}
}

func TestCreateLosesInsertRace(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.repo.raceOnCreate = true

	out, err := f.svc.Create(context.Background(), CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-17"})
	require.NoError(t, err)
	require.False(t, out.OK())
	assert.Equal(t, ReasonDuplicateOrder, out.Failure.Reason)
}

func TestCancelUsesOrderDate(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.clock.Set(at(16, 9, 0, 0)) // today's Day shift closed at 06:00
	today := f.seed(10, 1, 16)
	tomorrow := f.seed(10, 1, 17)

	out, err := f.svc.Cancel(context.Background(), CancelRequest{OrderID: today.ID, RequesterID: 10})
	require.NoError(t, err)
	require.False(t, out.OK())
	assert.Equal(t, ReasonPastCutoff, out.Failure.Reason)

	out, err = f.svc.Cancel(context.Background(), CancelRequest{OrderID: tomorrow.ID, RequesterID: 10})
	require.NoError(t, err)
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, model.StatusCancelled, out.Order.Status)
	assert.Equal(t, "cancelled by user", out.Order.CancelReason)
	require.NotNil(t, out.Order.CancelledBy)
	assert.Equal(t, int64(10), *out.Order.CancelledBy)
	assert.Equal(t, model.StatusCancelled, f.repo.get(tomorrow.ID).Status)
	assert.Contains(t, f.dispatcher.names, "notification:order.cancelled")
}

func TestCancelGuards(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	o := f.seed(10, 1, 18)

	out, err := f.svc.Cancel(context.Background(), CancelRequest{OrderID: o.ID, RequesterID: 20})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotOwner, out.Failure.Reason)

	out, err = f.svc.Cancel(context.Background(), CancelRequest{OrderID: 999, RequesterID: 10})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, out.Failure.Reason)

	out, err = f.svc.Cancel(context.Background(), CancelRequest{OrderID: o.ID, RequesterID: 1, Elevated: true, Reason: "site closed"})
	require.NoError(t, err)
	require.True(t, out.OK())
	assert.Equal(t, "site closed", out.Order.CancelReason)

	out, err = f.svc.Cancel(context.Background(), CancelRequest{OrderID: o.ID, RequesterID: 10})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidState, out.Failure.Reason)
}

func TestCheckInWindow(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"too early", at(16, 11, 29, 59), false},
		{"window opens", at(16, 11, 30, 0), true},
		{"during shift", at(16, 15, 0, 0), true},
		{"shift end", at(16, 20, 0, 0), true},
		{"after shift", at(16, 20, 0, 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultPolicy())
			o := f.seed(10, 1, 16)
			f.clock.Set(tt.now)

			out, err := f.svc.CheckIn(context.Background(), o.ID, 500)
			require.NoError(t, err)
			if !tt.ok {
				require.False(t, out.OK())
				assert.Equal(t, ReasonOutsideCheckInWindow, out.Failure.Reason)
				return
			}
			require.True(t, out.OK(), "%v", out.Failure)
			assert.Equal(t, model.StatusPickedUp, out.Order.Status)
			require.NotNil(t, out.Order.CheckInTime)
			assert.True(t, out.Order.CheckInTime.Equal(tt.now))
			assert.Equal(t, int64(500), *out.Order.CheckedInBy)
		})
	}
}

func TestCheckInUserOvernight(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	o := f.seed(10, 2, 16)
	f.clock.Set(at(17, 2, 0, 0))

	out, err := f.svc.CheckInUser(context.Background(), 10, 500)
	require.NoError(t, err)
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, o.ID, out.Order.ID)
	assert.Equal(t, model.StatusPickedUp, f.repo.get(o.ID).Status)

	out, err = f.svc.CheckInUser(context.Background(), 10, 500)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoOrderToCheckIn, out.Failure.Reason)
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	day := f.seed(10, 1, 16)
	night := f.seed(11, 2, 16)

	f.clock.Set(at(16, 20, 0, 0))
	out, err := f.svc.MarkNoShow(context.Background(), day.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonShiftNotEnded, out.Failure.Reason)

	f.clock.Set(at(16, 20, 0, 1))
	out, err = f.svc.MarkNoShow(context.Background(), day.ID)
	require.NoError(t, err)
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, model.StatusNoShow, out.Order.Status)
	require.NotNil(t, out.Strike)
	assert.Equal(t, 1, out.Strike.NewCount)

	f.clock.Set(at(17, 5, 0, 0))
	out, err = f.svc.MarkNoShow(context.Background(), night.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonShiftNotEnded, out.Failure.Reason, "overnight shift ends the next morning")

	f.clock.Set(at(17, 6, 0, 1))
	out, err = f.svc.MarkNoShow(context.Background(), night.ID)
	require.NoError(t, err)
	require.True(t, out.OK())

	out, err = f.svc.MarkNoShow(context.Background(), night.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidState, out.Failure.Reason)
	assert.Equal(t, 1, f.strikes.counts[11])
}

func TestNoShowRetriesStrike(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	o := f.seed(10, 1, 16)
	f.clock.Set(at(16, 21, 0, 0))

	f.strikes.failures = strikeAttempts - 1
	out, err := f.svc.MarkNoShow(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, out.OK())
	require.NotNil(t, out.Strike)
	assert.Equal(t, 1, out.Strike.NewCount)
	assert.Equal(t, strikeAttempts, f.strikes.calls)
}

func TestNoShowReportsLostStrike(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	o := f.seed(10, 1, 16)
	f.clock.Set(at(16, 21, 0, 0))

	f.strikes.failures = strikeAttempts
	out, err := f.svc.MarkNoShow(context.Background(), o.ID)
	require.Error(t, err)
	assert.ErrorContains(t, err, "record strike for user 10")
	assert.True(t, out.OK(), "the no-show itself is committed")
	assert.Nil(t, out.Strike)
	assert.Equal(t, model.StatusNoShow, f.repo.get(o.ID).Status)
	assert.Equal(t, strikeAttempts, f.strikes.calls)
	assert.Zero(t, f.strikes.counts[10])
}

func TestStaleNoShowLosesToCheckIn(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	o := f.seed(10, 1, 16)
	stale := f.repo.get(o.ID)

	f.clock.Set(at(16, 19, 59, 0))
	out, err := f.svc.CheckIn(context.Background(), o.ID, 500)
	require.NoError(t, err)
	require.True(t, out.OK())

	f.clock.Set(at(16, 21, 0, 0))
	out, err = f.svc.MarkNoShowOrder(context.Background(), stale, model.Shift{ID: 1, StartTime: "12:00", EndTime: "20:00"})
	require.NoError(t, err)
	require.False(t, out.OK())
	assert.Equal(t, KindConflict, out.Failure.Kind)
	assert.Nil(t, out.Strike)
	assert.Equal(t, model.StatusPickedUp, f.repo.get(o.ID).Status)
	assert.Empty(t, f.strikes.counts)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	f := newFixture(t, cutoff.PerShift{MaxOrderDaysAhead: 7})
	o := f.seed(10, 1, 16)
	f.clock.Set(at(16, 11, 45, 0)) // cancel and check-in both allowed

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out Outcome
			var err error
			if i%2 == 0 {
				out, err = f.svc.CheckIn(context.Background(), o.ID, 500)
			} else {
				out, err = f.svc.Cancel(context.Background(), CancelRequest{OrderID: o.ID, RequesterID: 10})
			}
			assert.NoError(t, err)
			if out.OK() {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(2), f.repo.get(o.ID).Version)
}

func TestCancelBeyond(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.clock.Set(at(16, 5, 0, 0))
	var ids []int64
	for day := 17; day <= 23; day++ {
		ids = append(ids, f.seed(int64(day), 1, day).ID)
	}
	done := f.seed(40, 1, 22)
	_, err := f.svc.Cancel(context.Background(), CancelRequest{OrderID: done.ID, RequesterID: 40})
	require.NoError(t, err)

	sum, err := f.svc.CancelBeyond(context.Background(), date(20), "ordering window reduced")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Cancelled)
	assert.ElementsMatch(t, []int64{21, 22, 23}, sum.UserIDs)

	for i, id := range ids {
		o := f.repo.get(id)
		if 17+i <= 20 {
			assert.Equal(t, model.StatusOrdered, o.Status, "Oct %d", 17+i)
			continue
		}
		assert.Equal(t, model.StatusCancelled, o.Status, "Oct %d", 17+i)
		assert.Equal(t, "ordering window reduced", o.CancelReason)
		assert.Nil(t, o.CancelledBy)
	}
}

func TestAvailableShifts(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.clock.Set(at(16, 9, 0, 0))
	f.holidays["2026-10-20"] = model.HolidayBlock{Blocked: true, Name: "Founders Day"}

	list, err := f.svc.AvailableShifts(context.Background(), "2026-10-16")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].Available)
	assert.Equal(t, ReasonPastCutoff, list[0].Reason)
	assert.Equal(t, at(16, 6, 0, 0), list[0].CutoffAt)
	assert.True(t, list[1].Available)
	assert.Equal(t, at(16, 16, 0, 0), list[1].CutoffAt)

	list, err = f.svc.AvailableShifts(context.Background(), "2026-10-20")
	require.NoError(t, err)
	for _, a := range list {
		assert.False(t, a.Available)
		assert.Equal(t, ReasonHoliday, a.Reason)
		assert.Equal(t, "Founders Day", a.Holiday)
	}

	_, err = f.svc.AvailableShifts(context.Background(), "tomorrow")
	assert.True(t, model.IsValidation(err))
}

func TestWeeklyPolicyCreate(t *testing.T) {
	p, err := cutoff.FromSettings(model.CutoffSettings{
		Mode:                model.CutoffWeekly,
		WeeklyCutoffWeekday: 5,
		WeeklyCutoffHour:    17,
		OrderableWeekdays:   []int{1, 2, 3, 4, 5, 6},
		MaxWeeksAhead:       1,
	})
	require.NoError(t, err)
	f := newFixture(t, p)
	f.clock.Set(at(15, 10, 0, 0))

	out, err := f.svc.Create(context.Background(), CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-17"})
	require.NoError(t, err)
	assert.Equal(t, ReasonPastCutoff, out.Failure.Reason, "current week is closed")

	out, err = f.svc.Create(context.Background(), CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-25"})
	require.NoError(t, err)
	assert.Equal(t, ReasonWeekdayNotOrderable, out.Failure.Reason)

	out, err = f.svc.Create(context.Background(), CreateRequest{UserID: 10, ShiftID: 1, Date: "2026-10-24"})
	require.NoError(t, err)
	assert.True(t, out.OK(), "%v", out.Failure)
}
