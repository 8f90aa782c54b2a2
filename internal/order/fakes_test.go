package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/cutoff"
	"mealslot/internal/effects"
	"mealslot/internal/model"
)

var loc = time.FixedZone("UTC+7", 7*3600)

func at(day, hour, minute, sec int) time.Time {
	return time.Date(2026, 10, day, hour, minute, sec, 0, loc)
}

func date(day int) time.Time {
	return time.Date(2026, 10, day, 0, 0, 0, 0, loc)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NowUTC() time.Time       { return c.Now().UTC() }
func (c *fakeClock) Today() time.Time        { return calendar.Day(c.Now()) }
func (c *fakeClock) Location() *time.Location { return loc }

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type memRepo struct {
	mu     sync.Mutex
	orders map[int64]*model.Order
	nextID int64
	// raceOnCreate simulates a concurrent insert winning the unique index.
	raceOnCreate bool
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[int64]*model.Order)}
}

func (r *memRepo) put(o *model.Order) *model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	o.ID = r.nextID
	r.orders[o.ID] = o.Clone()
	return o
}

func (r *memRepo) get(id int64) *model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id].Clone()
}

func (r *memRepo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *memRepo) FindActiveOrder(ctx context.Context, userID int64, day time.Time) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.UserID == userID && calendar.SameDay(o.OrderDate, day) && o.Status != model.StatusCancelled {
			return o.Clone(), nil
		}
	}
	return nil, nil
}

func (r *memRepo) CreateOrder(ctx context.Context, o *model.Order) error {
	if r.raceOnCreate {
		return model.ErrDuplicateOrder
	}
	if existing, _ := r.FindActiveOrder(ctx, o.UserID, o.OrderDate); existing != nil {
		return model.ErrDuplicateOrder
	}
	o.Version = 1
	r.put(o)
	return nil
}

func (r *memRepo) TransitionOrder(ctx context.Context, o *model.Order, from model.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.orders[o.ID]
	if !ok || stored.Status != from {
		return model.ErrConcurrentModification
	}
	o.Version = stored.Version + 1
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *memRepo) filter(keep func(o *model.Order) bool) []*model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Order
	for _, o := range r.orders {
		if o.Status == model.StatusOrdered && keep(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRepo) ListOrdered(ctx context.Context, shiftIDs []int64, day time.Time) ([]*model.Order, error) {
	return r.filter(func(o *model.Order) bool {
		if !calendar.SameDay(o.OrderDate, day) {
			return false
		}
		for _, id := range shiftIDs {
			if id == o.ShiftID {
				return true
			}
		}
		return false
	}), nil
}

func (r *memRepo) ListOrderedAfter(ctx context.Context, boundary time.Time) ([]*model.Order, error) {
	return r.filter(func(o *model.Order) bool { return o.OrderDate.After(boundary) }), nil
}

func (r *memRepo) ListOrderedByUser(ctx context.Context, userID int64, from, to time.Time) ([]*model.Order, error) {
	return r.filter(func(o *model.Order) bool {
		return o.UserID == userID && !o.OrderDate.Before(from) && !o.OrderDate.After(to)
	}), nil
}

type memShifts map[int64]model.Shift

func (m memShifts) GetShift(ctx context.Context, id int64) (*model.Shift, error) {
	s, ok := m[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &s, nil
}

func (m memShifts) ListActiveShifts(ctx context.Context) ([]model.Shift, error) {
	var out []model.Shift
	for _, s := range m {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type holidayTable map[string]model.HolidayBlock

func (h holidayTable) IsHoliday(day time.Time, shiftID int64) model.HolidayBlock {
	if b, ok := h[day.Format(calendar.DateLayout)]; ok {
		return b
	}
	return h[fmt.Sprintf("%s/%d", day.Format(calendar.DateLayout), shiftID)]
}

type blacklistSet map[int64]bool

func (b blacklistSet) IsBlacklisted(ctx context.Context, userID int64) (bool, error) {
	return b[userID], nil
}

type strikeCounter struct {
	mu       sync.Mutex
	counts   map[int64]int
	calls    int
	failures int
}

func (s *strikeCounter) RecordStrike(ctx context.Context, userID int64) (model.StrikeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return model.StrikeResult{}, errors.New("database is locked")
	}
	if s.counts == nil {
		s.counts = make(map[int64]int)
	}
	s.counts[userID]++
	return model.StrikeResult{UserID: userID, NewCount: s.counts[userID]}, nil
}

type fixedPolicy struct{ p cutoff.Policy }

func (f fixedPolicy) Policy() cutoff.Policy { return f.p }

type recordingDispatcher struct {
	mu    sync.Mutex
	names []string
}

func (d *recordingDispatcher) Dispatch(effs []effects.Effect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range effs {
		d.names = append(d.names, string(e.Kind)+":"+e.Name)
	}
}
