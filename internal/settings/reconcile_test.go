package settings

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/config"
	"mealslot/internal/database"
	"mealslot/internal/model"
	"mealslot/internal/order"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNarrowingWindowCancelsStoredOrders(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	clk := fixedClock{now: time.Date(2026, 10, 16, 10, 0, 0, 0, loc)}
	today := clk.Today()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "mealslot.db"), loc, &logger)
	require.NoError(t, err)
	defer db.Close()

	shift := model.Shift{Name: "lunch", StartTime: "12:00", EndTime: "14:00", IsActive: true}
	require.NoError(t, db.UpsertShift(ctx, &shift))

	svc := NewService(db, clk, nil, logger)
	wide := model.DefaultCutoffSettings()
	wide.MaxOrderDaysAhead = 14
	require.NoError(t, svc.Load(ctx, wide, model.DefaultBlacklistSettings()))

	orders := order.NewService(db, db, config.NewHolidayCalendar(nil), nil, nil, svc, clk, nil, logger)
	svc.SetReconciler(orders)

	ids := map[int]int64{}
	for k := 1; k <= 14; k++ {
		o := &model.Order{
			UserID: int64(100 + k), ShiftID: shift.ID, OrderDate: calendar.AddDays(today, k),
			Status: model.StatusOrdered, CreatedAt: clk.NowUTC(), UpdatedAt: clk.NowUTC(),
		}
		require.NoError(t, db.CreateOrder(ctx, o))
		ids[k] = o.ID
	}

	narrow := wide
	narrow.MaxOrderDaysAhead = 7
	res, err := svc.UpdateCutoff(ctx, narrow, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Reconciled)
	assert.Equal(t, 7, res.Reconciled.Cancelled)
	assert.Equal(t, []int64{108, 109, 110, 111, 112, 113, 114}, res.Reconciled.UserIDs)

	for k := 1; k <= 14; k++ {
		o, err := db.GetOrder(ctx, ids[k])
		require.NoError(t, err)
		if k <= 7 {
			assert.Equal(t, model.StatusOrdered, o.Status, "today+%d", k)
			continue
		}
		assert.Equal(t, model.StatusCancelled, o.Status, "today+%d", k)
		assert.Equal(t, "ordering window reduced to 7 days", o.CancelReason)
		assert.Nil(t, o.CancelledBy)
	}

	// the narrowed window survives a restart
	reloaded := NewService(db, clk, nil, logger)
	require.NoError(t, reloaded.Load(ctx, wide, model.DefaultBlacklistSettings()))
	assert.Equal(t, 7, reloaded.Cutoff().MaxOrderDaysAhead)
}
