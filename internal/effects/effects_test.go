package effects

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Emit(ctx context.Context, event string, payload map[string]any) error {
	args := m.Called(ctx, event, payload)
	return args.Error(0)
}

type recordingSink struct {
	mu      sync.Mutex
	actions []string
	fail    bool
}

func (s *recordingSink) Record(ctx context.Context, action string, before, after any, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.actions = append(s.actions, action)
	return nil
}

type panicSink struct{}

func (panicSink) Record(ctx context.Context, action string, before, after any, fields map[string]any) error {
	panic("boom")
}

func TestDispatcherDelivers(t *testing.T) {
	notifier := new(MockNotifier)
	notifier.On("Emit", mock.Anything, EventOrderCreated, mock.Anything).Return(nil).Once()
	sink := &recordingSink{}

	d := NewDispatcher(notifier, sink, 0, zerolog.Nop())
	d.Dispatch([]Effect{
		Notify(EventOrderCreated, map[string]any{"order_id": int64(1)}),
		Audit("order.create", nil, map[string]any{"id": 1}, map[string]any{"actor_id": int64(7)}),
	})
	d.Wait()

	notifier.AssertExpectations(t)
	assert.Equal(t, []string{"order.create"}, sink.actions)
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	notifier := new(MockNotifier)
	notifier.On("Emit", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("transport down"))

	d := NewDispatcher(notifier, panicSink{}, 0, zerolog.Nop())
	require.NotPanics(t, func() {
		d.Dispatch([]Effect{
			Notify(EventOrderNoShow, nil),
			Audit("order.no_show", nil, nil, nil),
		})
		d.Wait()
	})
	notifier.AssertNumberOfCalls(t, "Emit", 1)
}

func TestNilDispatcherAndCollaborators(t *testing.T) {
	var d *Dispatcher
	d.Dispatch([]Effect{Notify(EventOrderCreated, nil)})
	d.Wait()

	d = NewDispatcher(nil, nil, 0, zerolog.Nop())
	d.Dispatch([]Effect{Notify(EventOrderCreated, nil), Audit("x", nil, nil, nil)})
	d.Wait()
}

func TestBus(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []string
	record := func(prefix string) Handler {
		return func(ctx context.Context, e Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, prefix+e.Name)
			return nil
		}
	}

	bus.Subscribe(EventOrderCancelled, record("specific:"))
	bus.Subscribe(AllEvents, record("all:"))
	bus.Subscribe(EventOrderCancelled, func(ctx context.Context, e Event) error {
		return errors.New("handler failed")
	})

	err := bus.Emit(context.Background(), EventOrderCancelled, map[string]any{"order_id": 3})
	assert.ErrorContains(t, err, "handler failed")

	require.NoError(t, bus.Emit(context.Background(), EventOrderCreated, nil))

	assert.Equal(t, []string{"specific:order.cancelled", "all:order.cancelled", "all:order.created"}, got)
}
