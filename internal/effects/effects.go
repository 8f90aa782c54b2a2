// Package effects carries the side effects of state transitions. Transitions
// return them as values; the caller dispatches them once the write commits.
package effects

import (
	"context"
	"sync"
	"time"

	"mealslot/internal/metrics"

	"github.com/rs/zerolog"
)

// Event names emitted to the notification collaborator.
const (
	EventOrderCreated     = "order.created"
	EventOrderCancelled   = "order.cancelled"
	EventOrderPickedUp    = "order.picked_up"
	EventOrderNoShow      = "order.no_show"
	EventBlacklistCreated = "blacklist.created"
	EventBlacklistLifted  = "blacklist.lifted"
)

type Kind string

const (
	KindNotification Kind = "notification"
	KindAudit        Kind = "audit"
)

// Effect is one pending notification or audit record.
type Effect struct {
	Kind Kind
	// Name is the event name for notifications and the action for audit records.
	Name    string
	Payload map[string]any
	Before  any
	After   any
}

// Notify builds a notification effect.
func Notify(event string, payload map[string]any) Effect {
	return Effect{Kind: KindNotification, Name: event, Payload: payload}
}

// Audit builds an audit effect; fields are stored alongside the snapshots.
func Audit(action string, before, after any, fields map[string]any) Effect {
	return Effect{Kind: KindAudit, Name: action, Before: before, After: after, Payload: fields}
}

// Notifier receives emitted events.
type Notifier interface {
	Emit(ctx context.Context, event string, payload map[string]any) error
}

// AuditSink receives audit records.
type AuditSink interface {
	Record(ctx context.Context, action string, before, after any, fields map[string]any) error
}

// Dispatcher delivers effects in the background. A failed delivery is
// logged and counted, never reported to the transition that produced it.
type Dispatcher struct {
	notifier Notifier
	audit    AuditSink
	timeout  time.Duration
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher; either collaborator may be nil.
func NewDispatcher(notifier Notifier, audit AuditSink, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier: notifier,
		audit:    audit,
		timeout:  timeout,
		logger:   logger.With().Str("component", "effects").Logger(),
	}
}

// Dispatch starts delivery of effs and returns immediately.
func (d *Dispatcher) Dispatch(effs []Effect) {
	if d == nil {
		return
	}
	for _, e := range effs {
		d.wg.Add(1)
		go func(e Effect) {
			defer d.wg.Done()
			d.deliver(e)
		}(e)
	}
}

// Wait blocks until every dispatched effect has been attempted.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) deliver(e Effect) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncEffectFailure(string(e.Kind))
			d.logger.Error().Interface("panic", r).Str("kind", string(e.Kind)).Str("name", e.Name).Msg("effect delivery panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var err error
	switch e.Kind {
	case KindNotification:
		if d.notifier == nil {
			return
		}
		err = d.notifier.Emit(ctx, e.Name, e.Payload)
	case KindAudit:
		if d.audit == nil {
			return
		}
		err = d.audit.Record(ctx, e.Name, e.Before, e.After, e.Payload)
	default:
		d.logger.Warn().Str("kind", string(e.Kind)).Msg("unknown effect kind")
		return
	}

	if err != nil {
		metrics.IncEffectFailure(string(e.Kind))
		d.logger.Warn().Err(err).Str("kind", string(e.Kind)).Str("name", e.Name).Msg("effect delivery failed")
	}
}
