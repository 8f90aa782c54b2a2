// Package audit persists audit effects and exports the audit log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mealslot/internal/model"
)

type Store interface {
	InsertAudit(ctx context.Context, e *model.AuditEntry) error
}

// Sink implements effects.AuditSink on top of Store.
type Sink struct {
	store Store
	now   func() time.Time
}

// NewSink stamps records with now, normally the logical clock's NowUTC.
func NewSink(store Store, now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{store: store, now: now}
}

func (s *Sink) Record(ctx context.Context, action string, before, after any, fields map[string]any) error {
	e := &model.AuditEntry{
		Action:    action,
		ActorID:   actorID(fields),
		CreatedAt: s.now().UTC(),
	}
	var err error
	if e.Before, err = encode(before); err != nil {
		return fmt.Errorf("audit %s before: %w", action, err)
	}
	if e.After, err = encode(after); err != nil {
		return fmt.Errorf("audit %s after: %w", action, err)
	}
	if len(fields) > 0 {
		if e.Fields, err = encode(fields); err != nil {
			return fmt.Errorf("audit %s fields: %w", action, err)
		}
	}
	return s.store.InsertAudit(ctx, e)
}

func encode(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "", nil
	}
	return string(data), nil
}

func actorID(fields map[string]any) *int64 {
	var id int64
	switch v := fields["actor_id"].(type) {
	case int64:
		id = v
	case int:
		id = int64(v)
	case *int64:
		if v == nil {
			return nil
		}
		id = *v
	default:
		return nil
	}
	return &id
}
