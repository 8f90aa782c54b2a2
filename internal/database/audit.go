package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mealslot/internal/model"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertAudit appends an audit record.
func (db *DB) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	res, err := db.ExecContext(ctx, `INSERT INTO audit_log
		(action, actor_id, before_json, after_json, fields_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Action, nullInt(e.ActorID), nullString(e.Before), nullString(e.After), nullString(e.Fields),
		formatTimestamp(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListAudit returns records created within [from, to).
func (db *DB) ListAudit(ctx context.Context, from, to time.Time) ([]model.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, action, actor_id, before_json, after_json, fields_json, created_at
		FROM audit_log WHERE created_at >= ? AND created_at < ? ORDER BY id`,
		formatTimestamp(from), formatTimestamp(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e                     model.AuditEntry
			actor                 sql.NullInt64
			before, after, fields sql.NullString
			created               string
		)
		if err := rows.Scan(&e.ID, &e.Action, &actor, &before, &after, &fields, &created); err != nil {
			return nil, err
		}
		e.ActorID = scanNullInt(actor)
		e.Before, e.After, e.Fields = before.String, after.String, fields.String
		if e.CreatedAt, err = parseTimestamp(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
