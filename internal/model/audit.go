package model

import "time"

// AuditEntry is one persisted audit record. Snapshots are JSON documents.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	ActorID   *int64    `json:"actor_id,omitempty"`
	Before    string    `json:"before,omitempty"`
	After     string    `json:"after,omitempty"`
	Fields    string    `json:"fields,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
