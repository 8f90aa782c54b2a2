package model

import "time"

// UserStrikeState counts a user's no-shows.
type UserStrikeState struct {
	UserID      int64     `json:"user_id"`
	NoShowCount int       `json:"no_show_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BlacklistEntry temporarily bars a user from ordering.
// EndDate nil means indefinite.
type BlacklistEntry struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Reason    string     `json:"reason"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
}

// InForce reports whether the entry blocks the user at instant now.
func (e *BlacklistEntry) InForce(now time.Time) bool {
	if e == nil || !e.IsActive {
		return false
	}
	return e.EndDate == nil || now.Before(*e.EndDate)
}

// StrikeResult is the outcome of recording one no-show strike.
type StrikeResult struct {
	UserID           int64
	NewCount         int
	CrossedThreshold bool
	// Entry is set only when this strike created a blacklist entry.
	Entry *BlacklistEntry
}
