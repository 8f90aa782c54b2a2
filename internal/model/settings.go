package model

// CutoffMode selects which half of CutoffSettings is evaluated.
type CutoffMode string

const (
	CutoffPerShift CutoffMode = "per-shift"
	CutoffWeekly   CutoffMode = "weekly"
)

// CutoffSettings is the persisted, flat settings record. Only the fields of the
// active mode are read; see cutoff.FromSettings.
type CutoffSettings struct {
	Mode CutoffMode `json:"mode" yaml:"mode"`

	CutoffDays        int `json:"cutoff_days" yaml:"cutoff_days"`
	CutoffHours       int `json:"cutoff_hours" yaml:"cutoff_hours"`
	MaxOrderDaysAhead int `json:"max_order_days_ahead" yaml:"max_order_days_ahead"`

	WeeklyCutoffWeekday int   `json:"weekly_cutoff_weekday" yaml:"weekly_cutoff_weekday"` // 0=Sunday
	WeeklyCutoffHour    int   `json:"weekly_cutoff_hour" yaml:"weekly_cutoff_hour"`
	WeeklyCutoffMinute  int   `json:"weekly_cutoff_minute" yaml:"weekly_cutoff_minute"`
	OrderableWeekdays   []int `json:"orderable_weekdays" yaml:"orderable_weekdays"`
	MaxWeeksAhead       int   `json:"max_weeks_ahead" yaml:"max_weeks_ahead"`
}

// DefaultCutoffSettings mirrors a fresh installation.
func DefaultCutoffSettings() CutoffSettings {
	return CutoffSettings{
		Mode:                CutoffPerShift,
		CutoffDays:          0,
		CutoffHours:         6,
		MaxOrderDaysAhead:   7,
		WeeklyCutoffWeekday: 5,
		WeeklyCutoffHour:    17,
		OrderableWeekdays:   []int{1, 2, 3, 4, 5},
		MaxWeeksAhead:       1,
	}
}

// BlacklistSettings controls automatic blacklisting on repeated no-shows.
type BlacklistSettings struct {
	Strikes      int `json:"strikes" yaml:"strikes"`
	DurationDays int `json:"duration_days" yaml:"duration_days"` // 0 = indefinite
}

// DefaultBlacklistSettings returns three strikes and a seven day ban.
func DefaultBlacklistSettings() BlacklistSettings {
	return BlacklistSettings{Strikes: 3, DurationDays: 7}
}
