package model

// Shift is a recurring work shift with local wall-clock bounds.
// EndTime earlier than StartTime denotes an overnight shift.
type Shift struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StartTime string `json:"start_time"` // "HH:mm"
	EndTime   string `json:"end_time"`   // "HH:mm"
	MealPrice int64  `json:"meal_price"`
	IsActive  bool   `json:"is_active"`
}

// HolidayBlock is the answer of a holiday lookup for a (date, shift) pair.
type HolidayBlock struct {
	Blocked bool
	Name    string
}
