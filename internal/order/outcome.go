package order

import (
	"fmt"

	"mealslot/internal/effects"
	"mealslot/internal/model"
)

// FailureKind classifies an expected rejection.
type FailureKind string

const (
	// KindValidation is malformed input, rejected before any state read.
	KindValidation FailureKind = "validation"
	// KindPolicy is a business rule refusing the operation.
	KindPolicy FailureKind = "policy"
	// KindConflict means a concurrent transition won the race.
	KindConflict FailureKind = "conflict"
)

// Rejection reasons, surfaced to callers verbatim.
const (
	ReasonInvalidInput         = "invalid_input"
	ReasonUnknownShift         = "unknown_shift"
	ReasonShiftInactive        = "shift_inactive"
	ReasonDuplicateOrder       = "duplicate_order"
	ReasonDateInPast           = "date_in_past"
	ReasonDateOutOfRange       = "date_out_of_range"
	ReasonWeekdayNotOrderable  = "weekday_not_orderable"
	ReasonHoliday              = "holiday"
	ReasonPastCutoff           = "past_cutoff"
	ReasonBlacklisted          = "blacklisted"
	ReasonNotFound             = "not_found"
	ReasonNotOwner             = "not_owner"
	ReasonInvalidState         = "invalid_state"
	ReasonOutsideCheckInWindow = "outside_checkin_window"
	ReasonShiftNotEnded        = "shift_not_ended"
	ReasonNoOrderToCheckIn     = "no_order_to_check_in"
	ReasonConflict             = "conflict"
)

// Failure is an expected rejection of an operation.
type Failure struct {
	Kind    FailureKind
	Reason  string
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

func validation(reason, format string, args ...any) *Failure {
	return &Failure{Kind: KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func policy(reason, format string, args ...any) *Failure {
	return &Failure{Kind: KindPolicy, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func conflict(orderID int64) *Failure {
	return &Failure{
		Kind:    KindConflict,
		Reason:  ReasonConflict,
		Message: fmt.Sprintf("order %d was changed concurrently", orderID),
	}
}

// Outcome is the result of an order operation. Exactly one of Order and
// Failure is set. Effects have already been handed to the dispatcher.
type Outcome struct {
	Order   *model.Order
	Effects []effects.Effect
	Failure *Failure
	// Strike is set by MarkNoShow.
	Strike *model.StrikeResult
}

// OK reports whether the operation succeeded.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

func rejected(f *Failure) Outcome {
	return Outcome{Failure: f}
}
