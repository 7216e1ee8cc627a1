package status

import (
	"fmt"
	"slices"
)

// Status represents the delivery lifecycle state of a queued message.
type Status string

const (
	Pending           Status = "pending"
	Sending           Status = "sending"
	Sent              Status = "sent"
	Delivered         Status = "delivered"
	Read              Status = "read"
	Failed            Status = "failed"
	FailedPermanently Status = "failed_permanently"
)

// validTransitions defines allowed scheduler/confirmation-driven
// transitions. Status only moves forward; there is no regression from
// sent back to pending outside an explicit manual retry.
var validTransitions = map[Status][]Status{
	Pending:           {Sending, Failed, FailedPermanently},
	Sending:           {Sent, Failed, FailedPermanently},
	Sent:              {Delivered, Read},
	Delivered:         {Read},
	Read:              {},
	Failed:            {Pending, Sending, FailedPermanently},
	FailedPermanently: {},
}

// CanTransition reports whether from -> to is a valid automatic transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Validate checks an automatic transition and returns an error naming
// both states when it is not allowed.
func Validate(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid status transition from %s to %s", from, to)
	}
	return nil
}

// CanRetryManually reports whether a user-initiated retry may reset the
// message to pending. Manual retry is the only way out of
// failed_permanently.
func CanRetryManually(s Status) bool {
	return s == Failed || s == FailedPermanently
}

// IsTerminal reports whether no automatic transition leaves the state.
func IsTerminal(s Status) bool {
	return len(validTransitions[s]) == 0
}

// Retryable reports whether the scheduler should consider the entry.
func Retryable(s Status) bool {
	return s == Pending || s == Failed
}

// Known reports whether s is one of the defined statuses. Used when
// accepting status-update events off the wire.
func Known(s Status) bool {
	_, ok := validTransitions[s]
	return ok
}
