package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition wraps every rejected status change.
var ErrInvalidTransition = errors.New("invalid transition")

type Status string

const (
	StatusOpen            Status = "open"
	StatusInProgress      Status = "in_progress"
	StatusPendingMerge    Status = "pending_merge"
	StatusBlockedConflict Status = "blocked_conflict"
	StatusDone            Status = "done"
	StatusCancelled       Status = "cancelled"
)

type ConvoyStatus string

const (
	ConvoyStatusInFlight ConvoyStatus = "in_flight"
	ConvoyStatusBlocked  ConvoyStatus = "blocked"
	ConvoyStatusDone     ConvoyStatus = "done"
)

type MergeOutcome string

const (
	MergeOutcomePending  MergeOutcome = "pending"
	MergeOutcomeMerged   MergeOutcome = "merged"
	MergeOutcomeConflict MergeOutcome = "conflict"
)

var terminalStatuses = map[Status]bool{
	StatusDone:      true,
	StatusCancelled: true,
}

// Work item transitions: open ↔ in_progress → pending_merge → done,
// with the conflict loop pending_merge ↔ blocked_conflict.
// Cancel is not allowed from pending_merge: an item that has already
// submitted a branch must not race the in-flight merge.
var validItemTransitions = map[Status]map[Status]bool{
	StatusOpen: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusOpen:         true, // reclaim or voluntary failure
		StatusPendingMerge: true,
		StatusCancelled:    true,
	},
	StatusPendingMerge: {
		StatusDone:            true,
		StatusBlockedConflict: true,
	},
	StatusBlockedConflict: {
		StatusPendingMerge: true, // resolution resubmitted
		StatusCancelled:    true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// Cancellable reports whether an explicit cancel is legal from this status.
func Cancellable(s Status) bool {
	return validItemTransitions[s][StatusCancelled]
}

func ValidateItemTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("%w: %q is terminal", ErrInvalidTransition, from)
	}
	allowed, ok := validItemTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusPendingMerge,
		StatusBlockedConflict, StatusDone, StatusCancelled:
		return true
	}
	return false
}
