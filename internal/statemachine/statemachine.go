// Package statemachine computes item status transitions. It is the only place
// where a provider observation or a pushed session status becomes an item
// status.
package statemachine

import (
	"fmt"

	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
)

// rule describes how one polled type reacts to observations.
type rule struct {
	// direct maps phases that imply a status on their own.
	direct map[provider.Phase]item.Status
	// changed reports whether obs differs from what the item last saw.
	changed func(it item.Item, obs provider.Status) bool
}

func phaseOrDetailChanged(it item.Item, obs provider.Status) bool {
	return string(obs.Phase) != it.ObservedPhase || obs.Detail != it.ObservedDetail
}

var rules = map[item.Type]rule{
	item.TypeChatThread: {
		// The fetcher compares against the stored reply baseline itself.
		changed: func(_ item.Item, obs provider.Status) bool {
			return obs.Phase == provider.PhaseNewReply
		},
	},
	item.TypeCIRun: {
		direct: map[provider.Phase]item.Status{
			provider.PhaseQueued:     item.StatusWaiting,
			provider.PhaseInProgress: item.StatusInProgress,
			provider.PhaseSuccess:    item.StatusCompleted,
			provider.PhaseFailure:    item.StatusFailed,
			provider.PhaseCancelled:  item.StatusFailed,
		},
		changed: phaseOrDetailChanged,
	},
	item.TypePullRequest: {
		direct: map[provider.Phase]item.Status{
			provider.PhaseOpen:             item.StatusWaiting,
			provider.PhaseChangesRequested: item.StatusWaiting,
			provider.PhaseApproved:         item.StatusApproved,
			provider.PhaseMerged:           item.StatusMerged,
			provider.PhaseClosed:           item.StatusFailed,
		},
		changed: phaseOrDetailChanged,
	},
}

// Result is the outcome of a transition.
type Result struct {
	Status         item.Status
	PreviousStatus item.Status
	// Changed is true when the observation counts as a change worth
	// surfacing to the user.
	Changed bool
}

// Next computes the status of a polled item after observing obs.
//
// The first observation only records a baseline: direct phase mappings apply
// but nothing is flagged as updated. Later changes flag the item updated,
// remembering the status acknowledge should land on: the status the new
// phase implies, or the prior status when the phase implies none. Terminal
// statuses and pull request approval apply immediately.
func Next(it item.Item, obs provider.Status) (Result, error) {
	r, ok := rules[it.Type]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s is not polled", item.ErrInvalidStatus, it.Type)
	}

	target, hasDirect := r.direct[obs.Phase]
	if hasDirect && !item.Allows(it.Type, target) {
		return Result{}, fmt.Errorf("%w: %s cannot be %q", item.ErrInvalidStatus, it.Type, target)
	}

	if !it.Observed() {
		if hasDirect {
			return Result{Status: target}, nil
		}
		return Result{Status: it.Status, PreviousStatus: it.PreviousStatus}, nil
	}

	if !r.changed(it, obs) {
		return Result{Status: it.Status, PreviousStatus: it.PreviousStatus}, nil
	}

	if hasDirect && settles(target) {
		return Result{Status: target, Changed: true}, nil
	}

	prev := settledStatus(it)
	if hasDirect {
		prev = target
	}
	return Result{Status: item.StatusUpdated, PreviousStatus: prev, Changed: true}, nil
}

// Push validates a status pushed by session ingestion or the wait detector.
func Push(it item.Item, status item.Status) (Result, error) {
	if !it.Type.Pushed() {
		return Result{}, fmt.Errorf("%w: %s items are polled", item.ErrInvalidStatus, it.Type)
	}
	if !item.Allows(it.Type, status) || status == item.StatusWaiting {
		return Result{}, fmt.Errorf("%w: %s cannot be pushed %q", item.ErrInvalidStatus, it.Type, status)
	}
	return Result{Status: status, Changed: status != it.Status}, nil
}

// Acknowledge lands an updated item on the status it was flagged from. It is
// a no-op for items that are not updated.
func Acknowledge(it item.Item) Result {
	if it.Status != item.StatusUpdated {
		return Result{Status: it.Status}
	}
	return Result{Status: it.PreviousStatus, Changed: true}
}

// Unarchive resets an item for scheduling: any pending update flag is
// dropped along with previous_status.
func Unarchive(it item.Item) Result {
	if it.Status != item.StatusUpdated {
		return Result{Status: it.Status}
	}
	return Result{Status: settledStatus(it)}
}

// Fail marks a polled item failed after repeated permanent errors.
func Fail(it item.Item) (Result, error) {
	if !item.Allows(it.Type, item.StatusFailed) {
		return Result{}, fmt.Errorf("%w: %s cannot fail", item.ErrInvalidStatus, it.Type)
	}
	return Result{Status: item.StatusFailed, Changed: it.Status != item.StatusFailed}, nil
}

// settles reports whether a directly mapped status replaces the current one
// instead of being parked behind an update flag.
func settles(s item.Status) bool {
	return s.Terminal() || s == item.StatusApproved
}

// settledStatus is the status an item holds once any update flag is cleared.
func settledStatus(it item.Item) item.Status {
	if it.Status == item.StatusUpdated {
		return it.PreviousStatus
	}
	return it.Status
}
