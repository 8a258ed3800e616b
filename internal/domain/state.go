package domain

import (
	"errors"
	"fmt"
)

// StepState is the lifecycle state of a step instance.
type StepState string

const (
	StateNotStarted StepState = "NotStarted"
	StateInProgress StepState = "InProgress"
	StateCompleted  StepState = "Completed"
	StateSkipped    StepState = "Skipped"
)

// StepTrigger drives a step instance between states.
type StepTrigger string

const (
	TriggerStart    StepTrigger = "Start"
	TriggerComplete StepTrigger = "Complete"
	TriggerSkip     StepTrigger = "Skip"
	TriggerReset    StepTrigger = "Reset"
)

// ErrInvalidTransition is returned by Fire when the trigger is not permitted
// from the current state.
var ErrInvalidTransition = errors.New("invalid transition")

// transitions is the full set of permitted edges. Every (state, trigger)
// pair absent from this table is rejected.
var transitions = map[StepState]map[StepTrigger]StepState{
	StateNotStarted: {
		TriggerStart: StateInProgress,
		TriggerSkip:  StateSkipped,
	},
	StateInProgress: {
		TriggerComplete: StateCompleted,
		TriggerReset:    StateNotStarted,
	},
	StateCompleted: {
		TriggerReset: StateNotStarted,
	},
	StateSkipped: {
		TriggerReset: StateNotStarted,
	},
}

// CanFire reports whether trigger is permitted from state.
func CanFire(state StepState, trigger StepTrigger) bool {
	_, ok := transitions[state][trigger]
	return ok
}

// Fire returns the destination state for (state, trigger), or
// ErrInvalidTransition when the edge is not permitted.
func Fire(state StepState, trigger StepTrigger) (StepState, error) {
	next, ok := transitions[state][trigger]
	if !ok {
		return state, fmt.Errorf("%w: cannot fire %s from %s", ErrInvalidTransition, trigger, state)
	}
	return next, nil
}

// PermittedTriggers lists the triggers permitted from state, in a fixed order.
func PermittedTriggers(state StepState) []StepTrigger {
	var out []StepTrigger
	for _, t := range []StepTrigger{TriggerStart, TriggerComplete, TriggerSkip, TriggerReset} {
		if CanFire(state, t) {
			out = append(out, t)
		}
	}
	return out
}

// ValidState reports whether s is one of the four step states.
func ValidState(s StepState) bool {
	_, ok := transitions[s]
	return ok
}

// ValidTrigger reports whether t is a known trigger.
func ValidTrigger(t StepTrigger) bool {
	switch t {
	case TriggerStart, TriggerComplete, TriggerSkip, TriggerReset:
		return true
	}
	return false
}
