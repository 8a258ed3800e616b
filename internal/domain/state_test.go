package domain

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    StepState
		trigger StepTrigger
		to      StepState
		ok      bool
	}{
		{StateNotStarted, TriggerStart, StateInProgress, true},
		{StateNotStarted, TriggerSkip, StateSkipped, true},
		{StateNotStarted, TriggerComplete, "", false},
		{StateNotStarted, TriggerReset, "", false},
		{StateInProgress, TriggerComplete, StateCompleted, true},
		{StateInProgress, TriggerReset, StateNotStarted, true},
		{StateInProgress, TriggerStart, "", false},
		{StateInProgress, TriggerSkip, "", false},
		{StateCompleted, TriggerReset, StateNotStarted, true},
		{StateCompleted, TriggerStart, "", false},
		{StateCompleted, TriggerComplete, "", false},
		{StateSkipped, TriggerReset, StateNotStarted, true},
		{StateSkipped, TriggerStart, "", false},
	}
	for _, tc := range cases {
		got, err := Fire(tc.from, tc.trigger)
		if tc.ok {
			if err != nil {
				t.Errorf("Fire(%s, %s): unexpected error %v", tc.from, tc.trigger, err)
			} else if got != tc.to {
				t.Errorf("Fire(%s, %s) = %s, want %s", tc.from, tc.trigger, got, tc.to)
			}
			continue
		}
		if err == nil {
			t.Errorf("Fire(%s, %s): expected error", tc.from, tc.trigger)
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Fire(%s, %s): error %v does not wrap ErrInvalidTransition", tc.from, tc.trigger, err)
		}
		if CanFire(tc.from, tc.trigger) {
			t.Errorf("CanFire(%s, %s) = true, want false", tc.from, tc.trigger)
		}
	}
}

func TestPermittedTriggers(t *testing.T) {
	got := PermittedTriggers(StateNotStarted)
	if len(got) != 2 || got[0] != TriggerStart || got[1] != TriggerSkip {
		t.Errorf("PermittedTriggers(NotStarted) = %v", got)
	}
	if got := PermittedTriggers(StateCompleted); len(got) != 1 || got[0] != TriggerReset {
		t.Errorf("PermittedTriggers(Completed) = %v", got)
	}
}

func TestValidStateAndTrigger(t *testing.T) {
	if !ValidState(StateInProgress) || ValidState("Growing") {
		t.Error("ValidState misclassifies")
	}
	if !ValidTrigger(TriggerReset) || ValidTrigger("Pause") {
		t.Error("ValidTrigger misclassifies")
	}
}
