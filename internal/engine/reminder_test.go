package engine_test

import (
	"testing"
	"time"

	"cropline/internal/domain"
	"cropline/internal/engine"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func tp(t time.Time) *time.Time { return &t }

func TestShouldRemindWindow(t *testing.T) {
	st := domain.StepInstance{
		CurrentState:       domain.StateNotStarted,
		IsReminderActive:   true,
		ScheduledStartDate: tp(day(2025, 5, 10)),
		ScheduledEndDate:   tp(day(2025, 5, 12)),
		ResolvedParameters: domain.NewStepParameters(), // lead 1
	}
	cases := []struct {
		today time.Time
		want  bool
	}{
		{day(2025, 5, 8), false},
		{day(2025, 5, 9), true}, // lead day
		{day(2025, 5, 10), true},
		{day(2025, 5, 11), true},
		{day(2025, 5, 12), true}, // inclusive end
		{day(2025, 5, 13), false},
	}
	for _, tc := range cases {
		if got := engine.ShouldRemind(st, tc.today); got != tc.want {
			t.Errorf("ShouldRemind on %s = %v, want %v", tc.today.Format("2006-01-02"), got, tc.want)
		}
	}
}

func TestShouldRemindGuards(t *testing.T) {
	base := domain.StepInstance{
		CurrentState:       domain.StateNotStarted,
		IsReminderActive:   true,
		ScheduledStartDate: tp(day(2025, 5, 10)),
		ScheduledEndDate:   tp(day(2025, 5, 12)),
		ResolvedParameters: domain.NewStepParameters(),
	}
	today := day(2025, 5, 10)

	st := base
	st.CurrentState = domain.StateInProgress
	if engine.ShouldRemind(st, today) {
		t.Error("started step should not remind")
	}
	st = base
	st.IsReminderActive = false
	if engine.ShouldRemind(st, today) {
		t.Error("inactive reminders should not fire")
	}
	st = base
	st.ScheduledStartDate = nil
	if engine.ShouldRemind(st, today) {
		t.Error("unscheduled step should not remind")
	}
	st = base
	st.LastReminderSentDate = tp(day(2025, 5, 10).Add(9 * time.Hour))
	if engine.ShouldRemind(st, today) {
		t.Error("already reminded today")
	}
	st.LastReminderSentDate = tp(day(2025, 5, 9))
	if !engine.ShouldRemind(st, today) {
		t.Error("yesterday's reminder should not block today")
	}

	// no scheduled end leaves the window open
	st = base
	st.ScheduledEndDate = nil
	if !engine.ShouldRemind(st, day(2025, 6, 1)) {
		t.Error("open window should keep reminding")
	}
}

func TestProcessDailyReminders(t *testing.T) {
	env := newTestEnv(t)
	startSpinach(t, env, "alice")

	// 2025-04-01: only GettingSeeds (scheduled 04-01..04-03, lead 1) is due.
	sent, err := env.Engine.ProcessDailyReminders(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if len(env.Notifier.reminders) != 1 || env.Notifier.reminders[0].StepName != "Getting Seeds" {
		t.Fatalf("reminders = %+v", env.Notifier.reminders)
	}

	// same day again: idempotent
	sent, err = env.Engine.ProcessDailyReminders(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if sent != 0 {
		t.Errorf("second sweep sent = %d, want 0", sent)
	}

	// next day: GettingSeeds again plus PreparingSoil lead day (04-03 - 1)
	env.setClock(day(2025, 4, 2))
	sent, err = env.Engine.ProcessDailyReminders(env.Ctx)
	if err != nil {
		t.Fatalf("third sweep: %v", err)
	}
	if sent != 2 {
		t.Errorf("third sweep sent = %d, want 2", sent)
	}

	evts, err := env.Engine.Events.List(env.Ctx, "step", 0)
	if err != nil {
		t.Fatal(err)
	}
	reminderEvents := 0
	for _, evt := range evts {
		if evt.Type == "reminder.sent" {
			reminderEvents++
		}
	}
	if reminderEvents != 3 {
		t.Errorf("reminder.sent events = %d, want 3", reminderEvents)
	}
}

func TestReminderFailureIsolated(t *testing.T) {
	env := newTestEnv(t)
	_, steps := startSpinach(t, env, "alice")
	seeds := stepByType(t, steps, "GettingSeeds")

	// two crops so more than one reminder is due
	_, steps2 := startSpinach(t, env, "bob")
	seeds2 := stepByType(t, steps2, "GettingSeeds")

	env.Notifier.failFor[seeds.ID] = true
	sent, err := env.Engine.ProcessDailyReminders(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1 despite one failure", sent)
	}
	if len(env.Notifier.reminders) != 1 || env.Notifier.reminders[0].StepInstanceID != seeds2.ID {
		t.Errorf("wrong reminder delivered: %+v", env.Notifier.reminders)
	}

	// the failed step was not stamped and retries next sweep
	env.Notifier.failFor = map[string]bool{}
	sent, _ = env.Engine.ProcessDailyReminders(env.Ctx)
	if sent != 1 {
		t.Errorf("retry sent = %d, want 1", sent)
	}
	st, err := env.Engine.Repo.GetStepInstance(env.Ctx, seeds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.LastReminderSentDate == nil {
		t.Error("retried reminder not stamped")
	}
}

func TestTransitionSilencesReminder(t *testing.T) {
	env := newTestEnv(t)
	_, steps := startSpinach(t, env, "alice")
	seeds := stepByType(t, steps, "GettingSeeds")
	mustTransition(t, env, "alice", seeds.ID, domain.TriggerStart)

	sent, err := env.Engine.ProcessDailyReminders(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 0 {
		t.Errorf("started step still reminded, sent = %d", sent)
	}
}
