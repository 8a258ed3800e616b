package engine

import (
	"context"
	"time"

	"cropline/internal/domain"
	"cropline/internal/events"
	"cropline/internal/notify"
)

// dateOnly truncates t to midnight UTC. All reminder window comparisons
// happen at day granularity.
func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ShouldRemind reports whether a reminder is due for st on the given day.
// A step qualifies when it has not been started, its reminders are active,
// today falls inside [scheduled start - lead, scheduled end] and no reminder
// went out earlier the same day.
func ShouldRemind(st domain.StepInstance, today time.Time) bool {
	if st.CurrentState != domain.StateNotStarted || !st.IsReminderActive {
		return false
	}
	if st.ScheduledStartDate == nil {
		return false
	}
	today = dateOnly(today)
	windowStart := dateOnly(addDays(*st.ScheduledStartDate, -st.ResolvedParameters.ReminderLeadDays))
	if today.Before(windowStart) {
		return false
	}
	if st.ScheduledEndDate != nil && today.After(dateOnly(*st.ScheduledEndDate)) {
		return false
	}
	if st.LastReminderSentDate != nil && dateOnly(*st.LastReminderSentDate).Equal(today) {
		return false
	}
	return true
}

// ProcessDailyReminders sweeps every step instance once and sends a
// notification for each due step. Each step commits on its own so one
// failure cannot hold back the rest; failures are logged and skipped.
// Returns the number of reminders sent.
func (e Engine) ProcessDailyReminders(ctx context.Context) (int, error) {
	steps, err := e.Repo.ListAllStepInstances(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now().UTC()
	today := dateOnly(now)
	sent := 0
	for _, st := range steps {
		if !ShouldRemind(st, today) {
			continue
		}
		if err := e.sendReminder(ctx, st, now); err != nil {
			e.log().Warn("reminder failed", "step", st.ID, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (e Engine) sendReminder(ctx context.Context, st domain.StepInstance, now time.Time) error {
	if e.Notifier != nil {
		err := e.Notifier.SendReminder(ctx, notify.Reminder{
			CropInstanceID: st.CropInstanceID,
			StepInstanceID: st.ID,
			StepName:       st.StepName,
			ScheduledStart: st.ScheduledStartDate,
			ScheduledEnd:   st.ScheduledEndDate,
		})
		if err != nil {
			return err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkReminderSentTx(ctx, tx, st.ID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "reminder.sent", "", "step", st.ID, events.EventPayload{
		"step_type": st.StepType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RunReminderLoop ticks at the configured interval and runs the daily sweep
// at most once per calendar day. Blocks until ctx is canceled.
func (e Engine) RunReminderLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastProcessed time.Time
	for {
		today := dateOnly(e.now())
		if !today.Equal(lastProcessed) {
			sent, err := e.ProcessDailyReminders(ctx)
			if err != nil {
				e.log().Error("reminder sweep failed", "err", err)
			} else {
				lastProcessed = today
				if sent > 0 {
					e.log().Info("reminders sent", "count", sent)
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
