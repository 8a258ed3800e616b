// Package engine implements the cultivation workflow: materializing step
// plans from the catalog, gating steps on their dependencies, driving the
// step state machine and generating recurring follow-ups.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"cropline/internal/config"
	"cropline/internal/domain"
	"cropline/internal/events"
	"cropline/internal/notify"
	"cropline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Notifier notify.Notifier
	Config   *config.Config
	Log      *charmlog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Notifier: notify.LogNotifier{},
		Config:   cfg,
		Log:      charmlog.Default(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func addDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}

// StartCrop materializes a crop instance from its template: one step
// instance per configuration, dated by walking a cursor from startDate
// through each step's duration in sequence order.
func (e Engine) StartCrop(ctx context.Context, userID, cropTemplateID, nickname string, startDate time.Time) (domain.CropInstance, []domain.StepInstance, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CropInstance{}, nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if strings.TrimSpace(nickname) == "" {
		return domain.CropInstance{}, nil, fmt.Errorf("%w: nickname required", ErrValidation)
	}
	if startDate.IsZero() {
		return domain.CropInstance{}, nil, fmt.Errorf("%w: start date required", ErrValidation)
	}
	tmpl, err := e.Repo.GetCropTemplateWithConfigurations(ctx, cropTemplateID)
	if err != nil {
		return domain.CropInstance{}, nil, err
	}

	now := e.now().UTC()
	startDate = startDate.UTC()
	crop := domain.CropInstance{
		ID:             uuid.NewString(),
		UserID:         userID,
		CropTemplateID: tmpl.ID,
		Nickname:       nickname,
		StartDate:      startDate,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CropInstance{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCropInstanceTx(ctx, tx, crop); err != nil {
		return domain.CropInstance{}, nil, fmt.Errorf("insert crop instance: %w", err)
	}

	steps := make([]domain.StepInstance, 0, len(tmpl.Configurations))
	cursor := startDate
	for _, cfg := range tmpl.Configurations {
		resolved := cfg.Step.DefaultParameters.Merge(cfg.ParameterOverrides)
		duration := 1
		if resolved.DurationDays != nil {
			duration = *resolved.DurationDays
		}
		start := cursor
		end := addDays(cursor, duration)
		st := domain.StepInstance{
			ID:                    uuid.NewString(),
			CropInstanceID:        crop.ID,
			StepTemplateID:        cfg.StepTemplateID,
			StepType:              cfg.Step.StepType,
			StepName:              cfg.Step.Name,
			CurrentState:          domain.StateNotStarted,
			PlannedStartDate:      &start,
			PlannedCompletionDate: &end,
			ScheduledStartDate:    &start,
			ScheduledEndDate:      &end,
			ResolvedParameters:    resolved,
			IsReminderActive:      true,
			Version:               1,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if resolved.IsRecurring {
			first := 1
			st.RecurrenceNumber = &first
		}
		if err := e.Repo.InsertStepInstanceTx(ctx, tx, st); err != nil {
			return domain.CropInstance{}, nil, fmt.Errorf("insert step instance %s: %w", cfg.Step.StepType, err)
		}
		steps = append(steps, st)
		cursor = end
	}

	if err := e.Events.Append(ctx, tx, "crop.started", userID, "crop", crop.ID, events.EventPayload{
		"crop_type": tmpl.CropType,
		"nickname":  nickname,
		"steps":     len(steps),
	}); err != nil {
		return domain.CropInstance{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CropInstance{}, nil, err
	}
	return crop, steps, nil
}

// GetCrop loads a crop the caller owns.
func (e Engine) GetCrop(ctx context.Context, userID, cropInstanceID string) (domain.CropInstance, error) {
	crop, err := e.Repo.GetCropInstance(ctx, cropInstanceID)
	if err != nil {
		return domain.CropInstance{}, err
	}
	if crop.UserID != userID {
		return domain.CropInstance{}, ErrNotAuthorized
	}
	return crop, nil
}

func (e Engine) ListCrops(ctx context.Context, userID string, active bool) ([]domain.CropInstance, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	return e.Repo.ListCropInstances(ctx, userID, active)
}

// CropSteps returns every step instance of a crop the caller owns.
func (e Engine) CropSteps(ctx context.Context, userID, cropInstanceID string) ([]domain.StepInstance, error) {
	if _, err := e.GetCrop(ctx, userID, cropInstanceID); err != nil {
		return nil, err
	}
	return e.Repo.ListStepInstancesByCrop(ctx, cropInstanceID)
}

// StepDetail returns a step with its transition history.
func (e Engine) StepDetail(ctx context.Context, userID, stepInstanceID string) (domain.StepInstance, error) {
	st, err := e.Repo.GetStepInstanceWithHistory(ctx, stepInstanceID)
	if err != nil {
		return domain.StepInstance{}, err
	}
	if _, err := e.GetCrop(ctx, userID, st.CropInstanceID); err != nil {
		return domain.StepInstance{}, err
	}
	return st, nil
}

// NextSteps returns the actionable steps (not started or in progress) whose
// dependencies are satisfied, ordered by planned start date with undated
// steps last. A dependency is satisfied when at least one instance of that
// step type has completed. Steps whose type is no longer configured in the
// crop's template are excluded.
func (e Engine) NextSteps(ctx context.Context, userID, cropInstanceID string) ([]domain.StepInstance, error) {
	crop, err := e.GetCrop(ctx, userID, cropInstanceID)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.Repo.GetCropTemplateWithConfigurations(ctx, crop.CropTemplateID)
	if err != nil {
		return nil, err
	}
	dependsOn := make(map[string][]string, len(tmpl.Configurations))
	for _, cfg := range tmpl.Configurations {
		dependsOn[cfg.Step.StepType] = splitDependsOn(cfg.DependsOn)
	}

	steps, err := e.Repo.ListStepInstancesByCrop(ctx, cropInstanceID)
	if err != nil {
		return nil, err
	}
	completed := make(map[string]bool)
	for _, st := range steps {
		if st.CurrentState == domain.StateCompleted {
			completed[st.StepType] = true
		}
	}

	var next []domain.StepInstance
	for _, st := range steps {
		if st.CurrentState == domain.StateCompleted || st.CurrentState == domain.StateSkipped {
			continue
		}
		deps, configured := dependsOn[st.StepType]
		if !configured {
			continue
		}
		satisfied := true
		for _, dep := range deps {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			next = append(next, st)
		}
	}
	sort.SliceStable(next, func(i, j int) bool {
		a, b := next[i].PlannedStartDate, next[j].PlannedStartDate
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return next, nil
}

func splitDependsOn(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Transition fires a trigger on a step, records history and, when a
// recurring step completes, schedules the next occurrence in the same
// transaction. The recurrence notification goes out only after commit.
func (e Engine) Transition(ctx context.Context, userID, stepInstanceID string, trigger domain.StepTrigger, notes string) (domain.StepInstance, error) {
	if !domain.ValidTrigger(trigger) {
		return domain.StepInstance{}, fmt.Errorf("%w: unknown trigger %q", ErrValidation, trigger)
	}
	st, err := e.Repo.GetStepInstance(ctx, stepInstanceID)
	if err != nil {
		return domain.StepInstance{}, err
	}
	if _, err := e.GetCrop(ctx, userID, st.CropInstanceID); err != nil {
		return domain.StepInstance{}, err
	}

	from := st.CurrentState
	next, err := domain.Fire(from, trigger)
	if err != nil {
		return domain.StepInstance{}, err
	}

	now := e.now().UTC()
	st.CurrentState = next
	st.UpdatedAt = now
	switch trigger {
	case domain.TriggerStart:
		st.ActualStartDate = &now
		st.IsReminderActive = false
	case domain.TriggerComplete:
		st.ActualCompletionDate = &now
		st.IsReminderActive = false
	case domain.TriggerSkip:
		st.IsReminderActive = false
	case domain.TriggerReset:
		// only the state moves; dates and reminder flags stay as they are
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepInstance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateStepInstanceTx(ctx, tx, st); err != nil {
		return domain.StepInstance{}, err
	}
	st.Version++
	if err := e.Repo.InsertHistoryTx(ctx, tx, domain.HistoryEntry{
		StepInstanceID: st.ID,
		FromState:      from,
		ToState:        next,
		Trigger:        trigger,
		TransitionTime: now,
		Notes:          notes,
	}); err != nil {
		return domain.StepInstance{}, err
	}

	var spawned *domain.StepInstance
	if trigger == domain.TriggerComplete && st.ResolvedParameters.IsRecurring {
		spawned, err = e.spawnRecurrence(ctx, tx, st, now)
		if err != nil {
			return domain.StepInstance{}, err
		}
	}

	if err := e.Events.Append(ctx, tx, "step.transitioned", userID, "step", st.ID, events.EventPayload{
		"from":    string(from),
		"to":      string(next),
		"trigger": string(trigger),
	}); err != nil {
		return domain.StepInstance{}, err
	}
	if spawned != nil {
		if err := e.Events.Append(ctx, tx, "step.recurrence_created", userID, "step", spawned.ID, events.EventPayload{
			"step_type":         spawned.StepType,
			"recurrence_number": derefInt(spawned.RecurrenceNumber),
		}); err != nil {
			return domain.StepInstance{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.StepInstance{}, err
	}

	if spawned != nil && e.Notifier != nil {
		if err := e.Notifier.SendRecurringStepCreated(ctx, st.CropInstanceID, spawned.StepName, derefInt(spawned.RecurrenceNumber)); err != nil {
			e.log().Warn("recurrence notification failed", "step", spawned.ID, "err", err)
		}
	}
	return st, nil
}

// spawnRecurrence creates the next occurrence of a recurring step, dated
// from the completion time. Returns nil when the recurrence cap is reached.
func (e Engine) spawnRecurrence(ctx context.Context, tx *sql.Tx, completed domain.StepInstance, now time.Time) (*domain.StepInstance, error) {
	current := 1
	if completed.RecurrenceNumber != nil {
		current = *completed.RecurrenceNumber
	}
	p := completed.ResolvedParameters
	if p.MaxRecurrences != nil && current >= *p.MaxRecurrences {
		return nil, nil
	}
	interval := 1
	if p.RecurrenceIntervalDays != nil {
		interval = *p.RecurrenceIntervalDays
	}
	duration := 1
	if p.DurationDays != nil {
		duration = *p.DurationDays
	}
	start := addDays(now, interval)
	end := addDays(start, duration)
	nextNum := current + 1
	st := domain.StepInstance{
		ID:                    uuid.NewString(),
		CropInstanceID:        completed.CropInstanceID,
		StepTemplateID:        completed.StepTemplateID,
		StepType:              completed.StepType,
		StepName:              completed.StepName,
		CurrentState:          domain.StateNotStarted,
		PlannedStartDate:      &start,
		PlannedCompletionDate: &end,
		ScheduledStartDate:    &start,
		ScheduledEndDate:      &end,
		ResolvedParameters:    p,
		IsRecurringInstance:   true,
		RecurrenceNumber:      &nextNum,
		IsReminderActive:      true,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := e.Repo.InsertStepInstanceTx(ctx, tx, st); err != nil {
		return nil, fmt.Errorf("insert recurrence: %w", err)
	}
	return &st, nil
}

// ArchiveCrop deactivates a crop and silences reminders for all its steps.
func (e Engine) ArchiveCrop(ctx context.Context, userID, cropInstanceID string) (domain.CropInstance, error) {
	crop, err := e.GetCrop(ctx, userID, cropInstanceID)
	if err != nil {
		return domain.CropInstance{}, err
	}
	now := e.now().UTC()
	crop.IsActive = false
	crop.CompletedDate = &now
	crop.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CropInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCropInstanceTx(ctx, tx, crop); err != nil {
		return domain.CropInstance{}, err
	}
	if err := e.Repo.SetRemindersActiveTx(ctx, tx, crop.ID, false, false, now); err != nil {
		return domain.CropInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "crop.archived", userID, "crop", crop.ID, nil); err != nil {
		return domain.CropInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CropInstance{}, err
	}
	return crop, nil
}

// UnarchiveCrop reactivates a crop. Reminders come back only for steps
// still not started; finished work stays quiet.
func (e Engine) UnarchiveCrop(ctx context.Context, userID, cropInstanceID string) (domain.CropInstance, error) {
	crop, err := e.GetCrop(ctx, userID, cropInstanceID)
	if err != nil {
		return domain.CropInstance{}, err
	}
	now := e.now().UTC()
	crop.IsActive = true
	crop.CompletedDate = nil
	crop.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CropInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCropInstanceTx(ctx, tx, crop); err != nil {
		return domain.CropInstance{}, err
	}
	if err := e.Repo.SetRemindersActiveTx(ctx, tx, crop.ID, true, true, now); err != nil {
		return domain.CropInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "crop.unarchived", userID, "crop", crop.ID, nil); err != nil {
		return domain.CropInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CropInstance{}, err
	}
	return crop, nil
}

func (e Engine) log() *charmlog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return charmlog.Default()
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
