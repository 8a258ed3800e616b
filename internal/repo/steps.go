package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cropline/internal/domain"
)

const stepInstanceCols = `i.id, i.crop_instance_id, i.step_template_id, s.step_type, s.name,
 i.current_state, i.planned_start_date, i.planned_completion_date, i.scheduled_start_date, i.scheduled_end_date,
 i.actual_start_date, i.actual_completion_date, i.resolved_parameters, i.is_recurring_instance, i.recurrence_number,
 i.is_reminder_active, i.last_reminder_sent_date, i.version, i.created_at, i.updated_at`

const stepInstanceFrom = ` FROM step_instances i JOIN step_templates s ON s.id = i.step_template_id `

func scanStepInstance(scan func(dest ...any) error) (domain.StepInstance, error) {
	var st domain.StepInstance
	var plannedStart, plannedEnd, schedStart, schedEnd, actualStart, actualEnd, lastReminder sql.NullString
	var recurrence sql.NullInt64
	var params, createdAt, updatedAt string
	if err := scan(&st.ID, &st.CropInstanceID, &st.StepTemplateID, &st.StepType, &st.StepName,
		&st.CurrentState, &plannedStart, &plannedEnd, &schedStart, &schedEnd,
		&actualStart, &actualEnd, &params, &st.IsRecurringInstance, &recurrence,
		&st.IsReminderActive, &lastReminder, &st.Version, &createdAt, &updatedAt); err != nil {
		return st, err
	}
	var err error
	if st.PlannedStartDate, err = timeFromNull(plannedStart); err != nil {
		return st, err
	}
	if st.PlannedCompletionDate, err = timeFromNull(plannedEnd); err != nil {
		return st, err
	}
	if st.ScheduledStartDate, err = timeFromNull(schedStart); err != nil {
		return st, err
	}
	if st.ScheduledEndDate, err = timeFromNull(schedEnd); err != nil {
		return st, err
	}
	if st.ActualStartDate, err = timeFromNull(actualStart); err != nil {
		return st, err
	}
	if st.ActualCompletionDate, err = timeFromNull(actualEnd); err != nil {
		return st, err
	}
	if st.LastReminderSentDate, err = timeFromNull(lastReminder); err != nil {
		return st, err
	}
	if recurrence.Valid {
		n := int(recurrence.Int64)
		st.RecurrenceNumber = &n
	}
	p, err := domain.DecodeStepParameters([]byte(params))
	if err != nil {
		return st, fmt.Errorf("decode resolved parameters: %w", err)
	}
	st.ResolvedParameters = p
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return st, err
	}
	st.UpdatedAt, err = parseTime(updatedAt)
	return st, err
}

func (r Repo) InsertStepInstanceTx(ctx context.Context, tx *sql.Tx, st domain.StepInstance) error {
	params, err := marshalParams(st.ResolvedParameters)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO step_instances(
 id, crop_instance_id, step_template_id, current_state,
 planned_start_date, planned_completion_date, scheduled_start_date, scheduled_end_date,
 actual_start_date, actual_completion_date, resolved_parameters,
 is_recurring_instance, recurrence_number, is_reminder_active, last_reminder_sent_date,
 version, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.CropInstanceID, st.StepTemplateID, st.CurrentState,
		fmtTimePtr(st.PlannedStartDate), fmtTimePtr(st.PlannedCompletionDate), fmtTimePtr(st.ScheduledStartDate), fmtTimePtr(st.ScheduledEndDate),
		fmtTimePtr(st.ActualStartDate), fmtTimePtr(st.ActualCompletionDate), params,
		st.IsRecurringInstance, nullableIntPtr(st.RecurrenceNumber), st.IsReminderActive, fmtTimePtr(st.LastReminderSentDate),
		st.Version, fmtTime(st.CreatedAt), fmtTime(st.UpdatedAt))
	return err
}

func (r Repo) GetStepInstance(ctx context.Context, id string) (domain.StepInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepInstanceCols+stepInstanceFrom+`WHERE i.id=?`, id)
	st, err := scanStepInstance(row.Scan)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

// GetStepInstanceWithHistory loads a step and its transition history in
// transition-time order.
func (r Repo) GetStepInstanceWithHistory(ctx context.Context, id string) (domain.StepInstance, error) {
	st, err := r.GetStepInstance(ctx, id)
	if err != nil {
		return st, err
	}
	st.History, err = r.ListHistory(ctx, id)
	return st, err
}

func (r Repo) ListStepInstancesByCrop(ctx context.Context, cropInstanceID string) ([]domain.StepInstance, error) {
	return r.listSteps(ctx, `WHERE i.crop_instance_id=? ORDER BY i.planned_start_date ASC, i.created_at ASC, i.id ASC`, cropInstanceID)
}

// ListAllStepInstances returns every step instance across all crops and
// users; the reminder sweep filters in memory.
func (r Repo) ListAllStepInstances(ctx context.Context) ([]domain.StepInstance, error) {
	return r.listSteps(ctx, `ORDER BY i.planned_start_date ASC, i.created_at ASC, i.id ASC`)
}

func (r Repo) listSteps(ctx context.Context, tail string, args ...any) ([]domain.StepInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepInstanceCols+stepInstanceFrom+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepInstance
	for rows.Next() {
		st, err := scanStepInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// UpdateStepInstanceTx writes a step back guarded by its version: the row is
// only updated when the stored version still matches st.Version, and the
// version is bumped in the same statement. A stale version yields ErrConflict.
func (r Repo) UpdateStepInstanceTx(ctx context.Context, tx *sql.Tx, st domain.StepInstance) error {
	params, err := marshalParams(st.ResolvedParameters)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE step_instances SET
 current_state=?, planned_start_date=?, planned_completion_date=?, scheduled_start_date=?, scheduled_end_date=?,
 actual_start_date=?, actual_completion_date=?, resolved_parameters=?,
 is_recurring_instance=?, recurrence_number=?, is_reminder_active=?, last_reminder_sent_date=?,
 version=version+1, updated_at=?
 WHERE id=? AND version=?`,
		st.CurrentState, fmtTimePtr(st.PlannedStartDate), fmtTimePtr(st.PlannedCompletionDate), fmtTimePtr(st.ScheduledStartDate), fmtTimePtr(st.ScheduledEndDate),
		fmtTimePtr(st.ActualStartDate), fmtTimePtr(st.ActualCompletionDate), params,
		st.IsRecurringInstance, nullableIntPtr(st.RecurrenceNumber), st.IsReminderActive, fmtTimePtr(st.LastReminderSentDate),
		fmtTime(st.UpdatedAt), st.ID, st.Version)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM step_instances WHERE id=?`, st.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// SetRemindersActiveTx flips is_reminder_active for all steps of a crop.
// When onlyNotStarted is set, steps already started, completed or skipped
// are left alone.
func (r Repo) SetRemindersActiveTx(ctx context.Context, tx *sql.Tx, cropInstanceID string, active bool, onlyNotStarted bool, now time.Time) error {
	query := `UPDATE step_instances SET is_reminder_active=?, updated_at=? WHERE crop_instance_id=?`
	args := []any{active, fmtTime(now), cropInstanceID}
	if onlyNotStarted {
		query += ` AND current_state=?`
		args = append(args, domain.StateNotStarted)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarkReminderSentTx records the reminder timestamp without touching the
// version: the scheduler must not conflict with a user transition racing it.
func (r Repo) MarkReminderSentTx(ctx context.Context, tx *sql.Tx, stepInstanceID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE step_instances SET last_reminder_sent_date=?, updated_at=? WHERE id=?`,
		fmtTime(now), fmtTime(now), stepInstanceID)
	return err
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO step_history(step_instance_id, from_state, to_state, transition_trigger, transition_time, notes) VALUES (?,?,?,?,?,?)`,
		h.StepInstanceID, h.FromState, h.ToState, h.Trigger, fmtTime(h.TransitionTime), nullable(h.Notes))
	return err
}

func (r Repo) ListHistory(ctx context.Context, stepInstanceID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, step_instance_id, from_state, to_state, transition_trigger, transition_time, COALESCE(notes,'') FROM step_history WHERE step_instance_id=? ORDER BY transition_time ASC, id ASC`, stepInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var ts string
		if err := rows.Scan(&h.ID, &h.StepInstanceID, &h.FromState, &h.ToState, &h.Trigger, &ts, &h.Notes); err != nil {
			return nil, err
		}
		if h.TransitionTime, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
