package domain

import "time"

// StepTemplate is an immutable catalog entry describing one kind of
// cultivation step (e.g. "Watering"). StepType is the unique tag that
// configurations and dependency lists reference.
type StepTemplate struct {
	ID                string         `json:"id"`
	StepType          string         `json:"step_type"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	DefaultParameters StepParameters `json:"default_parameters"`
	ParameterSchema   string         `json:"parameter_schema,omitempty"`
	CreatedAt         time.Time      `json:"created_at" format:"date-time"`
}

// CropTemplate is an immutable catalog entry for a crop kind.
type CropTemplate struct {
	ID                  string    `json:"id"`
	CropType            string    `json:"crop_type"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	EstimatedSeasonDays int       `json:"estimated_season_days"`
	CreatedAt           time.Time `json:"created_at" format:"date-time"`

	// Configurations is populated by the eager-load variant, sorted by Sequence.
	Configurations []StepConfiguration `json:"configurations,omitempty"`
}

// StepConfiguration binds a step template into a crop template with
// sequencing, dependencies and parameter overrides. DependsOn is a
// comma-separated list of step-type tags.
type StepConfiguration struct {
	ID                 string          `json:"id"`
	CropTemplateID     string          `json:"crop_template_id"`
	StepTemplateID     string          `json:"step_template_id"`
	Sequence           int             `json:"sequence"`
	AllowsConcurrent   bool            `json:"allows_concurrent"`
	DependsOn          string          `json:"depends_on,omitempty"`
	ParameterOverrides *StepParameters `json:"parameter_overrides,omitempty"`

	// Step is the referenced template, populated by the eager-load variant.
	Step StepTemplate `json:"step"`
}

// CropInstance is a user's running crop.
type CropInstance struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	CropTemplateID string     `json:"crop_template_id"`
	Nickname       string     `json:"nickname"`
	StartDate      time.Time  `json:"start_date" format:"date-time"`
	CompletedDate  *time.Time `json:"completed_date,omitempty" format:"date-time"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time  `json:"updated_at" format:"date-time"`
}

// StepInstance is one concrete occurrence of a step for a crop instance.
// The scheduled window [ScheduledStartDate, ScheduledEndDate] bounds daily
// reminders; the planned dates carry the nominal plan.
type StepInstance struct {
	ID             string `json:"id"`
	CropInstanceID string `json:"crop_instance_id"`
	StepTemplateID string `json:"step_template_id"`

	// StepType and StepName are joined in from the step template on load.
	StepType string `json:"step_type"`
	StepName string `json:"step_name"`

	CurrentState StepState `json:"current_state" enum:"NotStarted,InProgress,Completed,Skipped"`

	PlannedStartDate      *time.Time `json:"planned_start_date,omitempty" format:"date-time"`
	PlannedCompletionDate *time.Time `json:"planned_completion_date,omitempty" format:"date-time"`
	ScheduledStartDate    *time.Time `json:"scheduled_start_date,omitempty" format:"date-time"`
	ScheduledEndDate      *time.Time `json:"scheduled_end_date,omitempty" format:"date-time"`
	ActualStartDate       *time.Time `json:"actual_start_date,omitempty" format:"date-time"`
	ActualCompletionDate  *time.Time `json:"actual_completion_date,omitempty" format:"date-time"`

	ResolvedParameters StepParameters `json:"resolved_parameters"`

	IsRecurringInstance  bool       `json:"is_recurring_instance"`
	RecurrenceNumber     *int       `json:"recurrence_number,omitempty"`
	IsReminderActive     bool       `json:"is_reminder_active"`
	LastReminderSentDate *time.Time `json:"last_reminder_sent_date,omitempty" format:"date-time"`

	// Version is the optimistic concurrency token; bumped on every update.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`

	History []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry is an append-only record of one state transition.
type HistoryEntry struct {
	ID             int64       `json:"id"`
	StepInstanceID string      `json:"step_instance_id"`
	FromState      StepState   `json:"from_state"`
	ToState        StepState   `json:"to_state"`
	Trigger        StepTrigger `json:"trigger"`
	TransitionTime time.Time   `json:"transition_time" format:"date-time"`
	Notes          string      `json:"notes,omitempty"`
}

// APIKey authenticates a user on the HTTP API. KeyHash stores a SHA-256
// digest; the raw key is shown once at creation.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// Event is a row in the append-only audit log.
type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	Payload    string    `json:"payload_json"`
}
