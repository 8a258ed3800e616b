package domain

import "encoding/json"

// DefaultReminderLeadDays is the lead applied when a catalog entry does not
// set one. Merge treats an override equal to this value as "not overridden";
// that conflates an explicit 1 with unset, but it is the documented legacy
// behavior and changing it needs a product decision.
const DefaultReminderLeadDays = 1

// StepParameters is the value record carried by step templates (defaults),
// step configurations (overrides) and step instances (resolved). Serialized
// as a JSON object; missing optional fields deserialize to absent and
// unknown fields are ignored.
type StepParameters struct {
	DurationDays           *int              `json:"durationDays,omitempty"`
	FrequencyDays          *int              `json:"frequencyDays,omitempty"`
	Quantity               *int              `json:"quantity,omitempty"`
	Notes                  *string           `json:"notes,omitempty"`
	IsRecurring            bool              `json:"isRecurring,omitempty"`
	RecurrenceIntervalDays *int              `json:"recurrenceIntervalDays,omitempty"`
	MaxRecurrences         *int              `json:"maxRecurrences,omitempty"`
	ReminderLeadDays       int               `json:"reminderLeadDays"`
	CustomParameters       map[string]string `json:"customParameters,omitempty"`
}

// NewStepParameters returns a record with defaults applied.
func NewStepParameters() StepParameters {
	return StepParameters{ReminderLeadDays: DefaultReminderLeadDays}
}

// DecodeStepParameters parses a serialized parameter object, applying the
// ReminderLeadDays default when the field is absent.
func DecodeStepParameters(raw []byte) (StepParameters, error) {
	p := NewStepParameters()
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return StepParameters{}, err
	}
	return p, nil
}

// Merge resolves overrides against p and returns a new record. Scalar fields
// prefer the override when present; IsRecurring is a logical OR; a non-empty
// override CustomParameters map wholly replaces the base map.
func (p StepParameters) Merge(overrides *StepParameters) StepParameters {
	out := p
	out.CustomParameters = cloneParams(p.CustomParameters)
	if overrides == nil {
		return out
	}
	if overrides.DurationDays != nil {
		out.DurationDays = intPtr(*overrides.DurationDays)
	}
	if overrides.FrequencyDays != nil {
		out.FrequencyDays = intPtr(*overrides.FrequencyDays)
	}
	if overrides.Quantity != nil {
		out.Quantity = intPtr(*overrides.Quantity)
	}
	if overrides.Notes != nil {
		n := *overrides.Notes
		out.Notes = &n
	}
	out.IsRecurring = p.IsRecurring || overrides.IsRecurring
	if overrides.RecurrenceIntervalDays != nil {
		out.RecurrenceIntervalDays = intPtr(*overrides.RecurrenceIntervalDays)
	}
	if overrides.MaxRecurrences != nil {
		out.MaxRecurrences = intPtr(*overrides.MaxRecurrences)
	}
	if overrides.ReminderLeadDays != DefaultReminderLeadDays {
		out.ReminderLeadDays = overrides.ReminderLeadDays
	}
	if len(overrides.CustomParameters) > 0 {
		out.CustomParameters = cloneParams(overrides.CustomParameters)
	}
	return out
}

func cloneParams(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func intPtr(v int) *int { return &v }
