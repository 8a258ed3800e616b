package domain

import "testing"

func ip(v int) *int { return &v }

func TestMergeOverridesWin(t *testing.T) {
	base := NewStepParameters()
	base.DurationDays = ip(3)
	base.FrequencyDays = ip(7)
	base.Quantity = ip(10)

	over := NewStepParameters()
	over.DurationDays = ip(40)
	over.FrequencyDays = ip(2)

	got := base.Merge(&over)
	if *got.DurationDays != 40 {
		t.Errorf("duration = %d, want 40", *got.DurationDays)
	}
	if *got.FrequencyDays != 2 {
		t.Errorf("frequency = %d, want 2", *got.FrequencyDays)
	}
	if got.Quantity == nil || *got.Quantity != 10 {
		t.Errorf("quantity should fall back to base value 10")
	}
}

func TestMergeNilOverridesKeepsBase(t *testing.T) {
	base := NewStepParameters()
	base.DurationDays = ip(5)
	got := base.Merge(nil)
	if *got.DurationDays != 5 || got.ReminderLeadDays != DefaultReminderLeadDays {
		t.Errorf("nil merge changed base: %+v", got)
	}
}

func TestMergeRecurringIsOr(t *testing.T) {
	base := NewStepParameters()
	base.IsRecurring = true
	over := NewStepParameters()
	if got := base.Merge(&over); !got.IsRecurring {
		t.Error("base recurring lost in merge")
	}
	base.IsRecurring = false
	over.IsRecurring = true
	if got := base.Merge(&over); !got.IsRecurring {
		t.Error("override recurring lost in merge")
	}
}

// An override lead equal to the default is indistinguishable from unset, so
// the base value survives. Documented legacy behavior.
func TestMergeReminderLeadSentinel(t *testing.T) {
	base := NewStepParameters()
	base.ReminderLeadDays = 3
	over := NewStepParameters() // lead == default
	if got := base.Merge(&over); got.ReminderLeadDays != 3 {
		t.Errorf("lead = %d, want base 3 when override is the default", got.ReminderLeadDays)
	}
	over.ReminderLeadDays = 0
	if got := base.Merge(&over); got.ReminderLeadDays != 0 {
		t.Errorf("lead = %d, want explicit override 0", got.ReminderLeadDays)
	}
}

func TestMergeCustomParametersReplaceWholesale(t *testing.T) {
	base := NewStepParameters()
	base.CustomParameters = map[string]string{"soil": "loam", "ph": "6.5"}
	over := NewStepParameters()
	over.CustomParameters = map[string]string{"soil": "sand"}

	got := base.Merge(&over)
	if len(got.CustomParameters) != 1 || got.CustomParameters["soil"] != "sand" {
		t.Errorf("custom params not replaced: %v", got.CustomParameters)
	}

	over.CustomParameters = nil
	got = base.Merge(&over)
	if got.CustomParameters["ph"] != "6.5" {
		t.Errorf("empty override should keep base custom params: %v", got.CustomParameters)
	}

	// merged copy must not alias the base map
	got.CustomParameters["ph"] = "7.0"
	if base.CustomParameters["ph"] != "6.5" {
		t.Error("merge result aliases base custom parameters")
	}
}

func TestMergeIdempotent(t *testing.T) {
	base := NewStepParameters()
	base.DurationDays = ip(3)
	over := NewStepParameters()
	over.DurationDays = ip(40)
	over.IsRecurring = true

	once := base.Merge(&over)
	twice := once.Merge(&over)
	if *once.DurationDays != *twice.DurationDays || once.IsRecurring != twice.IsRecurring || once.ReminderLeadDays != twice.ReminderLeadDays {
		t.Errorf("merge not idempotent: %+v vs %+v", once, twice)
	}
}

func TestDecodeStepParameters(t *testing.T) {
	p, err := DecodeStepParameters([]byte(`{"durationDays": 2, "unknownField": true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *p.DurationDays != 2 {
		t.Errorf("duration = %d, want 2", *p.DurationDays)
	}
	if p.ReminderLeadDays != DefaultReminderLeadDays {
		t.Errorf("absent lead should default to %d, got %d", DefaultReminderLeadDays, p.ReminderLeadDays)
	}

	p, err = DecodeStepParameters([]byte(`{"reminderLeadDays": 0}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ReminderLeadDays != 0 {
		t.Errorf("explicit 0 lead overwritten: %d", p.ReminderLeadDays)
	}

	if _, err := DecodeStepParameters([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed input")
	}
}
