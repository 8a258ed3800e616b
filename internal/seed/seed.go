// Package seed installs the built-in cultivation catalog on first run.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cropline/internal/domain"
	"cropline/internal/repo"
)

type stepSpec struct {
	stepType string
	name     string
	desc     string
	params   domain.StepParameters
	schema   string
}

type configSpec struct {
	stepType   string
	sequence   int
	concurrent bool
	dependsOn  string
	overrides  *domain.StepParameters
}

type cropSpec struct {
	cropType   string
	name       string
	desc       string
	seasonDays int
	configs    []configSpec
}

func intp(v int) *int { return &v }

func params(mutate func(*domain.StepParameters)) domain.StepParameters {
	p := domain.NewStepParameters()
	if mutate != nil {
		mutate(&p)
	}
	return p
}

func paramsPtr(mutate func(*domain.StepParameters)) *domain.StepParameters {
	p := params(mutate)
	return &p
}

var stepCatalog = []stepSpec{
	{"GettingSeeds", "Getting Seeds", "Acquire or purchase seeds for planting",
		params(func(p *domain.StepParameters) { p.DurationDays = intp(3) }),
		`{"durationDays": "number", "quantity": "number"}`},
	{"PreparingSoil", "Preparing Soil", "Prepare and amend soil for planting",
		params(func(p *domain.StepParameters) { p.DurationDays = intp(2) }),
		`{"durationDays": "number"}`},
	{"PlantingSeeds", "Planting Seeds", "Plant seeds in prepared soil",
		params(func(p *domain.StepParameters) { p.DurationDays = intp(1) }),
		`{"durationDays": "number", "quantity": "number"}`},
	{"Watering", "Watering", "Regular watering schedule",
		params(func(p *domain.StepParameters) {
			p.DurationDays = intp(1)
			p.FrequencyDays = intp(2)
			p.IsRecurring = true
			p.RecurrenceIntervalDays = intp(2)
			p.ReminderLeadDays = 0
		}),
		`{"durationDays": "number", "frequencyDays": "number", "isRecurring": "boolean", "recurrenceIntervalDays": "number"}`},
	{"Pruning", "Pruning", "Prune and maintain plant health",
		params(func(p *domain.StepParameters) { p.DurationDays = intp(7); p.FrequencyDays = intp(7) }),
		`{"durationDays": "number", "frequencyDays": "number"}`},
	{"Weeding", "Weeding", "Remove weeds and maintain garden bed",
		params(func(p *domain.StepParameters) { p.DurationDays = intp(30); p.FrequencyDays = intp(7) }),
		`{"durationDays": "number", "frequencyDays": "number"}`},
	{"Harvesting", "Harvesting", "Harvest mature crops",
		params(func(p *domain.StepParameters) { p.DurationDays = intp(7) }),
		`{"durationDays": "number", "quantity": "number"}`},
	{"Clearing", "Clearing", "Clear the bed after harvest",
		params(func(p *domain.StepParameters) { p.DurationDays = intp(1) }),
		`{"durationDays": "number"}`},
}

var cropCatalog = []cropSpec{
	{
		cropType: "Spinach", name: "Spinach",
		desc: "Fast-growing leafy green, ready in 40-50 days", seasonDays: 50,
		configs: []configSpec{
			{"GettingSeeds", 1, false, "", paramsPtr(func(p *domain.StepParameters) { p.DurationDays = intp(2) })},
			{"PreparingSoil", 2, false, "GettingSeeds", nil},
			{"PlantingSeeds", 3, false, "PreparingSoil", nil},
			{"Watering", 4, true, "PlantingSeeds", paramsPtr(func(p *domain.StepParameters) { p.DurationDays = intp(40); p.FrequencyDays = intp(2) })},
			{"Weeding", 5, true, "PlantingSeeds", paramsPtr(func(p *domain.StepParameters) { p.DurationDays = intp(40); p.FrequencyDays = intp(10) })},
			{"Harvesting", 6, false, "Watering", paramsPtr(func(p *domain.StepParameters) { p.DurationDays = intp(5) })},
			{"Clearing", 7, false, "Harvesting", nil},
		},
	},
	{
		cropType: "Carrot", name: "Carrot",
		desc: "Root vegetable, ready in 70-80 days", seasonDays: 75,
		configs: []configSpec{
			{"GettingSeeds", 1, false, "", nil},
			{"PreparingSoil", 2, false, "GettingSeeds", paramsPtr(func(p *domain.StepParameters) { p.DurationDays = intp(3) })},
			{"PlantingSeeds", 3, false, "PreparingSoil", nil},
			{"Watering", 4, true, "PlantingSeeds", paramsPtr(func(p *domain.StepParameters) { p.DurationDays = intp(70); p.FrequencyDays = intp(3) })},
			{"Weeding", 5, true, "PlantingSeeds", paramsPtr(func(p *domain.StepParameters) { p.DurationDays = intp(70); p.FrequencyDays = intp(7) })},
			{"Harvesting", 6, false, "Watering", paramsPtr(func(p *domain.StepParameters) { p.DurationDays = intp(7) })},
			{"Clearing", 7, false, "Harvesting", nil},
		},
	},
	{
		// Tomato ships without a workflow yet; starting one yields a crop
		// with no steps.
		cropType: "Tomato", name: "Tomato",
		desc: "Warm-season fruit, ready in 60-80 days after transplanting", seasonDays: 90,
	},
}

// Run installs the catalog if the database has none. Idempotent.
func Run(ctx context.Context, db *sql.DB) error {
	r := repo.Repo{DB: db}
	n, err := r.CountStepTemplates(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := validateCatalog(); err != nil {
		return err
	}

	now := time.Now().UTC()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stepIDs := make(map[string]string, len(stepCatalog))
	for _, s := range stepCatalog {
		t := domain.StepTemplate{
			ID:                uuid.NewString(),
			StepType:          s.stepType,
			Name:              s.name,
			Description:       s.desc,
			DefaultParameters: s.params,
			ParameterSchema:   s.schema,
			CreatedAt:         now,
		}
		if err := r.InsertStepTemplate(ctx, tx, t); err != nil {
			return fmt.Errorf("seed step template %s: %w", s.stepType, err)
		}
		stepIDs[s.stepType] = t.ID
	}

	for _, c := range cropCatalog {
		ct := domain.CropTemplate{
			ID:                  uuid.NewString(),
			CropType:            c.cropType,
			Name:                c.name,
			Description:         c.desc,
			EstimatedSeasonDays: c.seasonDays,
			CreatedAt:           now,
		}
		if err := r.InsertCropTemplate(ctx, tx, ct); err != nil {
			return fmt.Errorf("seed crop template %s: %w", c.cropType, err)
		}
		for _, cfg := range c.configs {
			sc := domain.StepConfiguration{
				ID:                 uuid.NewString(),
				CropTemplateID:     ct.ID,
				StepTemplateID:     stepIDs[cfg.stepType],
				Sequence:           cfg.sequence,
				AllowsConcurrent:   cfg.concurrent,
				DependsOn:          cfg.dependsOn,
				ParameterOverrides: cfg.overrides,
			}
			if err := r.InsertStepConfiguration(ctx, tx, sc); err != nil {
				return fmt.Errorf("seed %s/%s: %w", c.cropType, cfg.stepType, err)
			}
		}
	}
	return tx.Commit()
}

// validateCatalog rejects configurations whose dependency tags name step
// types absent from the same crop, and non-increasing sequences.
func validateCatalog() error {
	known := make(map[string]bool, len(stepCatalog))
	for _, s := range stepCatalog {
		known[s.stepType] = true
	}
	for _, c := range cropCatalog {
		inCrop := make(map[string]bool, len(c.configs))
		prev := 0
		for _, cfg := range c.configs {
			if !known[cfg.stepType] {
				return fmt.Errorf("crop %s references unknown step type %s", c.cropType, cfg.stepType)
			}
			if cfg.sequence <= prev {
				return fmt.Errorf("crop %s: sequence must be strictly increasing at %s", c.cropType, cfg.stepType)
			}
			prev = cfg.sequence
			inCrop[cfg.stepType] = true
		}
		for _, cfg := range c.configs {
			for _, dep := range strings.Split(cfg.dependsOn, ",") {
				dep = strings.TrimSpace(dep)
				if dep == "" {
					continue
				}
				if !inCrop[dep] {
					return fmt.Errorf("crop %s: step %s depends on %s which is not configured", c.cropType, cfg.stepType, dep)
				}
			}
		}
	}
	return nil
}
