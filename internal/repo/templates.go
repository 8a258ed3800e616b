package repo

import (
	"context"
	"database/sql"
	"fmt"

	"cropline/internal/domain"
)

const stepTemplateCols = `id, step_type, name, COALESCE(description,''), default_parameters, parameter_schema, created_at`

func scanStepTemplate(scan func(dest ...any) error) (domain.StepTemplate, error) {
	var t domain.StepTemplate
	var params, createdAt string
	if err := scan(&t.ID, &t.StepType, &t.Name, &t.Description, &params, &t.ParameterSchema, &createdAt); err != nil {
		return t, err
	}
	p, err := domain.DecodeStepParameters([]byte(params))
	if err != nil {
		return t, fmt.Errorf("decode default parameters: %w", err)
	}
	t.DefaultParameters = p
	t.CreatedAt, err = parseTime(createdAt)
	return t, err
}

func (r Repo) InsertStepTemplate(ctx context.Context, tx *sql.Tx, t domain.StepTemplate) error {
	params, err := marshalParams(t.DefaultParameters)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO step_templates(id, step_type, name, description, default_parameters, parameter_schema, created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.StepType, t.Name, nullable(t.Description), params, t.ParameterSchema, fmtTime(t.CreatedAt))
	return err
}

func (r Repo) GetStepTemplate(ctx context.Context, id string) (domain.StepTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepTemplateCols+` FROM step_templates WHERE id=?`, id)
	t, err := scanStepTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetStepTemplateByType(ctx context.Context, stepType string) (domain.StepTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepTemplateCols+` FROM step_templates WHERE step_type=?`, stepType)
	t, err := scanStepTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListStepTemplates(ctx context.Context) ([]domain.StepTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepTemplateCols+` FROM step_templates ORDER BY step_type ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepTemplate
	for rows.Next() {
		t, err := scanStepTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountStepTemplates(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM step_templates`).Scan(&n)
	return n, err
}

const cropTemplateCols = `id, crop_type, name, COALESCE(description,''), estimated_season_days, created_at`

func scanCropTemplate(scan func(dest ...any) error) (domain.CropTemplate, error) {
	var t domain.CropTemplate
	var createdAt string
	if err := scan(&t.ID, &t.CropType, &t.Name, &t.Description, &t.EstimatedSeasonDays, &createdAt); err != nil {
		return t, err
	}
	var err error
	t.CreatedAt, err = parseTime(createdAt)
	return t, err
}

func (r Repo) InsertCropTemplate(ctx context.Context, tx *sql.Tx, t domain.CropTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO crop_templates(id, crop_type, name, description, estimated_season_days, created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.CropType, t.Name, nullable(t.Description), t.EstimatedSeasonDays, fmtTime(t.CreatedAt))
	return err
}

func (r Repo) GetCropTemplate(ctx context.Context, id string) (domain.CropTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cropTemplateCols+` FROM crop_templates WHERE id=?`, id)
	t, err := scanCropTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetCropTemplateByType(ctx context.Context, cropType string) (domain.CropTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cropTemplateCols+` FROM crop_templates WHERE crop_type=?`, cropType)
	t, err := scanCropTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListCropTemplates(ctx context.Context) ([]domain.CropTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cropTemplateCols+` FROM crop_templates ORDER BY crop_type ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CropTemplate
	for rows.Next() {
		t, err := scanCropTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertStepConfiguration(ctx context.Context, tx *sql.Tx, c domain.StepConfiguration) error {
	overrides, err := marshalParamsPtr(c.ParameterOverrides)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO step_configurations(id, crop_template_id, step_template_id, sequence, allows_concurrent, depends_on, parameter_overrides) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.CropTemplateID, c.StepTemplateID, c.Sequence, c.AllowsConcurrent, nullable(c.DependsOn), overrides)
	return err
}

// GetCropTemplateWithConfigurations eager-loads a crop template together
// with its configurations and their step templates, sorted by sequence.
func (r Repo) GetCropTemplateWithConfigurations(ctx context.Context, id string) (domain.CropTemplate, error) {
	t, err := r.GetCropTemplate(ctx, id)
	if err != nil {
		return t, err
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT c.id, c.crop_template_id, c.step_template_id, c.sequence, c.allows_concurrent,
       COALESCE(c.depends_on,''), c.parameter_overrides,
       s.id, s.step_type, s.name, COALESCE(s.description,''), s.default_parameters, s.parameter_schema, s.created_at
FROM step_configurations c
JOIN step_templates s ON s.id = c.step_template_id
WHERE c.crop_template_id=?
ORDER BY c.sequence ASC`, id)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.StepConfiguration
		var overrides sql.NullString
		var stepParams, stepCreatedAt string
		if err := rows.Scan(&c.ID, &c.CropTemplateID, &c.StepTemplateID, &c.Sequence, &c.AllowsConcurrent,
			&c.DependsOn, &overrides,
			&c.Step.ID, &c.Step.StepType, &c.Step.Name, &c.Step.Description, &stepParams, &c.Step.ParameterSchema, &stepCreatedAt); err != nil {
			return t, err
		}
		if overrides.Valid && overrides.String != "" {
			p, err := domain.DecodeStepParameters([]byte(overrides.String))
			if err != nil {
				return t, fmt.Errorf("decode parameter overrides: %w", err)
			}
			c.ParameterOverrides = &p
		}
		p, err := domain.DecodeStepParameters([]byte(stepParams))
		if err != nil {
			return t, fmt.Errorf("decode default parameters: %w", err)
		}
		c.Step.DefaultParameters = p
		if c.Step.CreatedAt, err = parseTime(stepCreatedAt); err != nil {
			return t, err
		}
		t.Configurations = append(t.Configurations, c)
	}
	return t, rows.Err()
}
