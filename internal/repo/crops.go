package repo

import (
	"context"
	"database/sql"

	"cropline/internal/domain"
)

const cropInstanceCols = `id, user_id, crop_template_id, nickname, start_date, completed_date, is_active, created_at, updated_at`

func scanCropInstance(scan func(dest ...any) error) (domain.CropInstance, error) {
	var c domain.CropInstance
	var startDate, createdAt, updatedAt string
	var completed sql.NullString
	if err := scan(&c.ID, &c.UserID, &c.CropTemplateID, &c.Nickname, &startDate, &completed, &c.IsActive, &createdAt, &updatedAt); err != nil {
		return c, err
	}
	var err error
	if c.StartDate, err = parseTime(startDate); err != nil {
		return c, err
	}
	if c.CompletedDate, err = timeFromNull(completed); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	c.UpdatedAt, err = parseTime(updatedAt)
	return c, err
}

func (r Repo) InsertCropInstanceTx(ctx context.Context, tx *sql.Tx, c domain.CropInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO crop_instances(`+cropInstanceCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.CropTemplateID, c.Nickname, fmtTime(c.StartDate), fmtTimePtr(c.CompletedDate), c.IsActive, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	return err
}

func (r Repo) GetCropInstance(ctx context.Context, id string) (domain.CropInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cropInstanceCols+` FROM crop_instances WHERE id=?`, id)
	c, err := scanCropInstance(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListCropInstances returns a user's crops; active selects between running
// and archived crops.
func (r Repo) ListCropInstances(ctx context.Context, userID string, active bool) ([]domain.CropInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cropInstanceCols+` FROM crop_instances WHERE user_id=? AND is_active=? ORDER BY created_at DESC, id DESC`, userID, active)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CropInstance
	for rows.Next() {
		c, err := scanCropInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCropInstanceTx(ctx context.Context, tx *sql.Tx, c domain.CropInstance) error {
	res, err := tx.ExecContext(ctx, `UPDATE crop_instances SET nickname=?, completed_date=?, is_active=?, updated_at=? WHERE id=?`,
		c.Nickname, fmtTimePtr(c.CompletedDate), c.IsActive, fmtTime(c.UpdatedAt), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteCropInstance(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM crop_instances WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
