package repo

import (
	"context"
	"database/sql"

	"studiocrm/internal/domain"
)

const stageFileColumns = `id,card_id,stage,file_name,remote_path,COALESCE(public_link,''),uploaded_by,created_at`

func (r Repo) InsertStageFile(ctx context.Context, tx *sql.Tx, f domain.StageFile) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO stage_files(id,card_id,stage,file_name,remote_path,public_link,uploaded_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.CardID, f.Stage, f.FileName, f.RemotePath, nullable(f.PublicLink), f.UploadedBy, f.CreatedAt)
	return err
}

func (r Repo) GetStageFile(ctx context.Context, id string) (domain.StageFile, error) {
	var f domain.StageFile
	err := r.DB.QueryRowContext(ctx, `SELECT `+stageFileColumns+` FROM stage_files WHERE id=?`, id).
		Scan(&f.ID, &f.CardID, &f.Stage, &f.FileName, &f.RemotePath, &f.PublicLink, &f.UploadedBy, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) DeleteStageFile(ctx context.Context, tx *sql.Tx, id string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `DELETE FROM stage_files WHERE id=?`, id))
}

// ListStageFiles lists the card's files; stage filters when set.
func (r Repo) ListStageFiles(ctx context.Context, cardID string, stage domain.Column) ([]domain.StageFile, error) {
	query := `SELECT ` + stageFileColumns + ` FROM stage_files WHERE card_id=?`
	args := []any{cardID}
	if stage != "" {
		query += ` AND stage=?`
		args = append(args, stage)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageFile
	for rows.Next() {
		var f domain.StageFile
		if err := rows.Scan(&f.ID, &f.CardID, &f.Stage, &f.FileName, &f.RemotePath, &f.PublicLink, &f.UploadedBy, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
