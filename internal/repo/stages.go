package repo

import (
	"context"
	"database/sql"

	"studiocrm/internal/domain"
)

const assignmentColumns = `id,card_id,stage,executor_id,assigned_by_id,assigned_date,deadline,submitted_date,completed,completed_date`

// newestFirst orders assignment rows; rowid breaks ties within one second.
const newestFirst = ` ORDER BY assigned_date DESC, rowid DESC`

func scanAssignment(scan func(dest ...any) error) (domain.StageAssignment, error) {
	var a domain.StageAssignment
	var deadline, submitted, completedAt sql.NullString
	var completed int
	err := scan(&a.ID, &a.CardID, &a.Stage, &a.ExecutorID, &a.AssignedByID, &a.AssignedDate, &deadline, &submitted, &completed, &completedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Deadline = stringPtr(deadline)
	a.SubmittedDate = stringPtr(submitted)
	a.Completed = completed == 1
	a.CompletedDate = stringPtr(completedAt)
	return a, nil
}

func (r Repo) queryAssignments(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.StageAssignment, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+assignmentColumns+` FROM stage_assignments WHERE `+where+newestFirst, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageAssignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.StageAssignment) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO stage_assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CardID, a.Stage, a.ExecutorID, a.AssignedByID, a.AssignedDate, nullableStringPtr(a.Deadline),
		nullableStringPtr(a.SubmittedDate), boolInt(a.Completed), nullableStringPtr(a.CompletedDate))
	return err
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.StageAssignment, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM stage_assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

// LatestAssignment returns the most recent row of the card's stage regardless of executor.
func (r Repo) LatestAssignment(ctx context.Context, tx *sql.Tx, cardID string, stage domain.Column) (domain.StageAssignment, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM stage_assignments WHERE card_id=? AND stage=?`+newestFirst+` LIMIT 1`, cardID, stage)
	return scanAssignment(row.Scan)
}

// LatestOpenAssignment returns the most recent uncompleted row for the executor on the stage.
func (r Repo) LatestOpenAssignment(ctx context.Context, tx *sql.Tx, cardID string, stage domain.Column, executorID string) (domain.StageAssignment, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM stage_assignments WHERE card_id=? AND stage=? AND executor_id=? AND completed=0`+newestFirst+` LIMIT 1`,
		cardID, stage, executorID)
	return scanAssignment(row.Scan)
}

// OpenAssignments lists every uncompleted row of the card's stage.
func (r Repo) OpenAssignments(ctx context.Context, tx *sql.Tx, cardID string, stage domain.Column) ([]domain.StageAssignment, error) {
	return r.queryAssignments(ctx, tx, `card_id=? AND stage=? AND completed=0`, cardID, stage)
}

func (r Repo) ListAssignments(ctx context.Context, cardID string) ([]domain.StageAssignment, error) {
	return r.queryAssignments(ctx, nil, `card_id=?`, cardID)
}

func (r Repo) SetAssignmentSubmitted(ctx context.Context, tx *sql.Tx, id, ts string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE stage_assignments SET submitted_date=? WHERE id=?`, ts, id))
}

func (r Repo) CompleteAssignment(ctx context.Context, tx *sql.Tx, id, ts string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE stage_assignments SET completed=1, completed_date=? WHERE id=?`, ts, id))
}

// ResetAssignment puts one row back into the assigned state.
func (r Repo) ResetAssignment(ctx context.Context, tx *sql.Tx, id string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE stage_assignments SET submitted_date=NULL, completed=0, completed_date=NULL WHERE id=?`, id))
}

// ResetCardAssignments puts every row of the card back into the assigned state.
func (r Repo) ResetCardAssignments(ctx context.Context, tx *sql.Tx, cardID string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE stage_assignments SET submitted_date=NULL, completed=0, completed_date=NULL WHERE card_id=?`, cardID)
	return err
}

// PreviousExecutorForPosition looks across all stages of the card, newest first.
func (r Repo) PreviousExecutorForPosition(ctx context.Context, cardID string, position domain.Position) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT a.executor_id FROM stage_assignments a JOIN employees e ON e.id=a.executor_id
WHERE a.card_id=? AND e.position=? ORDER BY a.assigned_date DESC, a.rowid DESC LIMIT 1`, cardID, position).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (r Repo) InsertAcceptance(ctx context.Context, tx *sql.Tx, a domain.StageAcceptance) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO stage_acceptances(id,card_id,stage,executor_id,assignment_id,accepted_by_id,accepted_by_name,accepted_by_role,accepted_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CardID, a.Stage, a.ExecutorID, a.AssignmentID, a.AcceptedByID, a.AcceptedByName, a.AcceptedByRole, a.AcceptedAt)
	return err
}

// CountAcceptedStages counts distinct stages of the card accepted for the executor.
func (r Repo) CountAcceptedStages(ctx context.Context, tx *sql.Tx, cardID, executorID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(DISTINCT stage) FROM stage_acceptances WHERE card_id=? AND executor_id=?`, cardID, executorID).Scan(&n)
	return n, err
}

func (r Repo) ListAcceptances(ctx context.Context, cardID string) ([]domain.StageAcceptance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,card_id,stage,executor_id,assignment_id,accepted_by_id,accepted_by_name,accepted_by_role,accepted_at
FROM stage_acceptances WHERE card_id=? ORDER BY accepted_at, rowid`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageAcceptance
	for rows.Next() {
		var a domain.StageAcceptance
		if err := rows.Scan(&a.ID, &a.CardID, &a.Stage, &a.ExecutorID, &a.AssignmentID, &a.AcceptedByID, &a.AcceptedByName, &a.AcceptedByRole, &a.AcceptedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpsertApproval(ctx context.Context, tx *sql.Tx, a domain.StageApproval) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO stage_approvals(card_id,stage,approved,approved_by_id,approved_at) VALUES (?,?,?,?,?)
ON CONFLICT(card_id,stage) DO UPDATE SET approved=excluded.approved, approved_by_id=excluded.approved_by_id, approved_at=excluded.approved_at`,
		a.CardID, a.Stage, boolInt(a.Approved), nullable(a.ApprovedByID), nullable(a.ApprovedAt))
	return err
}

// StageApproved reports the opaque approval flag of a stage; a missing record is false.
func (r Repo) StageApproved(ctx context.Context, tx *sql.Tx, cardID string, stage domain.Column) (bool, error) {
	var approved int
	err := r.on(tx).QueryRowContext(ctx, `SELECT approved FROM stage_approvals WHERE card_id=? AND stage=?`, cardID, stage).Scan(&approved)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return approved == 1, err
}

func (r Repo) ClearApprovals(ctx context.Context, tx *sql.Tx, cardID string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM stage_approvals WHERE card_id=?`, cardID)
	return err
}

func (r Repo) ListApprovals(ctx context.Context, cardID string) ([]domain.StageApproval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT card_id,stage,approved,COALESCE(approved_by_id,''),COALESCE(approved_at,'') FROM stage_approvals WHERE card_id=? ORDER BY stage`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageApproval
	for rows.Next() {
		var a domain.StageApproval
		var approved int
		if err := rows.Scan(&a.CardID, &a.Stage, &approved, &a.ApprovedByID, &a.ApprovedAt); err != nil {
			return nil, err
		}
		a.Approved = approved == 1
		res = append(res, a)
	}
	return res, rows.Err()
}
