package repo

import (
	"context"
	"database/sql"
	"strings"

	"studiocrm/internal/domain"
)

const contractColumns = `id,number,COALESCE(client_name,''),COALESCE(address,''),project_type,status,COALESCE(termination_reason,''),status_changed_at,area,total_amount,advance_amount,created_at`

func scanContract(scan func(dest ...any) error) (domain.Contract, error) {
	var c domain.Contract
	var changedAt sql.NullString
	err := scan(&c.ID, &c.Number, &c.ClientName, &c.Address, &c.ProjectType, &c.Status, &c.TerminationReason,
		&changedAt, &c.Area, &c.TotalAmount, &c.AdvanceAmount, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.StatusChangedAt = stringPtr(changedAt)
	return c, err
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO contracts(id,number,client_name,address,project_type,status,termination_reason,status_changed_at,area,total_amount,advance_amount,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Number, nullable(c.ClientName), nullable(c.Address), c.ProjectType, c.Status, nullable(c.TerminationReason),
		nullableStringPtr(c.StatusChangedAt), c.Area, c.TotalAmount, c.AdvanceAmount, c.CreatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return r.GetContractTx(ctx, nil, id)
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

// UpdateContractStatus sets status, reason and the status-changed timestamp.
func (r Repo) UpdateContractStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ContractStatus, reason, changedAt string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE contracts SET status=?, termination_reason=?, status_changed_at=? WHERE id=?`,
		status, nullable(reason), nullable(changedAt), id))
}

type ContractFilters struct {
	ProjectType domain.ProjectType
	Archived    *bool
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectType != "" {
		clauses = append(clauses, "project_type=?")
		args = append(args, f.ProjectType)
	}
	if f.Archived != nil {
		clause, statusArgs := archivedClause("status", *f.Archived)
		clauses = append(clauses, clause)
		args = append(args, statusArgs...)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const cardColumns = `id,contract_id,column_name,project_type,senior_manager_id,design_lead_id,architect_lead_id,manager_id,surveyor_id,designer_id,draftsman_id,tags,deadline,approved,designer_completed,draftsman_completed,measurement_date,created_at,updated_at`

func scanCard(scan func(dest ...any) error) (domain.Card, error) {
	var c domain.Card
	var seniorManager, designLead, architectLead, manager, surveyor, designer, draftsman, deadline, measurement sql.NullString
	var approved, designerDone, draftsmanDone int
	err := scan(&c.ID, &c.ContractID, &c.Column, &c.ProjectType,
		&seniorManager, &designLead, &architectLead, &manager, &surveyor, &designer, &draftsman,
		&c.Tags, &deadline, &approved, &designerDone, &draftsmanDone, &measurement, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.SeniorManagerID = stringPtr(seniorManager)
	c.DesignLeadID = stringPtr(designLead)
	c.ArchitectLeadID = stringPtr(architectLead)
	c.ManagerID = stringPtr(manager)
	c.SurveyorID = stringPtr(surveyor)
	c.DesignerID = stringPtr(designer)
	c.DraftsmanID = stringPtr(draftsman)
	c.Deadline = stringPtr(deadline)
	c.MeasurementDate = stringPtr(measurement)
	c.Approved = approved == 1
	c.DesignerCompleted = designerDone == 1
	c.DraftsmanCompleted = draftsmanDone == 1
	return c, nil
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ContractID, c.Column, c.ProjectType,
		nullableStringPtr(c.SeniorManagerID), nullableStringPtr(c.DesignLeadID), nullableStringPtr(c.ArchitectLeadID), nullableStringPtr(c.ManagerID),
		nullableStringPtr(c.SurveyorID), nullableStringPtr(c.DesignerID), nullableStringPtr(c.DraftsmanID),
		c.Tags, nullableStringPtr(c.Deadline), boolInt(c.Approved), boolInt(c.DesignerCompleted), boolInt(c.DraftsmanCompleted),
		nullableStringPtr(c.MeasurementDate), c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateCard writes every mutable card field.
func (r Repo) UpdateCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE cards SET column_name=?, senior_manager_id=?, design_lead_id=?, architect_lead_id=?, manager_id=?, surveyor_id=?, designer_id=?, draftsman_id=?,
tags=?, deadline=?, approved=?, designer_completed=?, draftsman_completed=?, measurement_date=?, updated_at=? WHERE id=?`,
		c.Column,
		nullableStringPtr(c.SeniorManagerID), nullableStringPtr(c.DesignLeadID), nullableStringPtr(c.ArchitectLeadID), nullableStringPtr(c.ManagerID),
		nullableStringPtr(c.SurveyorID), nullableStringPtr(c.DesignerID), nullableStringPtr(c.DraftsmanID),
		c.Tags, nullableStringPtr(c.Deadline), boolInt(c.Approved), boolInt(c.DesignerCompleted), boolInt(c.DraftsmanCompleted),
		nullableStringPtr(c.MeasurementDate), c.UpdatedAt, c.ID))
}

func (r Repo) UpdateCardColumn(ctx context.Context, tx *sql.Tx, id string, column domain.Column, updatedAt string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE cards SET column_name=?, updated_at=? WHERE id=?`, column, updatedAt, id))
}

func (r Repo) UpdateCardDeadline(ctx context.Context, tx *sql.Tx, id string, deadline *string, updatedAt string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE cards SET deadline=?, updated_at=? WHERE id=?`, nullableStringPtr(deadline), updatedAt, id))
}

// SetCardMarks stores the designer/draftsman submitted-but-not-accepted marks.
func (r Repo) SetCardMarks(ctx context.Context, tx *sql.Tx, id string, designerCompleted, draftsmanCompleted bool, updatedAt string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE cards SET designer_completed=?, draftsman_completed=?, updated_at=? WHERE id=?`,
		boolInt(designerCompleted), boolInt(draftsmanCompleted), updatedAt, id))
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return r.GetCardTx(ctx, nil, id)
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id)
	return scanCard(row.Scan)
}

func (r Repo) GetCardByContract(ctx context.Context, contractID string) (domain.Card, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE contract_id=?`, contractID)
	return scanCard(row.Scan)
}

type CardFilters struct {
	ProjectType domain.ProjectType
	Column      domain.Column
	EmployeeID  string
	// Archived filters on the owning contract's status; nil lists both.
	Archived *bool
}

func (r Repo) ListCards(ctx context.Context, f CardFilters) ([]domain.Card, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectType != "" {
		clauses = append(clauses, "c.project_type=?")
		args = append(args, f.ProjectType)
	}
	if f.Column != "" {
		clauses = append(clauses, "c.column_name=?")
		args = append(args, f.Column)
	}
	if f.EmployeeID != "" {
		clauses = append(clauses, "? IN (c.senior_manager_id,c.design_lead_id,c.architect_lead_id,c.manager_id,c.surveyor_id,c.designer_id,c.draftsman_id)")
		args = append(args, f.EmployeeID)
	}
	if f.Archived != nil {
		clause, statusArgs := archivedClause("k.status", *f.Archived)
		clauses = append(clauses, clause)
		args = append(args, statusArgs...)
	}
	cols := "c." + strings.ReplaceAll(cardColumns, ",", ",c.")
	query := `SELECT ` + cols + ` FROM cards c JOIN contracts k ON k.id=c.contract_id WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY c.updated_at DESC, c.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertSupervisionCard(ctx context.Context, tx *sql.Tx, s domain.SupervisionCard) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO supervision_cards(id,contract_id,source_card_id,column_name,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.ContractID, s.SourceCard, s.Column, s.CreatedAt)
	return err
}

func (r Repo) ListSupervisionCards(ctx context.Context, contractID string) ([]domain.SupervisionCard, error) {
	query := `SELECT id,contract_id,source_card_id,column_name,created_at FROM supervision_cards`
	var args []any
	if contractID != "" {
		query += ` WHERE contract_id=?`
		args = append(args, contractID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SupervisionCard
	for rows.Next() {
		var s domain.SupervisionCard
		if err := rows.Scan(&s.ID, &s.ContractID, &s.SourceCard, &s.Column, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// archivedClause filters column by the archived contract statuses.
func archivedClause(column string, archived bool) (string, []any) {
	statuses := domain.ArchivedStatuses()
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	op := "NOT IN"
	if archived {
		op = "IN"
	}
	return column + " " + op + " (" + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + ")", args
}
