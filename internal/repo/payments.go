package repo

import (
	"context"
	"database/sql"
	"strings"

	"studiocrm/internal/domain"
)

const paymentColumns = `id,contract_id,employee_id,role,stage,payment_type,calculated_amount,manual_amount,final_amount,is_manual,COALESCE(report_month,''),reassigned,old_employee_id,created_at,updated_at`

func scanPayment(scan func(dest ...any) error) (domain.PaymentRecord, error) {
	var p domain.PaymentRecord
	var manual sql.NullFloat64
	var oldEmployee sql.NullString
	var isManual, reassigned int
	err := scan(&p.ID, &p.ContractID, &p.EmployeeID, &p.Role, &p.Stage, &p.PaymentType, &p.CalculatedAmount, &manual,
		&p.FinalAmount, &isManual, &p.ReportMonth, &reassigned, &oldEmployee, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if manual.Valid {
		v := manual.Float64
		p.ManualAmount = &v
	}
	p.IsManual = isManual == 1
	p.Reassigned = reassigned == 1
	p.OldEmployeeID = stringPtr(oldEmployee)
	return p, nil
}

func (r Repo) InsertPayment(ctx context.Context, tx *sql.Tx, p domain.PaymentRecord) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO payments(id,contract_id,employee_id,role,stage,payment_type,calculated_amount,manual_amount,final_amount,is_manual,report_month,reassigned,old_employee_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ContractID, p.EmployeeID, p.Role, p.Stage, p.PaymentType, p.CalculatedAmount, nullableFloatPtr(p.ManualAmount),
		p.FinalAmount, boolInt(p.IsManual), nullable(p.ReportMonth), boolInt(p.Reassigned), nullableStringPtr(p.OldEmployeeID), p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdatePayment writes amounts, month and reassignment fields. Identity columns never change.
func (r Repo) UpdatePayment(ctx context.Context, tx *sql.Tx, p domain.PaymentRecord) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE payments SET calculated_amount=?, manual_amount=?, final_amount=?, is_manual=?, report_month=?, reassigned=?, old_employee_id=?, updated_at=? WHERE id=?`,
		p.CalculatedAmount, nullableFloatPtr(p.ManualAmount), p.FinalAmount, boolInt(p.IsManual), nullable(p.ReportMonth),
		boolInt(p.Reassigned), nullableStringPtr(p.OldEmployeeID), p.UpdatedAt, p.ID))
}

func (r Repo) DeletePayment(ctx context.Context, tx *sql.Tx, id string) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `DELETE FROM payments WHERE id=?`, id))
}

func (r Repo) GetPayment(ctx context.Context, id string) (domain.PaymentRecord, error) {
	return r.GetPaymentTx(ctx, nil, id)
}

func (r Repo) GetPaymentTx(ctx context.Context, tx *sql.Tx, id string) (domain.PaymentRecord, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id)
	return scanPayment(row.Scan)
}

type PaymentFilters struct {
	ContractID  string
	EmployeeID  string
	Role        domain.Role
	ReportMonth string
	// ActiveOnly hides rows superseded by reassignment.
	ActiveOnly bool
}

func (r Repo) ListPayments(ctx context.Context, f PaymentFilters) ([]domain.PaymentRecord, error) {
	return r.ListPaymentsTx(ctx, nil, f)
}

func (r Repo) ListPaymentsTx(ctx context.Context, tx *sql.Tx, f PaymentFilters) ([]domain.PaymentRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ContractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, f.ContractID)
	}
	if f.EmployeeID != "" {
		clauses = append(clauses, "employee_id=?")
		args = append(args, f.EmployeeID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.ReportMonth != "" {
		clauses = append(clauses, "report_month=?")
		args = append(args, f.ReportMonth)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "reassigned=0")
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
