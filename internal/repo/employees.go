package repo

import (
	"context"
	"database/sql"

	"studiocrm/internal/domain"
)

const employeeColumns = `id,full_name,position,COALESCE(login,''),COALESCE(password_hash,''),active,created_at`

func scanEmployee(scan func(dest ...any) error) (domain.Employee, error) {
	var e domain.Employee
	var active int
	err := scan(&e.ID, &e.FullName, &e.Position, &e.Login, &e.PasswordHash, &active, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Active = active == 1
	return e, err
}

func (r Repo) InsertEmployee(ctx context.Context, tx *sql.Tx, e domain.Employee) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO employees(id,full_name,position,login,password_hash,active,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.FullName, e.Position, nullable(e.Login), nullable(e.PasswordHash), boolInt(e.Active), e.CreatedAt)
	return err
}

func (r Repo) UpdateEmployee(ctx context.Context, tx *sql.Tx, e domain.Employee) error {
	return expectAffected(r.on(tx).ExecContext(ctx, `UPDATE employees SET full_name=?, position=?, login=?, password_hash=?, active=? WHERE id=?`,
		e.FullName, e.Position, nullable(e.Login), nullable(e.PasswordHash), boolInt(e.Active), e.ID))
}

func (r Repo) GetEmployee(ctx context.Context, id string) (domain.Employee, error) {
	return r.GetEmployeeTx(ctx, nil, id)
}

func (r Repo) GetEmployeeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Employee, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id=?`, id)
	return scanEmployee(row.Scan)
}

func (r Repo) GetEmployeeByLogin(ctx context.Context, login string) (domain.Employee, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE login=?`, login)
	return scanEmployee(row.Scan)
}

// ListEmployees returns employees ordered by name; position filters when set.
func (r Repo) ListEmployees(ctx context.Context, position domain.Position, activeOnly bool) ([]domain.Employee, error) {
	query := `SELECT ` + employeeColumns + ` FROM employees WHERE 1=1`
	var args []any
	if position != "" {
		query += ` AND position=?`
		args = append(args, position)
	}
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY full_name, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Employee
	for rows.Next() {
		e, err := scanEmployee(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
