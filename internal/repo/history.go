package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"studiocrm/internal/domain"
)

type HistoryFilters struct {
	EntityType string
	EntityID   string
	ActionType string
	ActorID    string
	// Before pages backwards from an entry id.
	Before int64
	Limit  int
}

func scanHistory(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.TS, &h.EntityType, &h.EntityID, &h.ActorID, &h.ActionType, &h.Description, &h.Payload); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// ListHistory returns entries newest first.
func (r Repo) ListHistory(ctx context.Context, f HistoryFilters) ([]domain.HistoryEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,entity_type,entity_id,actor_id,action_type,description,payload_json FROM action_history WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanHistory(rows)
}

// HistoryAfter returns entries with ids greater than the cursor in ascending order.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,entity_type,entity_id,actor_id,action_type,description,payload_json FROM action_history WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanHistory(rows)
}

func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM action_history`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
