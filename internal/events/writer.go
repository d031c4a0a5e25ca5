package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Action types recorded in the history log.
const (
	ContractCreated   = "contract.created"
	ContractStatus    = "contract.status_changed"
	CardMoved         = "card.moved"
	CardReset         = "card.reset"
	CardDeadline      = "card.deadline_changed"
	CardTags          = "card.tags_changed"
	CardApproved      = "card.approved_changed"
	CardMeasurement   = "card.measurement_set"
	RoleAssigned      = "role.assigned"
	RoleReassigned    = "role.reassigned"
	RoleCleared       = "role.cleared"
	StageAssigned     = "stage.assigned"
	StageSubmitted    = "stage.submitted"
	StageAccepted     = "stage.accepted"
	StageApproved     = "stage.approved"
	PaymentManual     = "payment.manual_amount"
	FileAttached      = "file.attached"
	FileRemoved       = "file.removed"
	SupervisionOpened = "supervision.opened"
	EmployeeCreated   = "employee.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append adds one entry to action_history inside tx. Entries are never updated.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, action, entityType, entityID, actorID, description string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal history payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO action_history(ts,entity_type,entity_id,actor_id,action_type,description,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, entityType, entityID, actorID, action, description, string(data))
	return err
}
