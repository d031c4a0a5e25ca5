// Package payroll derives payment record changes from workflow events.
// Every rule is a pure function of its inputs; callers persist the returned mutations.
package payroll

import (
	"time"

	"github.com/google/uuid"

	"studiocrm/internal/domain"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation is one change to the payments table.
type Mutation struct {
	Op     Op
	Record domain.PaymentRecord
	// TariffMissing marks inserts priced at zero because no tariff is configured.
	TariffMissing bool
}

// Tariffs prices a role on a stage. *config.Config implements it.
type Tariffs interface {
	TariffFor(pt domain.ProjectType, role domain.Role, stage domain.Column, area float64) float64
}

// Project is the contract context every rule needs.
type Project struct {
	ContractID string
	Type       domain.ProjectType
	Area       float64
}

type Rules struct {
	Tariffs Tariffs
	Now     func() time.Time
	NewID   func() string
}

func (r Rules) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Rules) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

func (r Rules) tariff(p Project, role domain.Role, stage domain.Column) float64 {
	if r.Tariffs == nil {
		return 0
	}
	return r.Tariffs.TariffFor(p.Type, role, stage, p.Area)
}

// Month formats t as a report month.
func Month(t time.Time) string {
	return t.Format("2006-01")
}

// ActiveRows returns the rows of role on stage not superseded by reassignment.
func ActiveRows(rows []domain.PaymentRecord, role domain.Role, stage domain.Column) []domain.PaymentRecord {
	var out []domain.PaymentRecord
	for _, row := range rows {
		if row.Reassigned || row.Role != role || row.Stage != stage {
			continue
		}
		out = append(out, row)
	}
	return out
}

func (r Rules) newRow(p Project, employeeID string, role domain.Role, stage domain.Column, pt domain.PaymentType, amount float64, month string) domain.PaymentRecord {
	ts := r.now().UTC().Format(time.RFC3339)
	return domain.PaymentRecord{
		ID:               r.newID(),
		ContractID:       p.ContractID,
		EmployeeID:       employeeID,
		Role:             role,
		Stage:            stage,
		PaymentType:      pt,
		CalculatedAmount: amount,
		FinalAmount:      amount,
		ReportMonth:      month,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
}

func (r Rules) touch(row domain.PaymentRecord) domain.PaymentRecord {
	row.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	return row
}

// OnStageAssigned prices an executor's stage. An executor already holding the
// stage's rows keeps them; a different executor takes them over by reassignment.
func (r Rules) OnStageAssigned(p Project, employeeID string, role domain.Role, stage domain.Column, existing []domain.PaymentRecord) []Mutation {
	active := ActiveRows(existing, role, stage)
	if len(active) > 0 {
		return r.OnReassigned(active, employeeID)
	}
	amount := r.tariff(p, role, stage)
	missing := amount == 0
	switch p.Type {
	case domain.ProjectIndividual:
		half := amount / 2
		return []Mutation{
			{Op: OpInsert, Record: r.newRow(p, employeeID, role, stage, domain.PaymentAdvance, half, Month(r.now())), TariffMissing: missing},
			{Op: OpInsert, Record: r.newRow(p, employeeID, role, stage, domain.PaymentBalance, half, ""), TariffMissing: missing},
		}
	case domain.ProjectTemplate:
		// stage 1 of a template project is unpaid
		if domain.StageIndex(p.Type, stage) == 1 {
			return []Mutation{{Op: OpInsert, Record: r.newRow(p, employeeID, role, stage, domain.PaymentFull, 0, "")}}
		}
		return []Mutation{{Op: OpInsert, Record: r.newRow(p, employeeID, role, stage, domain.PaymentFull, amount, ""), TariffMissing: missing}}
	}
	return nil
}

// OnStageAccepted stamps the report month of the accepted stage's payable row.
// acceptedStages counts the executor's accepted stages on the card including this one.
func (r Rules) OnStageAccepted(p Project, employeeID string, role domain.Role, stage domain.Column, acceptedStages int, existing []domain.PaymentRecord) []Mutation {
	var target domain.PaymentType
	switch p.Type {
	case domain.ProjectIndividual:
		target = domain.PaymentBalance
	case domain.ProjectTemplate:
		if acceptedStages < 2 {
			return nil
		}
		target = domain.PaymentFull
	default:
		return nil
	}
	month := Month(r.now())
	var out []Mutation
	for _, row := range ActiveRows(existing, role, stage) {
		if row.EmployeeID != employeeID || row.PaymentType != target || row.ReportMonth != "" {
			continue
		}
		row.ReportMonth = month
		out = append(out, Mutation{Op: OpUpdate, Record: r.touch(row)})
	}
	return out
}

// OnRoleAssigned handles a card slot being set. Management roles are paid once
// per project; executor slots are priced per stage so stage carries the card's
// current stage, or "" when the card is not on a stage of that role.
func (r Rules) OnRoleAssigned(p Project, role domain.Role, stage domain.Column, employeeID string, existing []domain.PaymentRecord) []Mutation {
	active := ActiveRows(existing, role, stage)
	if len(active) > 0 {
		return r.OnReassigned(active, employeeID)
	}
	if role.IsExecutor() || role == domain.RoleSurveyor {
		// executors are priced at stage assignment, surveyors at measurement or close
		return nil
	}
	amount := r.tariff(p, role, "")
	return []Mutation{{
		Op:            OpInsert,
		Record:        r.newRow(p, employeeID, role, "", domain.PaymentFull, amount, ""),
		TariffMissing: amount == 0,
	}}
}

// OnReassigned moves active rows to employeeID. Old rows are flagged, never
// deleted, and the new rows copy amounts and manual overrides unchanged.
func (r Rules) OnReassigned(active []domain.PaymentRecord, employeeID string) []Mutation {
	var out []Mutation
	for _, row := range active {
		if row.Reassigned || row.EmployeeID == employeeID {
			continue
		}
		oldEmployee := row.EmployeeID
		clone := row
		clone.ID = r.newID()
		clone.EmployeeID = employeeID
		clone.Reassigned = false
		clone.OldEmployeeID = &oldEmployee
		if row.ManualAmount != nil {
			v := *row.ManualAmount
			clone.ManualAmount = &v
		}
		ts := r.now().UTC().Format(time.RFC3339)
		clone.CreatedAt = ts
		clone.UpdatedAt = ts

		row.Reassigned = true
		out = append(out,
			Mutation{Op: OpUpdate, Record: r.touch(row)},
			Mutation{Op: OpInsert, Record: clone},
		)
	}
	return out
}

// OnSlotCleared deletes the active rows of a slot set to none, whether or not
// they already carry a report month. Reassigned rows stay.
func (r Rules) OnSlotCleared(role domain.Role, stage domain.Column, existing []domain.PaymentRecord) []Mutation {
	var out []Mutation
	for _, row := range ActiveRows(existing, role, stage) {
		out = append(out, Mutation{Op: OpDelete, Record: row})
	}
	return out
}

// OnMeasurement moves the surveyor's row to the measurement month, or creates
// it for individual projects. Template surveyors are paid at project close.
func (r Rules) OnMeasurement(p Project, surveyorID string, measuredAt time.Time, existing []domain.PaymentRecord) []Mutation {
	month := Month(measuredAt)
	var out []Mutation
	for _, row := range ActiveRows(existing, domain.RoleSurveyor, "") {
		if row.EmployeeID != surveyorID {
			continue
		}
		if row.ReportMonth != month {
			row.ReportMonth = month
			out = append(out, Mutation{Op: OpUpdate, Record: r.touch(row)})
		}
		return out
	}
	if p.Type != domain.ProjectIndividual {
		return nil
	}
	amount := r.tariff(p, domain.RoleSurveyor, "")
	return []Mutation{{
		Op:            OpInsert,
		Record:        r.newRow(p, surveyorID, domain.RoleSurveyor, "", domain.PaymentFull, amount, month),
		TariffMissing: amount == 0,
	}}
}

// OnProjectClosed stamps the current month on every active row still lacking
// one and creates the deferred template surveyor row. Running it twice changes
// nothing the first run set.
func (r Rules) OnProjectClosed(p Project, status domain.ContractStatus, surveyorID string, existing []domain.PaymentRecord) []Mutation {
	if !status.ClosesPayroll() {
		return nil
	}
	month := Month(r.now())
	var out []Mutation
	hasSurveyorRow := false
	for _, row := range existing {
		if row.Reassigned {
			continue
		}
		if row.Role == domain.RoleSurveyor {
			hasSurveyorRow = true
		}
		if row.ReportMonth != "" {
			continue
		}
		row.ReportMonth = month
		out = append(out, Mutation{Op: OpUpdate, Record: r.touch(row)})
	}
	if p.Type == domain.ProjectTemplate && surveyorID != "" && !hasSurveyorRow {
		amount := r.tariff(p, domain.RoleSurveyor, "")
		out = append(out, Mutation{
			Op:            OpInsert,
			Record:        r.newRow(p, surveyorID, domain.RoleSurveyor, "", domain.PaymentFull, amount, month),
			TariffMissing: amount == 0,
		})
	}
	return out
}

// OnManualAmount overrides the final amount of a row.
func (r Rules) OnManualAmount(row domain.PaymentRecord, amount float64) Mutation {
	v := amount
	row.ManualAmount = &v
	row.FinalAmount = amount
	row.IsManual = true
	return Mutation{Op: OpUpdate, Record: r.touch(row)}
}
