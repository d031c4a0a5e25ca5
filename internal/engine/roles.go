package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"studiocrm/internal/domain"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/events"
	"studiocrm/internal/repo"
)

// slotStage is the stage an executor slot change is priced against: the card's
// current stage when it needs that role, "" otherwise.
func slotStage(card domain.Card, role domain.Role) domain.Column {
	if !role.IsExecutor() {
		return ""
	}
	if domain.StagePosition(card.ProjectType, card.Column) == role.Position() {
		return card.Column
	}
	return ""
}

// SetCardRole puts employeeID into the card slot for role. An empty
// employeeID clears the slot and deletes its active payment rows, stamped
// report months included.
func (e Engine) SetCardRole(ctx context.Context, actor auth.Actor, cardID string, role domain.Role, employeeID string) (domain.Card, error) {
	if err := actor.Require("set card role", domain.TierA, domain.TierB); err != nil {
		return domain.Card{}, err
	}
	if !role.IsValid() {
		return domain.Card{}, invalid("invalid role %q", role)
	}
	var card domain.Card
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		card, err = e.Repo.GetCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		contract, err := e.Repo.GetContractTx(ctx, tx, card.ContractID)
		if err != nil {
			return err
		}
		existing, err := e.contractPayments(ctx, tx, contract.ID)
		if err != nil {
			return err
		}
		stage := slotStage(card, role)
		previous := card.Slot(role)

		if employeeID == "" {
			if previous == nil {
				return nil
			}
			card.SetSlot(role, nil)
			card.UpdatedAt = e.ts()
			if err := e.Repo.UpdateCard(ctx, tx, card); err != nil {
				return goerr.Wrap(err, "clear card slot", goerr.V("card_id", card.ID), goerr.V("role", role))
			}
			if err := e.applyPayments(ctx, tx, e.rules().OnSlotCleared(role, stage, existing)); err != nil {
				return err
			}
			return e.appendHistory(ctx, tx, actor, events.RoleCleared, "card", card.ID,
				fmt.Sprintf("%s cleared", role), events.Payload{"role": role, "previous": *previous})
		}

		emp, err := e.Repo.GetEmployeeTx(ctx, tx, employeeID)
		if errors.Is(err, repo.ErrNotFound) {
			return invalid("employee %s not found", employeeID)
		}
		if err != nil {
			return err
		}
		if !emp.Active {
			return invalid("employee %s is not active", emp.FullName)
		}
		if emp.Position != role.Position() {
			return invalid("%s needs a %s, %s is a %s", role, role.Position(), emp.FullName, emp.Position)
		}
		if previous != nil && *previous == emp.ID {
			return nil
		}
		id := emp.ID
		card.SetSlot(role, &id)
		card.UpdatedAt = e.ts()
		if err := e.Repo.UpdateCard(ctx, tx, card); err != nil {
			return goerr.Wrap(err, "set card slot", goerr.V("card_id", card.ID), goerr.V("role", role))
		}
		if !role.IsExecutor() || stage != "" {
			if err := e.applyPayments(ctx, tx, e.rules().OnRoleAssigned(project(contract), role, stage, emp.ID, existing)); err != nil {
				return err
			}
		}
		action := events.RoleAssigned
		payload := events.Payload{"role": role, "employee_id": emp.ID}
		if previous != nil {
			action = events.RoleReassigned
			payload["previous"] = *previous
		}
		return e.appendHistory(ctx, tx, actor, action, "card", card.ID,
			fmt.Sprintf("%s set to %s", role, emp.FullName), payload)
	})
	return card, err
}

// SetMeasurement records the site measurement date, which decides the
// surveyor's report month.
func (e Engine) SetMeasurement(ctx context.Context, actor auth.Actor, cardID, date string) (domain.Card, error) {
	if err := actor.Validate(); err != nil {
		return domain.Card{}, err
	}
	measured, err := time.Parse(dateLayout, date)
	if err != nil {
		return domain.Card{}, invalid("date %q must be YYYY-MM-DD", date)
	}
	var card domain.Card
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		card, err = e.Repo.GetCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if card.SurveyorID == nil {
			return invalid("card has no surveyor")
		}
		card.MeasurementDate = &date
		card.UpdatedAt = e.ts()
		if err := e.Repo.UpdateCard(ctx, tx, card); err != nil {
			return goerr.Wrap(err, "set measurement", goerr.V("card_id", card.ID))
		}
		contract, err := e.Repo.GetContractTx(ctx, tx, card.ContractID)
		if err != nil {
			return err
		}
		existing, err := e.contractPayments(ctx, tx, contract.ID)
		if err != nil {
			return err
		}
		if err := e.applyPayments(ctx, tx, e.rules().OnMeasurement(project(contract), *card.SurveyorID, measured, existing)); err != nil {
			return err
		}
		return e.appendHistory(ctx, tx, actor, events.CardMeasurement, "card", card.ID,
			"measured on "+date, events.Payload{"date": date, "surveyor_id": *card.SurveyorID})
	})
	return card, err
}
