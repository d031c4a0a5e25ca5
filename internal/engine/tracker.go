package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/m-mizutani/goerr/v2"

	"studiocrm/internal/domain"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/events"
	"studiocrm/internal/repo"
)

// AssignStageOptions are parameters for assigning an executor to a stage.
type AssignStageOptions struct {
	CardID     string
	Stage      domain.Column
	ExecutorID string
	Deadline   *string
}

// checkExecutor verifies the stage belongs to the card's pipeline and the
// executor holds the position the stage needs.
func (e Engine) checkExecutor(ctx context.Context, tx *sql.Tx, card domain.Card, stage domain.Column, executorID string) (domain.Employee, error) {
	if !domain.ValidStage(card.ProjectType, stage) {
		return domain.Employee{}, invalid("%q is not a stage of %s projects", stage, card.ProjectType)
	}
	if executorID == "" {
		return domain.Employee{}, invalid("executor is required")
	}
	executor, err := e.Repo.GetEmployeeTx(ctx, tx, executorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Employee{}, invalid("executor %s not found", executorID)
	}
	if err != nil {
		return domain.Employee{}, err
	}
	if !executor.Active {
		return domain.Employee{}, invalid("executor %s is not active", executor.FullName)
	}
	want := domain.StagePosition(card.ProjectType, stage)
	if executor.Position != want {
		return domain.Employee{}, invalid("stage %q needs a %s, %s is a %s", stage, want, executor.FullName, executor.Position)
	}
	return executor, nil
}

// AssignStage records a new assignment row. Earlier rows of the stage are kept as they are.
func (e Engine) AssignStage(ctx context.Context, actor auth.Actor, opts AssignStageOptions) (domain.StageAssignment, error) {
	if err := actor.Validate(); err != nil {
		return domain.StageAssignment{}, err
	}
	if opts.Deadline != nil && *opts.Deadline != "" {
		if err := validDate(*opts.Deadline); err != nil {
			return domain.StageAssignment{}, err
		}
	}
	var assignment domain.StageAssignment
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		assignment, err = e.assignTx(ctx, tx, actor, opts)
		return err
	})
	return assignment, err
}

func (e Engine) assignTx(ctx context.Context, tx *sql.Tx, actor auth.Actor, opts AssignStageOptions) (domain.StageAssignment, error) {
	card, err := e.Repo.GetCardTx(ctx, tx, opts.CardID)
	if err != nil {
		return domain.StageAssignment{}, err
	}
	executor, err := e.checkExecutor(ctx, tx, card, opts.Stage, opts.ExecutorID)
	if err != nil {
		return domain.StageAssignment{}, err
	}
	contract, err := e.Repo.GetContractTx(ctx, tx, card.ContractID)
	if err != nil {
		return domain.StageAssignment{}, err
	}
	deadline := opts.Deadline
	if deadline != nil && *deadline == "" {
		deadline = nil
	}
	a := domain.StageAssignment{
		ID:           e.newID(),
		CardID:       card.ID,
		Stage:        opts.Stage,
		ExecutorID:   executor.ID,
		AssignedByID: actor.EmployeeID,
		AssignedDate: e.ts(),
		Deadline:     deadline,
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return a, goerr.Wrap(err, "insert assignment", goerr.V("card_id", card.ID), goerr.V("stage", opts.Stage))
	}
	role := domain.RoleForPosition(executor.Position)
	id := executor.ID
	card.SetSlot(role, &id)
	card.UpdatedAt = a.AssignedDate
	if err := e.Repo.UpdateCard(ctx, tx, card); err != nil {
		return a, goerr.Wrap(err, "update card slot", goerr.V("card_id", card.ID), goerr.V("role", role))
	}
	existing, err := e.contractPayments(ctx, tx, contract.ID)
	if err != nil {
		return a, err
	}
	if err := e.applyPayments(ctx, tx, e.rules().OnStageAssigned(project(contract), executor.ID, role, opts.Stage, existing)); err != nil {
		return a, err
	}
	payload := events.Payload{"stage": opts.Stage, "executor_id": executor.ID, "assignment_id": a.ID}
	if deadline != nil {
		payload["deadline"] = *deadline
	}
	if err := e.appendHistory(ctx, tx, actor, events.StageAssigned, "card", card.ID,
		fmt.Sprintf("%s assigned to %s", executor.FullName, opts.Stage), payload); err != nil {
		return a, err
	}
	return a, nil
}

// designerStage reports whether the stage drives the designer mark rather than the draftsman one.
func designerStage(stage domain.Column) bool {
	return stage == domain.ColumnDesignConcept
}

// MarkSubmitted stamps the submission date on the executor's open row. It
// returns false and changes nothing when no open row exists.
func (e Engine) MarkSubmitted(ctx context.Context, actor auth.Actor, cardID string, stage domain.Column, executorID string) (bool, error) {
	if err := actor.Validate(); err != nil {
		return false, err
	}
	if actor.Tier() == domain.TierC && actor.EmployeeID != executorID {
		return false, auth.ForbiddenError{Operation: "submit another executor's work", Tier: domain.TierC}
	}
	submitted := false
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		card, err := e.Repo.GetCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if !domain.ValidStage(card.ProjectType, stage) {
			return invalid("%q is not a stage of %s projects", stage, card.ProjectType)
		}
		row, err := e.Repo.LatestOpenAssignment(ctx, tx, cardID, stage, executorID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := e.ts()
		if err := e.Repo.SetAssignmentSubmitted(ctx, tx, row.ID, now); err != nil {
			return goerr.Wrap(err, "mark submitted", goerr.V("assignment_id", row.ID))
		}
		if designerStage(stage) {
			card.DesignerCompleted = true
		} else {
			card.DraftsmanCompleted = true
		}
		if err := e.Repo.SetCardMarks(ctx, tx, card.ID, card.DesignerCompleted, card.DraftsmanCompleted, now); err != nil {
			return err
		}
		submitted = true
		return e.appendHistory(ctx, tx, actor, events.StageSubmitted, "card", card.ID,
			fmt.Sprintf("work on %s submitted", stage), events.Payload{"stage": stage, "executor_id": executorID, "assignment_id": row.ID})
	})
	return submitted && err == nil, err
}

// AcceptStage completes the executor's open row of the stage. Accepting twice
// is harmless: with no open row it returns false and records nothing.
func (e Engine) AcceptStage(ctx context.Context, actor auth.Actor, cardID string, stage domain.Column, executorID string) (bool, error) {
	if err := actor.Require("accept stage", domain.TierA, domain.TierB); err != nil {
		return false, err
	}
	accepted := false
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		card, err := e.Repo.GetCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if !domain.ValidStage(card.ProjectType, stage) {
			return invalid("%q is not a stage of %s projects", stage, card.ProjectType)
		}
		row, err := e.Repo.LatestOpenAssignment(ctx, tx, cardID, stage, executorID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.acceptTx(ctx, tx, actor, card, row); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	return accepted && err == nil, err
}

// acceptTx completes row, records who accepted it, clears the card's submitted
// mark and stamps the stage's payment month.
func (e Engine) acceptTx(ctx context.Context, tx *sql.Tx, actor auth.Actor, card domain.Card, row domain.StageAssignment) error {
	now := e.ts()
	if err := e.Repo.CompleteAssignment(ctx, tx, row.ID, now); err != nil {
		return goerr.Wrap(err, "complete assignment", goerr.V("assignment_id", row.ID))
	}
	acc := domain.StageAcceptance{
		ID:             e.newID(),
		CardID:         card.ID,
		Stage:          row.Stage,
		ExecutorID:     row.ExecutorID,
		AssignmentID:   row.ID,
		AcceptedByID:   actor.EmployeeID,
		AcceptedByName: actor.Name,
		AcceptedByRole: actor.Position,
		AcceptedAt:     now,
	}
	if err := e.Repo.InsertAcceptance(ctx, tx, acc); err != nil {
		return goerr.Wrap(err, "insert acceptance", goerr.V("assignment_id", row.ID))
	}
	if designerStage(row.Stage) {
		card.DesignerCompleted = false
	} else {
		card.DraftsmanCompleted = false
	}
	if err := e.Repo.SetCardMarks(ctx, tx, card.ID, card.DesignerCompleted, card.DraftsmanCompleted, now); err != nil {
		return err
	}
	contract, err := e.Repo.GetContractTx(ctx, tx, card.ContractID)
	if err != nil {
		return err
	}
	role := domain.RoleForPosition(domain.StagePosition(card.ProjectType, row.Stage))
	count, err := e.Repo.CountAcceptedStages(ctx, tx, card.ID, row.ExecutorID)
	if err != nil {
		return err
	}
	existing, err := e.contractPayments(ctx, tx, contract.ID)
	if err != nil {
		return err
	}
	if err := e.applyPayments(ctx, tx, e.rules().OnStageAccepted(project(contract), row.ExecutorID, role, row.Stage, count, existing)); err != nil {
		return err
	}
	return e.appendHistory(ctx, tx, actor, events.StageAccepted, "card", card.ID,
		fmt.Sprintf("%s accepted %s", actor.Name, row.Stage),
		events.Payload{"stage": row.Stage, "executor_id": row.ExecutorID, "assignment_id": row.ID, "accepted_by_role": actor.Position})
}

// PreviousExecutorForPosition suggests the executor who last worked any stage
// of the card in the given position. It returns "" when nobody did.
func (e Engine) PreviousExecutorForPosition(ctx context.Context, cardID string, position domain.Position) (string, error) {
	if _, err := e.Repo.GetCard(ctx, cardID); err != nil {
		return "", err
	}
	return e.Repo.PreviousExecutorForPosition(ctx, cardID, position)
}

// ApproveStage sets the stage-approval flag coordinators need before moving on.
func (e Engine) ApproveStage(ctx context.Context, actor auth.Actor, cardID string, stage domain.Column) error {
	if err := actor.Require("approve stage", domain.TierA, domain.TierB); err != nil {
		return err
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		card, err := e.Repo.GetCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if !domain.ValidStage(card.ProjectType, stage) {
			return invalid("%q is not a stage of %s projects", stage, card.ProjectType)
		}
		if err := e.Repo.UpsertApproval(ctx, tx, domain.StageApproval{
			CardID:       card.ID,
			Stage:        stage,
			Approved:     true,
			ApprovedByID: actor.EmployeeID,
			ApprovedAt:   e.ts(),
		}); err != nil {
			return goerr.Wrap(err, "approve stage", goerr.V("card_id", card.ID), goerr.V("stage", stage))
		}
		return e.appendHistory(ctx, tx, actor, events.StageApproved, "card", card.ID,
			fmt.Sprintf("%s approved", stage), events.Payload{"stage": stage})
	})
}
