package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"studiocrm/internal/domain"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/events"
	"studiocrm/internal/repo"
)

// ExecutorChoice is the answer of the executor-selection sub-flow.
type ExecutorChoice struct {
	ExecutorID string
	Deadline   *string
}

// CompletionChoice is the answer of the completion sub-flow.
type CompletionChoice struct {
	Status domain.CompletionStatus
	Reason string
}

func (c CompletionChoice) validate() error {
	if !c.Status.IsValid() {
		return invalid("invalid completion status %q", c.Status)
	}
	if c.Status == domain.CompletionTerminated && strings.TrimSpace(c.Reason) == "" {
		return invalid("a termination reason is required")
	}
	return nil
}

type MoveOptions struct {
	CardID string
	To     domain.Column
	// Executor is nil when the executor sub-flow was cancelled.
	Executor *ExecutorChoice
	// Completion is nil when the completion sub-flow was cancelled.
	Completion *CompletionChoice
}

type MoveResult struct {
	Card         domain.Card              `json:"card"`
	Moved        bool                     `json:"moved"`
	Decision     MoveDecision             `json:"decision"`
	AutoAccepted []domain.StageAssignment `json:"auto_accepted,omitempty"`
	Assignment   *domain.StageAssignment  `json:"assignment,omitempty"`
	Supervision  *domain.SupervisionCard  `json:"supervision,omitempty"`
	Warnings     []string                 `json:"warnings,omitempty"`
}

// MoveCard validates and applies a user-initiated move. The column update is
// the primary action; resets, status changes, executor assignment and closing
// run afterwards as separate steps whose failures only add warnings.
func (e Engine) MoveCard(ctx context.Context, actor auth.Actor, opts MoveOptions) (MoveResult, error) {
	card, err := e.Repo.GetCard(ctx, opts.CardID)
	if err != nil {
		return MoveResult{}, err
	}
	from, to := card.Column, opts.To
	decision, err := e.ValidateMove(ctx, actor, card, from, to)
	if err != nil {
		return MoveResult{}, err
	}
	res := MoveResult{Card: card, Decision: decision}
	if !decision.Allowed || from == to {
		return res, nil
	}
	if err := e.checkSubflows(ctx, card, from, to, opts); err != nil {
		return MoveResult{}, err
	}

	for _, row := range decision.AutoAccept {
		row := row
		if e.step(ctx, &res.Warnings, "auto-accept "+string(row.Stage), card.ID, func(tx *sql.Tx) error {
			current, err := e.Repo.GetCardTx(ctx, tx, card.ID)
			if err != nil {
				return err
			}
			return e.acceptTx(ctx, tx, actor, current, row)
		}) {
			res.AutoAccepted = append(res.AutoAccepted, row)
		}
	}

	now := e.ts()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateCardColumn(ctx, tx, card.ID, to, now); err != nil {
			return goerr.Wrap(err, "move card", goerr.V("card_id", card.ID), goerr.V("to", to))
		}
		return e.appendHistory(ctx, tx, actor, events.CardMoved, "card", card.ID,
			fmt.Sprintf("moved from %s to %s", from, to), events.Payload{"from": from, "to": to})
	})
	if err != nil {
		return res, err
	}
	res.Moved = true

	if from == domain.ColumnCompleted {
		e.step(ctx, &res.Warnings, "reset card", card.ID, func(tx *sql.Tx) error {
			return e.fullResetTx(ctx, tx, actor, card.ID)
		})
		// a card back in the pipeline must not stay archived
		e.step(ctx, &res.Warnings, "reopen contract", card.ID, func(tx *sql.Tx) error {
			contract, err := e.Repo.GetContractTx(ctx, tx, card.ContractID)
			if err != nil || !contract.IsArchived() {
				return err
			}
			return e.setContractStatusTx(ctx, tx, actor, contract.ID, reopenStatus(to), "")
		})
	} else {
		e.step(ctx, &res.Warnings, "reset stage marks", card.ID, func(tx *sql.Tx) error {
			return e.stageResetTx(ctx, tx, card.ID, to)
		})
	}

	if to == domain.ColumnNewOrder || to == domain.ColumnCompleted {
		e.step(ctx, &res.Warnings, "clear deadline", card.ID, func(tx *sql.Tx) error {
			return e.Repo.UpdateCardDeadline(ctx, tx, card.ID, nil, e.ts())
		})
	}

	if from == domain.ColumnNewOrder && to != domain.ColumnCompleted {
		e.step(ctx, &res.Warnings, "set contract in progress", card.ID, func(tx *sql.Tx) error {
			return e.setContractStatusTx(ctx, tx, actor, card.ContractID, domain.ContractInProgress, "")
		})
	}

	if to.RequiresExecutor() {
		if opts.Executor == nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("no executor selected for %s", to))
		} else {
			e.step(ctx, &res.Warnings, "assign executor", card.ID, func(tx *sql.Tx) error {
				a, err := e.assignTx(ctx, tx, actor, AssignStageOptions{
					CardID:     card.ID,
					Stage:      to,
					ExecutorID: opts.Executor.ExecutorID,
					Deadline:   opts.Executor.Deadline,
				})
				if err != nil {
					return err
				}
				res.Assignment = &a
				return nil
			})
		}
	}

	if to == domain.ColumnCompleted {
		if opts.Completion == nil {
			res.Warnings = append(res.Warnings, "completion status not chosen, the project has no terminal status yet")
		} else {
			res.Supervision = e.complete(ctx, actor, card.ID, *opts.Completion, &res.Warnings)
		}
	}

	if len(res.Warnings) > 0 {
		e.logger().Warn("card moved with warnings",
			zap.String("card_id", card.ID), zap.String("to", string(to)), zap.Strings("warnings", res.Warnings))
	}
	if refreshed, err := e.Repo.GetCard(ctx, card.ID); err == nil {
		res.Card = refreshed
	} else {
		res.Card.Column = to
	}
	return res, nil
}

// reopenStatus is the status an archived contract gets when its card leaves
// Completed project for to.
func reopenStatus(to domain.Column) domain.ContractStatus {
	if to == domain.ColumnNewOrder {
		return domain.ContractNew
	}
	return domain.ContractInProgress
}

// checkSubflows rejects bad sub-flow answers before anything is written. In
// strict mode a missing answer is rejected too.
func (e Engine) checkSubflows(ctx context.Context, card domain.Card, from, to domain.Column, opts MoveOptions) error {
	if to.RequiresExecutor() {
		if opts.Executor == nil {
			if e.strictSubflows() {
				return invalid("moving to %s requires an executor", to)
			}
		} else {
			if d := opts.Executor.Deadline; d != nil && *d != "" {
				if err := validDate(*d); err != nil {
					return err
				}
			}
			if _, err := e.checkExecutor(ctx, nil, card, to, opts.Executor.ExecutorID); err != nil {
				return err
			}
		}
	}
	if to == domain.ColumnCompleted {
		if opts.Completion == nil {
			if e.strictSubflows() {
				return invalid("moving to %s requires a completion status", to)
			}
			return nil
		}
		return opts.Completion.validate()
	}
	return nil
}

// fullResetTx makes an un-archived card re-earn every sign-off.
func (e Engine) fullResetTx(ctx context.Context, tx *sql.Tx, actor auth.Actor, cardID string) error {
	card, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return err
	}
	if err := e.Repo.ResetCardAssignments(ctx, tx, cardID); err != nil {
		return goerr.Wrap(err, "reset assignments", goerr.V("card_id", cardID))
	}
	if err := e.Repo.ClearApprovals(ctx, tx, cardID); err != nil {
		return goerr.Wrap(err, "clear approvals", goerr.V("card_id", cardID))
	}
	card.Deadline = nil
	card.Approved = false
	card.DesignerCompleted = false
	card.DraftsmanCompleted = false
	card.UpdatedAt = e.ts()
	if err := e.Repo.UpdateCard(ctx, tx, card); err != nil {
		return err
	}
	return e.appendHistory(ctx, tx, actor, events.CardReset, "card", cardID, "card returned from archive, sign-offs reset", nil)
}

// stageResetTx clears submission marks so the destination stage starts clean.
// Approvals are kept.
func (e Engine) stageResetTx(ctx context.Context, tx *sql.Tx, cardID string, to domain.Column) error {
	if to.IsStage() {
		latest, err := e.Repo.LatestAssignment(ctx, tx, cardID, to)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := e.Repo.ResetAssignment(ctx, tx, latest.ID); err != nil {
				return err
			}
		}
	}
	return e.Repo.SetCardMarks(ctx, tx, cardID, false, false, e.ts())
}

func (e Engine) setContractStatusTx(ctx context.Context, tx *sql.Tx, actor auth.Actor, contractID string, status domain.ContractStatus, reason string) error {
	contract, err := e.Repo.GetContractTx(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if err := e.Repo.UpdateContractStatus(ctx, tx, contractID, status, reason, e.ts()); err != nil {
		return goerr.Wrap(err, "update contract status", goerr.V("contract_id", contractID), goerr.V("status", status))
	}
	payload := events.Payload{"from": contract.Status, "to": status}
	if reason != "" {
		payload["reason"] = reason
	}
	return e.appendHistory(ctx, tx, actor, events.ContractStatus, "contract", contractID,
		fmt.Sprintf("status %q -> %q", contract.Status, status), payload)
}

// complete applies a completion choice to a card in Completed project.
func (e Engine) complete(ctx context.Context, actor auth.Actor, cardID string, choice CompletionChoice, warnings *[]string) *domain.SupervisionCard {
	status := choice.Status.ContractStatus()
	card, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		e.step(ctx, warnings, "load card", cardID, func(*sql.Tx) error { return err })
		return nil
	}
	reason := ""
	if choice.Status == domain.CompletionTerminated {
		reason = strings.TrimSpace(choice.Reason)
	}
	e.step(ctx, warnings, "set contract status", cardID, func(tx *sql.Tx) error {
		return e.setContractStatusTx(ctx, tx, actor, card.ContractID, status, reason)
	})

	var supervision *domain.SupervisionCard
	if choice.Status == domain.CompletionSupervision {
		e.step(ctx, warnings, "open supervision card", cardID, func(tx *sql.Tx) error {
			s := domain.SupervisionCard{
				ID:         e.newID(),
				ContractID: card.ContractID,
				SourceCard: card.ID,
				Column:     domain.ColumnNewOrder.String(),
				CreatedAt:  e.ts(),
			}
			if err := e.Repo.InsertSupervisionCard(ctx, tx, s); err != nil {
				return err
			}
			supervision = &s
			return e.appendHistory(ctx, tx, actor, events.SupervisionOpened, "contract", card.ContractID,
				"author supervision opened", events.Payload{"supervision_card_id": s.ID, "card_id": card.ID})
		})
	}

	if status.ClosesPayroll() {
		e.step(ctx, warnings, "close payroll", cardID, func(tx *sql.Tx) error {
			contract, err := e.Repo.GetContractTx(ctx, tx, card.ContractID)
			if err != nil {
				return err
			}
			existing, err := e.contractPayments(ctx, tx, contract.ID)
			if err != nil {
				return err
			}
			surveyor := ""
			if card.SurveyorID != nil {
				surveyor = *card.SurveyorID
			}
			return e.applyPayments(ctx, tx, e.rules().OnProjectClosed(project(contract), status, surveyor, existing))
		})
	}
	return supervision
}

// CompletionResult reports a completion sub-flow run outside a move.
type CompletionResult struct {
	Contract    domain.Contract         `json:"contract"`
	Supervision *domain.SupervisionCard `json:"supervision,omitempty"`
	Warnings    []string                `json:"warnings,omitempty"`
}

// CompleteProject gives a terminal status to a card parked in Completed project
// without one.
func (e Engine) CompleteProject(ctx context.Context, actor auth.Actor, cardID string, choice CompletionChoice) (CompletionResult, error) {
	if err := actor.Validate(); err != nil {
		return CompletionResult{}, err
	}
	if err := choice.validate(); err != nil {
		return CompletionResult{}, err
	}
	card, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return CompletionResult{}, err
	}
	if card.Column != domain.ColumnCompleted {
		return CompletionResult{}, invalid("card is in %s, not %s", card.Column, domain.ColumnCompleted)
	}
	contract, err := e.Repo.GetContract(ctx, card.ContractID)
	if err != nil {
		return CompletionResult{}, err
	}
	if contract.IsArchived() {
		return CompletionResult{}, invalid("contract %s already has status %s", contract.Number, contract.Status)
	}
	var res CompletionResult
	res.Supervision = e.complete(ctx, actor, cardID, choice, &res.Warnings)
	res.Contract, err = e.Repo.GetContract(ctx, card.ContractID)
	if err != nil {
		return res, err
	}
	return res, nil
}
