package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"studiocrm/internal/config"
	"studiocrm/internal/domain"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/events"
	"studiocrm/internal/payroll"
	"studiocrm/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

// ValidationError reports input the workflow refuses before persisting anything.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

const dateLayout = "2006-01-02"

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) rules() payroll.Rules {
	var tariffs payroll.Tariffs
	if e.Config != nil {
		tariffs = e.Config
	}
	return payroll.Rules{Tariffs: tariffs, Now: e.now, NewID: e.newID}
}

func (e Engine) strictSubflows() bool {
	return e.Config != nil && e.Config.Workflow.StrictSubflows
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) appendHistory(ctx context.Context, tx *sql.Tx, actor auth.Actor, action, entityType, entityID, description string, payload events.Payload) error {
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, action, entityType, entityID, actor.EmployeeID, description, payload); err != nil {
		return goerr.Wrap(err, "append history", goerr.V("action", action), goerr.V("entity_id", entityID))
	}
	return nil
}

// logError writes err with the values goerr collected along the way.
func (e Engine) logError(msg string, err error, fields ...zap.Field) {
	var ge *goerr.Error
	if errors.As(err, &ge) {
		fields = append(fields, zap.Any("values", ge.Values()))
	}
	e.logger().Error(msg, append(fields, zap.Error(err))...)
}

// step runs one auxiliary mutation in its own transaction. A failure is logged
// and reported as a warning; earlier steps stay applied.
func (e Engine) step(ctx context.Context, warnings *[]string, name, cardID string, fn func(tx *sql.Tx) error) bool {
	err := e.inTx(ctx, fn)
	if err == nil {
		return true
	}
	wrapped := goerr.Wrap(err, "workflow step failed", goerr.V("step", name), goerr.V("card_id", cardID))
	e.logError("workflow step failed", wrapped, zap.String("step", name), zap.String("card_id", cardID))
	*warnings = append(*warnings, fmt.Sprintf("%s failed: %v", name, err))
	return false
}

func project(c domain.Contract) payroll.Project {
	return payroll.Project{ContractID: c.ID, Type: c.ProjectType, Area: c.Area}
}

// applyPayments persists payroll mutations inside tx.
func (e Engine) applyPayments(ctx context.Context, tx *sql.Tx, muts []payroll.Mutation) error {
	for _, m := range muts {
		var err error
		switch m.Op {
		case payroll.OpInsert:
			err = e.Repo.InsertPayment(ctx, tx, m.Record)
		case payroll.OpUpdate:
			err = e.Repo.UpdatePayment(ctx, tx, m.Record)
		case payroll.OpDelete:
			err = e.Repo.DeletePayment(ctx, tx, m.Record.ID)
		default:
			err = fmt.Errorf("unknown payment op %s", m.Op)
		}
		if err != nil {
			return goerr.Wrap(err, "persist payment", goerr.V("op", m.Op), goerr.V("payment_id", m.Record.ID))
		}
		if m.TariffMissing {
			e.logger().Warn("no tariff configured, payment recorded with zero amount",
				zap.String("contract_id", m.Record.ContractID),
				zap.String("role", string(m.Record.Role)),
				zap.String("stage", string(m.Record.Stage)))
		}
	}
	return nil
}

func (e Engine) contractPayments(ctx context.Context, tx *sql.Tx, contractID string) ([]domain.PaymentRecord, error) {
	return e.Repo.ListPaymentsTx(ctx, tx, repo.PaymentFilters{ContractID: contractID})
}

func validDate(s string) error {
	if _, err := time.Parse(dateLayout, s); err != nil {
		return invalid("date %q must be YYYY-MM-DD", s)
	}
	return nil
}

// NewEmployee are parameters for hiring an employee.
type NewEmployee struct {
	FullName string
	Position domain.Position
	Login    string
	Password string
}

func (e Engine) CreateEmployee(ctx context.Context, actor auth.Actor, opts NewEmployee) (domain.Employee, error) {
	if err := actor.Require("create employee", domain.TierA); err != nil {
		return domain.Employee{}, err
	}
	if strings.TrimSpace(opts.FullName) == "" {
		return domain.Employee{}, invalid("full name is required")
	}
	if !opts.Position.IsValid() {
		return domain.Employee{}, invalid("invalid position %q", opts.Position)
	}
	emp := domain.Employee{
		ID:        e.newID(),
		FullName:  strings.TrimSpace(opts.FullName),
		Position:  opts.Position,
		Login:     strings.TrimSpace(opts.Login),
		Active:    true,
		CreatedAt: e.ts(),
	}
	if opts.Password != "" {
		if emp.Login == "" {
			return domain.Employee{}, invalid("login is required with a password")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return domain.Employee{}, goerr.Wrap(err, "hash password")
		}
		emp.PasswordHash = string(hash)
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertEmployee(ctx, tx, emp); err != nil {
			return goerr.Wrap(err, "insert employee", goerr.V("login", emp.Login))
		}
		return e.appendHistory(ctx, tx, actor, events.EmployeeCreated, "employee", emp.ID,
			fmt.Sprintf("%s hired as %s", emp.FullName, emp.Position), events.Payload{"position": emp.Position})
	})
	return emp, err
}

// NewContract are parameters for registering a contract and its card.
type NewContract struct {
	Number        string
	ClientName    string
	Address       string
	ProjectType   domain.ProjectType
	Area          float64
	TotalAmount   float64
	AdvanceAmount float64
}

// CreateContract stores the contract and opens its card in New order.
func (e Engine) CreateContract(ctx context.Context, actor auth.Actor, opts NewContract) (domain.Contract, domain.Card, error) {
	if err := actor.Validate(); err != nil {
		return domain.Contract{}, domain.Card{}, err
	}
	if strings.TrimSpace(opts.Number) == "" {
		return domain.Contract{}, domain.Card{}, invalid("contract number is required")
	}
	if !opts.ProjectType.IsValid() {
		return domain.Contract{}, domain.Card{}, invalid("invalid project type %q", opts.ProjectType)
	}
	if opts.Area < 0 || opts.TotalAmount < 0 || opts.AdvanceAmount < 0 {
		return domain.Contract{}, domain.Card{}, invalid("area and amounts must not be negative")
	}
	now := e.ts()
	contract := domain.Contract{
		ID:            e.newID(),
		Number:        strings.TrimSpace(opts.Number),
		ClientName:    opts.ClientName,
		Address:       opts.Address,
		ProjectType:   opts.ProjectType,
		Status:        domain.ContractNew,
		Area:          opts.Area,
		TotalAmount:   opts.TotalAmount,
		AdvanceAmount: opts.AdvanceAmount,
		CreatedAt:     now,
	}
	card := domain.Card{
		ID:          e.newID(),
		ContractID:  contract.ID,
		Column:      domain.ColumnNewOrder,
		ProjectType: opts.ProjectType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertContract(ctx, tx, contract); err != nil {
			return goerr.Wrap(err, "insert contract", goerr.V("number", contract.Number))
		}
		if err := e.Repo.InsertCard(ctx, tx, card); err != nil {
			return goerr.Wrap(err, "insert card", goerr.V("contract_id", contract.ID))
		}
		return e.appendHistory(ctx, tx, actor, events.ContractCreated, "contract", contract.ID,
			fmt.Sprintf("contract %s created (%s)", contract.Number, contract.ProjectType),
			events.Payload{"card_id": card.ID, "project_type": contract.ProjectType, "area": contract.Area})
	})
	if err != nil {
		return domain.Contract{}, domain.Card{}, err
	}
	return contract, card, nil
}

// SetDeadline sets or clears (nil) the card deadline.
func (e Engine) SetDeadline(ctx context.Context, actor auth.Actor, cardID string, deadline *string) (domain.Card, error) {
	if err := actor.Validate(); err != nil {
		return domain.Card{}, err
	}
	if deadline != nil && *deadline == "" {
		deadline = nil
	}
	if deadline != nil {
		if err := validDate(*deadline); err != nil {
			return domain.Card{}, err
		}
	}
	return e.updateCard(ctx, actor, cardID, events.CardDeadline, func(c *domain.Card) (string, events.Payload) {
		c.Deadline = deadline
		if deadline == nil {
			return "deadline cleared", events.Payload{"deadline": nil}
		}
		return "deadline set to " + *deadline, events.Payload{"deadline": *deadline}
	})
}

func (e Engine) SetTags(ctx context.Context, actor auth.Actor, cardID, tags string) (domain.Card, error) {
	if err := actor.Validate(); err != nil {
		return domain.Card{}, err
	}
	tags = strings.TrimSpace(tags)
	return e.updateCard(ctx, actor, cardID, events.CardTags, func(c *domain.Card) (string, events.Payload) {
		c.Tags = tags
		return "tags changed", events.Payload{"tags": tags}
	})
}

// SetApproved sets the card-level approval flag.
func (e Engine) SetApproved(ctx context.Context, actor auth.Actor, cardID string, approved bool) (domain.Card, error) {
	if err := actor.Require("approve card", domain.TierA, domain.TierB); err != nil {
		return domain.Card{}, err
	}
	return e.updateCard(ctx, actor, cardID, events.CardApproved, func(c *domain.Card) (string, events.Payload) {
		c.Approved = approved
		return fmt.Sprintf("approved set to %t", approved), events.Payload{"approved": approved}
	})
}

func (e Engine) updateCard(ctx context.Context, actor auth.Actor, cardID, action string, mutate func(c *domain.Card) (string, events.Payload)) (domain.Card, error) {
	var card domain.Card
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		card, err = e.Repo.GetCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		desc, payload := mutate(&card)
		card.UpdatedAt = e.ts()
		if err := e.Repo.UpdateCard(ctx, tx, card); err != nil {
			return goerr.Wrap(err, "update card", goerr.V("card_id", cardID))
		}
		return e.appendHistory(ctx, tx, actor, action, "card", card.ID, desc, payload)
	})
	return card, err
}

// SetManualAmount overrides a payment's final amount.
func (e Engine) SetManualAmount(ctx context.Context, actor auth.Actor, paymentID string, amount float64) (domain.PaymentRecord, error) {
	if err := actor.Require("set manual amount", domain.TierA); err != nil {
		return domain.PaymentRecord{}, err
	}
	if amount < 0 {
		return domain.PaymentRecord{}, invalid("amount must not be negative")
	}
	var updated domain.PaymentRecord
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		row, err := e.Repo.GetPaymentTx(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if row.Reassigned {
			return invalid("payment %s was reassigned and is read-only", paymentID)
		}
		m := e.rules().OnManualAmount(row, amount)
		if err := e.applyPayments(ctx, tx, []payroll.Mutation{m}); err != nil {
			return err
		}
		updated = m.Record
		return e.appendHistory(ctx, tx, actor, events.PaymentManual, "payment", row.ID,
			fmt.Sprintf("manual amount %.2f (was %.2f)", amount, row.FinalAmount),
			events.Payload{"contract_id": row.ContractID, "employee_id": row.EmployeeID, "amount": amount, "previous": row.FinalAmount})
	})
	return updated, err
}
