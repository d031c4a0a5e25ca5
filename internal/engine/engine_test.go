package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studiocrm/internal/config"
	"studiocrm/internal/db"
	"studiocrm/internal/domain"
	"studiocrm/internal/engine"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/events"
	"studiocrm/internal/migrate"
	"studiocrm/internal/repo"
	"studiocrm/internal/storage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Head   auth.Actor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("studio-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.UpsertStudioConfig(ctx, nil, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	env := testEnv{Engine: eng, Ctx: ctx}
	env.Head = env.hire(t, "Head", domain.PositionStudioHead)
	return env
}

func (env testEnv) hire(t *testing.T, name string, position domain.Position) auth.Actor {
	t.Helper()
	emp, err := env.Engine.CreateEmployee(env.Ctx, auth.System(), engine.NewEmployee{FullName: name, Position: position})
	if err != nil {
		t.Fatalf("hire %s: %v", name, err)
	}
	return auth.FromEmployee(emp)
}

func (env testEnv) contract(t *testing.T, number string, pt domain.ProjectType, area float64) (domain.Contract, domain.Card) {
	t.Helper()
	contract, card, err := env.Engine.CreateContract(env.Ctx, env.Head, engine.NewContract{Number: number, ProjectType: pt, Area: area})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return contract, card
}

func (env testEnv) move(t *testing.T, actor auth.Actor, cardID string, to domain.Column, executor *auth.Actor, completion *engine.CompletionChoice) engine.MoveResult {
	t.Helper()
	opts := engine.MoveOptions{CardID: cardID, To: to, Completion: completion}
	if executor != nil {
		opts.Executor = &engine.ExecutorChoice{ExecutorID: executor.EmployeeID}
	}
	res, err := env.Engine.MoveCard(env.Ctx, actor, opts)
	if err != nil {
		t.Fatalf("move to %s: %v", to, err)
	}
	return res
}

func (env testEnv) payments(t *testing.T, contractID string, role domain.Role) []domain.PaymentRecord {
	t.Helper()
	rows, err := env.Engine.Repo.ListPayments(env.Ctx, repo.PaymentFilters{ContractID: contractID, Role: role})
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	return rows
}

func (env testEnv) contractStatus(t *testing.T, id string) domain.ContractStatus {
	t.Helper()
	c, err := env.Engine.Repo.GetContract(env.Ctx, id)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	return c.Status
}

func completion(status domain.CompletionStatus) *engine.CompletionChoice {
	return &engine.CompletionChoice{Status: status}
}

func TestIndividualDesignerAdvanceAndBalance(t *testing.T) {
	env := newTestEnv(t)
	designer := env.hire(t, "Dana", domain.PositionDesigner)
	manager := env.hire(t, "Mila", domain.PositionManager)
	contract, card := env.contract(t, "IND-1", domain.ProjectIndividual, 40)

	if _, err := env.Engine.AssignStage(env.Ctx, env.Head, engine.AssignStageOptions{
		CardID: card.ID, Stage: domain.ColumnDesignConcept, ExecutorID: designer.EmployeeID,
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	rows := env.payments(t, contract.ID, domain.RoleDesigner)
	if len(rows) != 2 {
		t.Fatalf("expected advance and balance rows, got %d", len(rows))
	}
	if rows[0].PaymentType != domain.PaymentAdvance || rows[0].FinalAmount != 5000 || rows[0].ReportMonth != "2024-03" {
		t.Fatalf("unexpected advance row: %+v", rows[0])
	}
	if rows[1].PaymentType != domain.PaymentBalance || rows[1].FinalAmount != 5000 || rows[1].ReportMonth != "" {
		t.Fatalf("unexpected balance row: %+v", rows[1])
	}

	ok, err := env.Engine.MarkSubmitted(env.Ctx, designer, card.ID, domain.ColumnDesignConcept, designer.EmployeeID)
	if err != nil || !ok {
		t.Fatalf("submit: %v %v", ok, err)
	}
	ok, err = env.Engine.AcceptStage(env.Ctx, manager, card.ID, domain.ColumnDesignConcept, designer.EmployeeID)
	if err != nil || !ok {
		t.Fatalf("accept: %v %v", ok, err)
	}
	rows = env.payments(t, contract.ID, domain.RoleDesigner)
	if rows[1].ReportMonth != "2024-03" {
		t.Fatalf("balance month not stamped: %+v", rows[1])
	}

	// accepting again is a no-op
	ok, err = env.Engine.AcceptStage(env.Ctx, manager, card.ID, domain.ColumnDesignConcept, designer.EmployeeID)
	if err != nil || ok {
		t.Fatalf("second accept should be a no-op: %v %v", ok, err)
	}
	acceptances, err := env.Engine.Repo.ListAcceptances(env.Ctx, card.ID)
	if err != nil || len(acceptances) != 1 {
		t.Fatalf("expected one acceptance, got %d (%v)", len(acceptances), err)
	}
	if acceptances[0].AcceptedByRole != domain.PositionManager {
		t.Fatalf("acceptance role %q", acceptances[0].AcceptedByRole)
	}
}

func TestTemplateDraftsmanPaidOnSecondAcceptedStage(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	contract, card := env.contract(t, "TPL-1", domain.ProjectTemplate, 60)

	for _, stage := range []domain.Column{domain.ColumnPlanning, domain.ColumnTemplateDrawings} {
		if _, err := env.Engine.AssignStage(env.Ctx, env.Head, engine.AssignStageOptions{
			CardID: card.ID, Stage: stage, ExecutorID: draftsman.EmployeeID,
		}); err != nil {
			t.Fatalf("assign %s: %v", stage, err)
		}
		if _, err := env.Engine.MarkSubmitted(env.Ctx, draftsman, card.ID, stage, draftsman.EmployeeID); err != nil {
			t.Fatalf("submit %s: %v", stage, err)
		}
		if _, err := env.Engine.AcceptStage(env.Ctx, env.Head, card.ID, stage, draftsman.EmployeeID); err != nil {
			t.Fatalf("accept %s: %v", stage, err)
		}
	}
	rows := env.payments(t, contract.ID, domain.RoleDraftsman)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Stage != domain.ColumnPlanning || rows[0].FinalAmount != 0 || rows[0].ReportMonth != "" {
		t.Fatalf("stage 1 row should be unpaid and unstamped: %+v", rows[0])
	}
	if rows[1].FinalAmount != 7500 || rows[1].ReportMonth != "2024-03" {
		t.Fatalf("stage 2 row should be stamped: %+v", rows[1])
	}
}

func TestReassignmentCarriesManualAmount(t *testing.T) {
	env := newTestEnv(t)
	first := env.hire(t, "Anna", domain.PositionDraftsman)
	second := env.hire(t, "Boris", domain.PositionDraftsman)
	contract, card := env.contract(t, "TPL-2", domain.ProjectTemplate, 60)

	assign := func(executor auth.Actor) {
		if _, err := env.Engine.AssignStage(env.Ctx, env.Head, engine.AssignStageOptions{
			CardID: card.ID, Stage: domain.ColumnTemplateDrawings, ExecutorID: executor.EmployeeID,
		}); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	assign(first)
	rows := env.payments(t, contract.ID, domain.RoleDraftsman)
	if _, err := env.Engine.SetManualAmount(env.Ctx, env.Head, rows[0].ID, 9000); err != nil {
		t.Fatalf("manual amount: %v", err)
	}
	assign(second)

	rows = env.payments(t, contract.ID, domain.RoleDraftsman)
	if len(rows) != 2 {
		t.Fatalf("expected old and new rows, got %d", len(rows))
	}
	old, cur := rows[0], rows[1]
	if !old.Reassigned || old.EmployeeID != first.EmployeeID {
		t.Fatalf("old row not flagged: %+v", old)
	}
	if cur.EmployeeID != second.EmployeeID || cur.ManualAmount == nil || *cur.ManualAmount != 9000 || cur.FinalAmount != 9000 {
		t.Fatalf("manual amount not carried: %+v", cur)
	}
	if cur.OldEmployeeID == nil || *cur.OldEmployeeID != first.EmployeeID {
		t.Fatalf("old employee not recorded: %+v", cur)
	}
	active, err := env.Engine.Repo.ListPayments(env.Ctx, repo.PaymentFilters{ContractID: contract.ID, ActiveOnly: true})
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active row, got %d (%v)", len(active), err)
	}

	// superseded rows are read-only
	if _, err := env.Engine.SetManualAmount(env.Ctx, env.Head, old.ID, 1); err == nil {
		t.Fatalf("expected reassigned row to be read-only")
	}
}

func TestExecutorChecklistRejection(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	_, card := env.contract(t, "IND-2", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)

	res := env.move(t, draftsman, card.ID, domain.ColumnDesignConcept, nil, nil)
	if res.Moved || res.Decision.Allowed {
		t.Fatalf("executor move should be rejected")
	}
	if got := res.Decision.ChecklistText(); got != "submitted: ✗, accepted: ✗" {
		t.Fatalf("checklist %q", got)
	}
	if got := res.Decision.Message(); got != engine.ReasonChecklist+": submitted: ✗, accepted: ✗" {
		t.Fatalf("message %q", got)
	}
	current, _ := env.Engine.Repo.GetCard(env.Ctx, card.ID)
	if current.Column != domain.ColumnPlanning {
		t.Fatalf("rejected move changed column to %s", current.Column)
	}
}

func TestCoordinatorNeedsApproval(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	designer := env.hire(t, "Dana", domain.PositionDesigner)
	manager := env.hire(t, "Mila", domain.PositionManager)
	_, card := env.contract(t, "IND-3", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)

	if _, err := env.Engine.MarkSubmitted(env.Ctx, draftsman, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.AcceptStage(env.Ctx, manager, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	res := env.move(t, manager, card.ID, domain.ColumnDesignConcept, &designer, nil)
	if res.Moved {
		t.Fatalf("move without approval should be rejected")
	}
	if got := res.Decision.ChecklistText(); got != "submitted: ✓, accepted: ✓, approved: ✗" {
		t.Fatalf("checklist %q", got)
	}
	if err := env.Engine.ApproveStage(env.Ctx, manager, card.ID, domain.ColumnPlanning); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res = env.move(t, manager, card.ID, domain.ColumnDesignConcept, &designer, nil)
	if !res.Moved || res.Card.Column != domain.ColumnDesignConcept {
		t.Fatalf("approved move should apply: %+v", res.Decision)
	}
	if res.Assignment == nil || res.Assignment.ExecutorID != designer.EmployeeID {
		t.Fatalf("designer not assigned: %+v", res.Assignment)
	}
	if res.Card.DesignerID == nil || *res.Card.DesignerID != designer.EmployeeID {
		t.Fatalf("designer slot not set")
	}
}

func TestLeadershipAutoAccepts(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	designer := env.hire(t, "Dana", domain.PositionDesigner)
	contract, card := env.contract(t, "IND-4", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)

	res := env.move(t, env.Head, card.ID, domain.ColumnDesignConcept, &designer, nil)
	if !res.Moved || len(res.AutoAccepted) != 1 {
		t.Fatalf("expected one auto-accepted row, got %d (moved=%v)", len(res.AutoAccepted), res.Moved)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	assignments, err := env.Engine.Repo.ListAssignments(env.Ctx, card.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range assignments {
		if a.Stage == domain.ColumnPlanning && !a.Completed {
			t.Fatalf("planning row not completed")
		}
	}
	acceptances, _ := env.Engine.Repo.ListAcceptances(env.Ctx, card.ID)
	if len(acceptances) != 1 || acceptances[0].AcceptedByRole != domain.PositionStudioHead {
		t.Fatalf("expected acceptance by studio head: %+v", acceptances)
	}
	for _, row := range env.payments(t, contract.ID, domain.RoleDraftsman) {
		if row.FinalAmount != 2000 || row.ReportMonth != "2024-03" {
			t.Fatalf("draftsman row not settled: %+v", row)
		}
	}
	if got := env.contractStatus(t, contract.ID); got != domain.ContractInProgress {
		t.Fatalf("status %q", got)
	}
}

func TestSubmittedWorkBlocksEveryTier(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	_, card := env.contract(t, "IND-5", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)
	if _, err := env.Engine.MarkSubmitted(env.Ctx, draftsman, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := env.move(t, env.Head, card.ID, domain.ColumnDesignConcept, nil, nil)
	if res.Moved || res.Decision.Reason != engine.ReasonNotAccepted {
		t.Fatalf("expected %q, got %+v", engine.ReasonNotAccepted, res.Decision)
	}
}

func TestNewOrderStraightToCompleted(t *testing.T) {
	env := newTestEnv(t)
	contract, card := env.contract(t, "IND-6", domain.ProjectIndividual, 40)

	res := env.move(t, env.Head, card.ID, domain.ColumnCompleted, nil, nil)
	if !res.Moved || len(res.Warnings) != 1 {
		t.Fatalf("expected moved with a limbo warning, got %v", res.Warnings)
	}
	if got := env.contractStatus(t, contract.ID); got != domain.ContractNew {
		t.Fatalf("status should stay new, got %q", got)
	}

	_, err := env.Engine.CompleteProject(env.Ctx, env.Head, card.ID, engine.CompletionChoice{Status: domain.CompletionTerminated})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("termination without reason should be rejected, got %v", err)
	}
	done, err := env.Engine.CompleteProject(env.Ctx, env.Head, card.ID, engine.CompletionChoice{Status: domain.CompletionTerminated, Reason: "client left"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Contract.Status != domain.ContractTerminated || done.Contract.TerminationReason != "client left" || !done.Contract.IsArchived() {
		t.Fatalf("unexpected contract: %+v", done.Contract)
	}
	if _, err := env.Engine.CompleteProject(env.Ctx, env.Head, card.ID, engine.CompletionChoice{Status: domain.CompletionDelivered}); err == nil {
		t.Fatalf("archived contract should not complete twice")
	}

	entries, err := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{EntityID: contract.ID, ActionType: events.ContractStatus})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Payload, string(domain.ContractInProgress)) {
			t.Fatalf("contract passed through in progress: %s", e.Payload)
		}
	}
}

func TestCloseCreatesSurveyorRowOnce(t *testing.T) {
	env := newTestEnv(t)
	surveyor := env.hire(t, "Sasha", domain.PositionSurveyor)
	senior := env.hire(t, "Vera", domain.PositionSeniorManager)
	contract, card := env.contract(t, "TPL-3", domain.ProjectTemplate, 60)

	if _, err := env.Engine.SetCardRole(env.Ctx, env.Head, card.ID, domain.RoleSurveyor, surveyor.EmployeeID); err != nil {
		t.Fatalf("set surveyor: %v", err)
	}
	if _, err := env.Engine.SetCardRole(env.Ctx, env.Head, card.ID, domain.RoleSeniorManager, senior.EmployeeID); err != nil {
		t.Fatalf("set senior manager: %v", err)
	}
	if rows := env.payments(t, contract.ID, domain.RoleSurveyor); len(rows) != 0 {
		t.Fatalf("template surveyor should not be paid before close")
	}

	res := env.move(t, env.Head, card.ID, domain.ColumnCompleted, nil, completion(domain.CompletionSupervision))
	if res.Supervision == nil {
		t.Fatalf("supervision card not opened: %v", res.Warnings)
	}
	all := env.payments(t, contract.ID, "")
	if len(all) != 2 {
		t.Fatalf("expected senior manager and surveyor rows, got %d", len(all))
	}
	for _, row := range all {
		if row.ReportMonth != "2024-03" {
			t.Fatalf("row not stamped at close: %+v", row)
		}
	}

	env.move(t, env.Head, card.ID, domain.ColumnWaiting, nil, nil)
	if got := env.contractStatus(t, contract.ID); got != domain.ContractInProgress {
		t.Fatalf("un-archived contract status %q", got)
	}
	env.move(t, env.Head, card.ID, domain.ColumnCompleted, nil, completion(domain.CompletionDelivered))
	if again := env.payments(t, contract.ID, ""); len(again) != 2 {
		t.Fatalf("second close created rows: %d", len(again))
	}
	if got := env.contractStatus(t, contract.ID); got != domain.ContractDelivered {
		t.Fatalf("status %q", got)
	}
	sup, _ := env.Engine.Repo.ListSupervisionCards(env.Ctx, contract.ID)
	if len(sup) != 1 {
		t.Fatalf("expected one supervision card, got %d", len(sup))
	}
}

func TestUnarchiveResetsSignoffs(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	manager := env.hire(t, "Mila", domain.PositionManager)
	contract, card := env.contract(t, "IND-7", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)
	if _, err := env.Engine.MarkSubmitted(env.Ctx, draftsman, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptStage(env.Ctx, manager, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ApproveStage(env.Ctx, manager, card.ID, domain.ColumnPlanning); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetApproved(env.Ctx, manager, card.ID, true); err != nil {
		t.Fatal(err)
	}
	env.move(t, env.Head, card.ID, domain.ColumnCompleted, nil, completion(domain.CompletionDelivered))

	res := env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)
	if !res.Moved || len(res.Warnings) != 0 {
		t.Fatalf("un-archive: moved=%v warnings=%v", res.Moved, res.Warnings)
	}
	if res.Card.Approved {
		t.Fatalf("approval flag not cleared")
	}
	approved, err := env.Engine.Repo.StageApproved(env.Ctx, nil, card.ID, domain.ColumnPlanning)
	if err != nil || approved {
		t.Fatalf("stage approval not cleared: %v %v", approved, err)
	}
	assignments, _ := env.Engine.Repo.ListAssignments(env.Ctx, card.ID)
	for _, a := range assignments {
		if a.Completed || a.SubmittedDate != nil {
			t.Fatalf("assignment not reset: %+v", a)
		}
	}
	if got := env.contractStatus(t, contract.ID); got != domain.ContractInProgress {
		t.Fatalf("status %q", got)
	}
}

func TestBoundaryMovesSkipChecklist(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	_, card := env.contract(t, "IND-10", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)

	for _, to := range []domain.Column{domain.ColumnWaiting, domain.ColumnNewOrder, domain.ColumnCompleted} {
		res := env.move(t, draftsman, card.ID, to, nil, nil)
		if !res.Moved || !res.Decision.Allowed || len(res.Decision.Checklist) != 0 {
			t.Fatalf("planning -> %s: moved=%v decision=%+v", to, res.Moved, res.Decision)
		}
		if res.Card.Column != to {
			t.Fatalf("card in %s, want %s", res.Card.Column, to)
		}
		if to == domain.ColumnCompleted {
			break
		}
		back := env.move(t, draftsman, card.ID, domain.ColumnPlanning, nil, nil)
		if !back.Moved {
			t.Fatalf("%s -> planning rejected: %+v", to, back.Decision)
		}
	}
}

func TestLeadershipBoundaryMoveAcceptsNothing(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	_, card := env.contract(t, "IND-11", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)

	res := env.move(t, env.Head, card.ID, domain.ColumnWaiting, nil, nil)
	if !res.Moved || len(res.AutoAccepted) != 0 {
		t.Fatalf("moved=%v auto-accepted=%d", res.Moved, len(res.AutoAccepted))
	}
	acceptances, _ := env.Engine.Repo.ListAcceptances(env.Ctx, card.ID)
	if len(acceptances) != 0 {
		t.Fatalf("unexpected acceptances: %+v", acceptances)
	}
}

func TestStageMoveKeepsApprovals(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	designer := env.hire(t, "Dana", domain.PositionDesigner)
	manager := env.hire(t, "Mila", domain.PositionManager)
	_, card := env.contract(t, "IND-12", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)

	signOff := func() {
		t.Helper()
		if _, err := env.Engine.MarkSubmitted(env.Ctx, draftsman, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := env.Engine.AcceptStage(env.Ctx, manager, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	signOff()
	if err := env.Engine.ApproveStage(env.Ctx, manager, card.ID, domain.ColumnPlanning); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res := env.move(t, manager, card.ID, domain.ColumnDesignConcept, &designer, nil); !res.Moved {
		t.Fatalf("approved move rejected: %+v", res.Decision)
	}
	if res := env.move(t, env.Head, card.ID, domain.ColumnPlanning, nil, nil); !res.Moved {
		t.Fatalf("move back rejected: %+v", res.Decision)
	}

	approved, err := env.Engine.Repo.StageApproved(env.Ctx, nil, card.ID, domain.ColumnPlanning)
	if err != nil || !approved {
		t.Fatalf("planning approval lost: %v %v", approved, err)
	}
	latest, err := env.Engine.Repo.LatestAssignment(env.Ctx, nil, card.ID, domain.ColumnPlanning)
	if err != nil {
		t.Fatal(err)
	}
	if latest.SubmittedDate != nil || latest.Completed {
		t.Fatalf("planning row not reset: %+v", latest)
	}

	res := env.move(t, manager, card.ID, domain.ColumnDesignConcept, &designer, nil)
	if res.Moved {
		t.Fatalf("move without a new sign-off should be rejected")
	}
	if got := res.Decision.ChecklistText(); got != "submitted: ✗, accepted: ✗, approved: ✓" {
		t.Fatalf("checklist %q", got)
	}
	signOff()
	if res := env.move(t, manager, card.ID, domain.ColumnDesignConcept, &designer, nil); !res.Moved {
		t.Fatalf("re-signed move rejected: %+v", res.Decision)
	}
}

func TestUnarchiveToNewOrderReopensAsNew(t *testing.T) {
	env := newTestEnv(t)
	contract, card := env.contract(t, "IND-13", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnCompleted, nil, completion(domain.CompletionDelivered))
	if got := env.contractStatus(t, contract.ID); got != domain.ContractDelivered {
		t.Fatalf("status %q", got)
	}

	res := env.move(t, env.Head, card.ID, domain.ColumnNewOrder, nil, nil)
	if !res.Moved || len(res.Warnings) != 0 {
		t.Fatalf("moved=%v warnings=%v", res.Moved, res.Warnings)
	}
	if got := env.contractStatus(t, contract.ID); got != domain.ContractNew {
		t.Fatalf("status %q, want new", got)
	}
}

func TestFailedStepBecomesWarning(t *testing.T) {
	env := newTestEnv(t)
	contract, card := env.contract(t, "IND-8", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnCompleted, nil, completion(domain.CompletionDelivered))

	if _, err := env.Engine.DB.Exec(`DROP TABLE stage_approvals`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	res := env.move(t, env.Head, card.ID, domain.ColumnWaiting, nil, nil)
	if !res.Moved || res.Card.Column != domain.ColumnWaiting {
		t.Fatalf("primary move should persist")
	}
	if len(res.Warnings) != 1 || !strings.HasPrefix(res.Warnings[0], "reset card failed") {
		t.Fatalf("expected reset warning, got %v", res.Warnings)
	}
	// later steps still ran
	if got := env.contractStatus(t, contract.ID); got != domain.ContractInProgress {
		t.Fatalf("status %q", got)
	}
}

func TestMissingExecutorChoice(t *testing.T) {
	env := newTestEnv(t)
	_, card := env.contract(t, "IND-9", domain.ProjectIndividual, 40)

	res := env.move(t, env.Head, card.ID, domain.ColumnPlanning, nil, nil)
	if !res.Moved || len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "no executor") {
		t.Fatalf("expected move with warning, got %v", res.Warnings)
	}

	env.Engine.Config.Workflow.StrictSubflows = true
	_, err := env.Engine.MoveCard(env.Ctx, env.Head, engine.MoveOptions{CardID: card.ID, To: domain.ColumnWaiting})
	if err != nil {
		t.Fatalf("waiting needs no sub-flow: %v", err)
	}
	_, err = env.Engine.MoveCard(env.Ctx, env.Head, engine.MoveOptions{CardID: card.ID, To: domain.ColumnDesignConcept})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("strict mode should reject missing executor, got %v", err)
	}
	_, err = env.Engine.MoveCard(env.Ctx, env.Head, engine.MoveOptions{CardID: card.ID, To: domain.ColumnCompleted})
	if !errors.As(err, &verr) {
		t.Fatalf("strict mode should reject missing completion, got %v", err)
	}
	current, _ := env.Engine.Repo.GetCard(env.Ctx, card.ID)
	if current.Column != domain.ColumnWaiting {
		t.Fatalf("rejected move persisted: %s", current.Column)
	}
}

func TestWrongExecutorPositionRejected(t *testing.T) {
	env := newTestEnv(t)
	designer := env.hire(t, "Dana", domain.PositionDesigner)
	_, card := env.contract(t, "IND-10", domain.ProjectIndividual, 40)

	_, err := env.Engine.MoveCard(env.Ctx, env.Head, engine.MoveOptions{
		CardID: card.ID, To: domain.ColumnPlanning, Executor: &engine.ExecutorChoice{ExecutorID: designer.EmployeeID},
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	current, _ := env.Engine.Repo.GetCard(env.Ctx, card.ID)
	if current.Column != domain.ColumnNewOrder {
		t.Fatalf("card moved despite bad executor")
	}
}

func TestPreviousExecutorSuggestion(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	_, card := env.contract(t, "IND-11", domain.ProjectIndividual, 40)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)

	got, err := env.Engine.PreviousExecutorForPosition(env.Ctx, card.ID, domain.PositionDraftsman)
	if err != nil || got != draftsman.EmployeeID {
		t.Fatalf("previous draftsman %q (%v)", got, err)
	}
	got, err = env.Engine.PreviousExecutorForPosition(env.Ctx, card.ID, domain.PositionDesigner)
	if err != nil || got != "" {
		t.Fatalf("expected no designer, got %q (%v)", got, err)
	}
}

func TestTierRestrictions(t *testing.T) {
	env := newTestEnv(t)
	draftsman := env.hire(t, "Roma", domain.PositionDraftsman)
	other := env.hire(t, "Oleg", domain.PositionDraftsman)
	manager := env.hire(t, "Mila", domain.PositionManager)
	contract, card := env.contract(t, "TPL-4", domain.ProjectTemplate, 60)
	env.move(t, env.Head, card.ID, domain.ColumnPlanning, &draftsman, nil)

	var forbidden auth.ForbiddenError
	if _, err := env.Engine.AcceptStage(env.Ctx, draftsman, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); !errors.As(err, &forbidden) {
		t.Fatalf("executor accept: %v", err)
	}
	if err := env.Engine.ApproveStage(env.Ctx, draftsman, card.ID, domain.ColumnPlanning); !errors.As(err, &forbidden) {
		t.Fatalf("executor approve: %v", err)
	}
	if _, err := env.Engine.MarkSubmitted(env.Ctx, other, card.ID, domain.ColumnPlanning, draftsman.EmployeeID); !errors.As(err, &forbidden) {
		t.Fatalf("submitting someone else's work: %v", err)
	}
	rows := env.payments(t, contract.ID, domain.RoleDraftsman)
	if _, err := env.Engine.SetManualAmount(env.Ctx, manager, rows[0].ID, 100); !errors.As(err, &forbidden) {
		t.Fatalf("manager manual amount: %v", err)
	}

	// no open row for this executor: nothing happens
	ok, err := env.Engine.MarkSubmitted(env.Ctx, other, card.ID, domain.ColumnPlanning, other.EmployeeID)
	if err != nil || ok {
		t.Fatalf("submit without assignment: %v %v", ok, err)
	}
}

func TestSetCardRoleAndMeasurement(t *testing.T) {
	env := newTestEnv(t)
	surveyor := env.hire(t, "Sasha", domain.PositionSurveyor)
	designer := env.hire(t, "Dana", domain.PositionDesigner)
	managerA := env.hire(t, "Mila", domain.PositionManager)
	managerB := env.hire(t, "Nina", domain.PositionManager)
	contract, card := env.contract(t, "IND-12", domain.ProjectIndividual, 40)

	var verr engine.ValidationError
	if _, err := env.Engine.SetCardRole(env.Ctx, env.Head, card.ID, domain.RoleManager, designer.EmployeeID); !errors.As(err, &verr) {
		t.Fatalf("wrong position should be rejected: %v", err)
	}
	if _, err := env.Engine.SetMeasurement(env.Ctx, env.Head, card.ID, "2024-02-10"); !errors.As(err, &verr) {
		t.Fatalf("measurement without surveyor: %v", err)
	}

	if _, err := env.Engine.SetCardRole(env.Ctx, env.Head, card.ID, domain.RoleManager, managerA.EmployeeID); err != nil {
		t.Fatal(err)
	}
	rows := env.payments(t, contract.ID, domain.RoleManager)
	if len(rows) != 1 || rows[0].FinalAmount != 1200 || rows[0].ReportMonth != "" {
		t.Fatalf("manager row: %+v", rows)
	}
	if _, err := env.Engine.SetCardRole(env.Ctx, env.Head, card.ID, domain.RoleManager, managerB.EmployeeID); err != nil {
		t.Fatal(err)
	}
	if rows = env.payments(t, contract.ID, domain.RoleManager); len(rows) != 2 || !rows[0].Reassigned {
		t.Fatalf("reassign: %+v", rows)
	}
	updated, err := env.Engine.SetCardRole(env.Ctx, env.Head, card.ID, domain.RoleManager, "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.ManagerID != nil {
		t.Fatalf("slot not cleared")
	}
	if rows = env.payments(t, contract.ID, domain.RoleManager); len(rows) != 1 || !rows[0].Reassigned {
		t.Fatalf("clear should drop only the active row: %+v", rows)
	}

	if _, err := env.Engine.SetCardRole(env.Ctx, env.Head, card.ID, domain.RoleSurveyor, surveyor.EmployeeID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetMeasurement(env.Ctx, env.Head, card.ID, "2024-02-10"); err != nil {
		t.Fatal(err)
	}
	rows = env.payments(t, contract.ID, domain.RoleSurveyor)
	if len(rows) != 1 || rows[0].FinalAmount != 3000 || rows[0].ReportMonth != "2024-02" {
		t.Fatalf("surveyor row: %+v", rows)
	}
}

func TestStageFiles(t *testing.T) {
	env := newTestEnv(t)
	_, card := env.contract(t, "IND-13", domain.ProjectIndividual, 40)
	store, err := storage.NewLocal(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "plan.pdf")
	if err := os.WriteFile(src, []byte("plan"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.UploadStageFile(env.Ctx, env.Head, store, card.ID, domain.ColumnWaiting, src); err == nil {
		t.Fatalf("waiting is not a stage")
	}
	f, err := env.Engine.UploadStageFile(env.Ctx, env.Head, store, card.ID, domain.ColumnPlanning, src)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if f.RemotePath != "contracts/IND-13/Stage 1: planning solutions/plan.pdf" || f.PublicLink == "" {
		t.Fatalf("unexpected file: %+v", f)
	}
	files, _ := env.Engine.Repo.ListStageFiles(env.Ctx, card.ID, domain.ColumnPlanning)
	if len(files) != 1 {
		t.Fatalf("expected one file, got %d", len(files))
	}

	warnings, err := env.Engine.RemoveStageFile(env.Ctx, env.Head, store, f.ID)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("remove: %v %v", warnings, err)
	}
	if ok, _ := store.Exists(env.Ctx, f.RemotePath); ok {
		t.Fatalf("blob still stored")
	}
	if _, err := env.Engine.RemoveStageFile(env.Ctx, env.Head, store, f.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}
