package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"studiocrm/internal/domain"
	"studiocrm/internal/engine"
	"studiocrm/internal/repo"
)

func employeeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "employee", Short: "Manage employees"}
	cmd.AddCommand(employeeAddCmd())
	cmd.AddCommand(employeeListCmd())
	return cmd
}

func employeeAddCmd() *cobra.Command {
	var name, position, login, password string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Hire an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := domain.ParsePosition(position)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				emp, err := s.Engine.CreateEmployee(ctx, s.Actor, engine.NewEmployee{
					FullName: name, Position: pos, Login: login, Password: password,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(emp, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Name", "Position", "Tier"})
					t.AppendRow(table.Row{emp.ID, emp.FullName, emp.Position, emp.Position.Tier()})
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&position, "position", "", "position, e.g. Designer")
	cmd.Flags().StringVar(&login, "login", "", "login for the HTTP API")
	cmd.Flags().StringVar(&password, "password", "", "password for the HTTP API")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func employeeListCmd() *cobra.Command {
	var position string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEmployees(ctx, domain.Position(position), activeOnly)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Name", "Position", "Login", "Active"})
					for _, e := range items {
						t.AppendRow(table.Row{e.ID, e.FullName, e.Position, e.Login, e.Active})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&position, "position", "", "position filter")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active employees")
	return cmd
}

func contractCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "contract", Short: "Manage contracts"}
	cmd.AddCommand(contractCreateCmd())
	cmd.AddCommand(contractListCmd())
	return cmd
}

func contractCreateCmd() *cobra.Command {
	var opts engine.NewContract
	var projectType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a contract and open its card",
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := domain.ParseProjectType(projectType)
			if err != nil {
				return err
			}
			opts.ProjectType = pt
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				contract, card, err := s.Engine.CreateContract(ctx, s.Actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"contract": contract, "card": card}, func(t table.Writer) {
					t.AppendHeader(table.Row{"Contract", "Number", "Type", "Area", "Card", "Column"})
					t.AppendRow(table.Row{contract.ID, contract.Number, contract.ProjectType, contract.Area, card.ID, card.Column})
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Number, "number", "", "contract number")
	cmd.Flags().StringVar(&opts.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&opts.Address, "address", "", "object address")
	cmd.Flags().StringVar(&projectType, "type", "", "Individual or Template")
	cmd.Flags().Float64Var(&opts.Area, "area", 0, "area in m²")
	cmd.Flags().Float64Var(&opts.TotalAmount, "total", 0, "contract total")
	cmd.Flags().Float64Var(&opts.AdvanceAmount, "advance", 0, "advance amount")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func contractListCmd() *cobra.Command {
	var projectType string
	var archived, active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.ContractFilters{ProjectType: domain.ProjectType(projectType)}
			if archived || active {
				f.Archived = &archived
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListContracts(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Number", "Client", "Type", "Status", "Area", "Total"})
					for _, c := range items {
						t.AppendRow(table.Row{c.ID, c.Number, c.ClientName, c.ProjectType, c.Status, c.Area, c.TotalAmount})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectType, "type", "", "project type filter")
	cmd.Flags().BoolVar(&archived, "archived", false, "only archived contracts")
	cmd.Flags().BoolVar(&active, "active", false, "only contracts on the board")
	cmd.MarkFlagsMutuallyExclusive("archived", "active")
	return cmd
}

func cardCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "card", Short: "Work with board cards"}
	cmd.AddCommand(cardListCmd())
	cmd.AddCommand(cardShowCmd())
	cmd.AddCommand(cardMoveCmd())
	cmd.AddCommand(cardCompleteCmd())
	cmd.AddCommand(cardRoleCmd())
	cmd.AddCommand(cardMeasureCmd())
	cmd.AddCommand(cardDeadlineCmd())
	cmd.AddCommand(cardTagsCmd())
	return cmd
}

func cardListCmd() *cobra.Command {
	var f repo.CardFilters
	var projectType, column string
	var archived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards on the board or in the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectType = domain.ProjectType(projectType)
			f.Column = domain.Column(column)
			f.Archived = &archived
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCards(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Type", "Column", "Deadline", "Tags", "Approved"})
					for _, c := range items {
						t.AppendRow(table.Row{c.ID, c.ProjectType, c.Column, deref(c.Deadline), c.Tags, c.Approved})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectType, "type", "", "project type filter")
	cmd.Flags().StringVar(&column, "column", "", "column filter")
	cmd.Flags().StringVar(&f.EmployeeID, "employee", "", "cards where the employee holds a slot")
	cmd.Flags().BoolVar(&archived, "archived", false, "list the archive instead of the board")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <card-id>",
		Short: "Show a card with its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				card, err := r.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				contract, err := r.GetContract(ctx, card.ContractID)
				if err != nil {
					return err
				}
				assignments, err := r.ListAssignments(ctx, card.ID)
				if err != nil {
					return err
				}
				payments, err := r.ListPayments(ctx, repo.PaymentFilters{ContractID: contract.ID})
				if err != nil {
					return err
				}
				out := map[string]any{"card": card, "contract": contract, "assignments": assignments, "payments": payments}
				return printJSONOrTable(out, func(t table.Writer) {
					t.SetTitle(fmt.Sprintf("%s  %s  [%s]", contract.Number, card.Column, contract.Status))
					t.AppendHeader(table.Row{"Stage", "Executor", "Assigned", "Deadline", "State"})
					for _, a := range assignments {
						t.AppendRow(table.Row{a.Stage, a.ExecutorID, a.AssignedDate, deref(a.Deadline), a.State()})
					}
					t.AppendSeparator()
					for _, role := range domain.AllRoles() {
						if id := card.Slot(role); id != nil {
							t.AppendRow(table.Row{role, *id, "", "", "slot"})
						}
					}
				})
			})
		},
	}
}

func cardMoveCmd() *cobra.Command {
	var to, executor, deadline, status, reason string
	cmd := &cobra.Command{
		Use:   "move <card-id>",
		Short: "Move a card to another column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				card, err := s.Engine.Repo.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				col, err := domain.ParseColumn(card.ProjectType, to)
				if err != nil {
					return err
				}
				opts := engine.MoveOptions{CardID: card.ID, To: col}
				if executor != "" {
					opts.Executor = &engine.ExecutorChoice{ExecutorID: executor, Deadline: optionalString(deadline)}
				}
				if status != "" {
					cs, err := domain.ParseCompletionStatus(status)
					if err != nil {
						return err
					}
					opts.Completion = &engine.CompletionChoice{Status: cs, Reason: reason}
				}
				res, err := s.Engine.MoveCard(ctx, s.Actor, opts)
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				if err := printJSONOrTable(res, func(t table.Writer) {
					t.AppendHeader(table.Row{"Card", "Column", "Moved"})
					t.AppendRow(table.Row{res.Card.ID, res.Card.Column, res.Moved})
				}); err != nil {
					return err
				}
				if !res.Moved && !res.Decision.Allowed {
					return errors.New(res.Decision.Message())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target column")
	cmd.Flags().StringVar(&executor, "executor", "", "executor for the target stage")
	cmd.Flags().StringVar(&deadline, "deadline", "", "executor deadline (YYYY-MM-DD)")
	cmd.Flags().StringVar(&status, "status", "", "completion status when moving to Completed project")
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cardCompleteCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "complete <card-id>",
		Short: "Give a terminal status to a card in Completed project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := domain.ParseCompletionStatus(status)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				res, err := s.Engine.CompleteProject(ctx, s.Actor, args[0], engine.CompletionChoice{Status: cs, Reason: reason})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSONOrTable(res, func(t table.Writer) {
					t.AppendHeader(table.Row{"Contract", "Status", "Reason"})
					t.AppendRow(table.Row{res.Contract.Number, res.Contract.Status, res.Contract.TerminationReason})
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Delivered, Supervision or Terminated")
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func cardRoleCmd() *cobra.Command {
	var role, employee string
	cmd := &cobra.Command{
		Use:   "role <card-id>",
		Short: "Set, change or clear (empty --employee) a card role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				card, err := s.Engine.SetCardRole(ctx, s.Actor, args[0], r, employee)
				if err != nil {
					return err
				}
				return printCard(card)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role, e.g. Surveyor")
	cmd.Flags().StringVar(&employee, "employee", "", "employee id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func cardMeasureCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "measure <card-id>",
		Short: "Record the site measurement date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				card, err := s.Engine.SetMeasurement(ctx, s.Actor, args[0], date)
				if err != nil {
					return err
				}
				return printCard(card)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "measurement date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func cardDeadlineCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "deadline <card-id>",
		Short: "Set the card deadline; empty --date clears it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				card, err := s.Engine.SetDeadline(ctx, s.Actor, args[0], optionalString(date))
				if err != nil {
					return err
				}
				return printCard(card)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "deadline (YYYY-MM-DD)")
	return cmd
}

func cardTagsCmd() *cobra.Command {
	var approved string
	cmd := &cobra.Command{
		Use:   "tags <card-id> [tags]",
		Short: "Replace card tags or toggle the approval flag",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				var card domain.Card
				var err error
				if len(args) == 2 {
					if card, err = s.Engine.SetTags(ctx, s.Actor, args[0], args[1]); err != nil {
						return err
					}
				}
				if approved != "" {
					if card, err = s.Engine.SetApproved(ctx, s.Actor, args[0], approved == "true"); err != nil {
						return err
					}
				}
				if card.ID == "" {
					return errors.New("nothing to change: pass tags or --approved")
				}
				return printCard(card)
			})
		},
	}
	cmd.Flags().StringVar(&approved, "approved", "", "set the approval flag (true or false)")
	return cmd
}

func printCard(card domain.Card) error {
	return printJSONOrTable(card, func(t table.Writer) {
		t.AppendHeader(table.Row{"Field", "Value"})
		t.AppendRow(table.Row{"ID", card.ID})
		t.AppendRow(table.Row{"Column", card.Column})
		t.AppendRow(table.Row{"Deadline", deref(card.Deadline)})
		t.AppendRow(table.Row{"Measurement", deref(card.MeasurementDate)})
		t.AppendRow(table.Row{"Tags", card.Tags})
		t.AppendRow(table.Row{"Approved", card.Approved})
		for _, role := range domain.AllRoles() {
			t.AppendRow(table.Row{role, deref(card.Slot(role))})
		}
	})
}

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stage", Short: "Stage executor tracking"}
	cmd.AddCommand(stageAssignCmd())
	cmd.AddCommand(stageActionCmd("submit", "Mark stage work as submitted"))
	cmd.AddCommand(stageActionCmd("accept", "Accept submitted stage work"))
	cmd.AddCommand(stageActionCmd("approve", "Approve a stage"))
	cmd.AddCommand(stageSuggestCmd())
	return cmd
}

func stageAssignCmd() *cobra.Command {
	var stage, executor, deadline string
	cmd := &cobra.Command{
		Use:   "assign <card-id>",
		Short: "Assign an executor to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				a, err := s.Engine.AssignStage(ctx, s.Actor, engine.AssignStageOptions{
					CardID:     args[0],
					Stage:      domain.Column(stage),
					ExecutorID: executor,
					Deadline:   optionalString(deadline),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Stage", "Executor", "Deadline"})
					t.AppendRow(table.Row{a.ID, a.Stage, a.ExecutorID, deref(a.Deadline)})
				})
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage column")
	cmd.Flags().StringVar(&executor, "executor", "", "executor employee id")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("executor")
	return cmd
}

func stageActionCmd(action, short string) *cobra.Command {
	var stage, executor string
	cmd := &cobra.Command{
		Use:   action + " <card-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				col := domain.Column(stage)
				var changed bool
				var err error
				switch action {
				case "submit":
					if executor == "" {
						executor = s.Actor.EmployeeID
					}
					changed, err = s.Engine.MarkSubmitted(ctx, s.Actor, args[0], col, executor)
				case "accept":
					if executor == "" {
						return errors.New("--executor required")
					}
					changed, err = s.Engine.AcceptStage(ctx, s.Actor, args[0], col, executor)
				case "approve":
					err = s.Engine.ApproveStage(ctx, s.Actor, args[0], col)
					changed = err == nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"stage": col, "changed": changed}, func(t table.Writer) {
					t.AppendHeader(table.Row{"Stage", "Action", "Changed"})
					t.AppendRow(table.Row{col, action, changed})
				})
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage column")
	if action != "approve" {
		cmd.Flags().StringVar(&executor, "executor", "", "executor employee id")
	}
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func stageSuggestCmd() *cobra.Command {
	var position string
	cmd := &cobra.Command{
		Use:   "suggest <card-id>",
		Short: "Suggest the executor who last held a position on the card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := domain.ParsePosition(position)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.PreviousExecutorForPosition(ctx, args[0], pos)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"employee_id": id}, func(t table.Writer) {
					t.AppendHeader(table.Row{"Position", "Previous executor"})
					t.AppendRow(table.Row{pos, id})
				})
			})
		},
	}
	cmd.Flags().StringVar(&position, "position", "", "executor position")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func paymentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "payment", Short: "Payroll rows"}
	cmd.AddCommand(paymentListCmd())
	cmd.AddCommand(paymentManualCmd())
	return cmd
}

func paymentListCmd() *cobra.Command {
	var f repo.PaymentFilters
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payment rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Role = domain.Role(role)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPayments(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Employee", "Role", "Stage", "Type", "Final", "Month", "Flags"})
					var total float64
					for _, p := range items {
						var flags []string
						if p.IsManual {
							flags = append(flags, "manual")
						}
						if p.Reassigned {
							flags = append(flags, "reassigned")
						} else {
							total += p.FinalAmount
						}
						t.AppendRow(table.Row{p.ID, p.EmployeeID, p.Role, p.Stage, p.PaymentType, p.FinalAmount, p.ReportMonth, strings.Join(flags, ",")})
					}
					t.AppendFooter(table.Row{"", "", "", "", "Total", total, "", ""})
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.ContractID, "contract", "", "contract id")
	cmd.Flags().StringVar(&f.EmployeeID, "employee", "", "employee id")
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&f.ReportMonth, "month", "", "report month (YYYY-MM)")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "hide rows superseded by reassignment")
	return cmd
}

func paymentManualCmd() *cobra.Command {
	var amount float64
	cmd := &cobra.Command{
		Use:   "manual <payment-id>",
		Short: "Override a payment amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				p, err := s.Engine.SetManualAmount(ctx, s.Actor, args[0], amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(p, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Calculated", "Manual", "Final"})
					t.AppendRow(table.Row{p.ID, p.CalculatedAmount, amount, p.FinalAmount})
				})
			})
		},
	}
	cmd.Flags().Float64Var(&amount, "amount", 0, "manual amount")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
