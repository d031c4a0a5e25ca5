package server

import (
	"studiocrm/internal/domain"
	"studiocrm/internal/engine"
)

// Request payloads

type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type CreateEmployeeRequest struct {
	FullName string          `json:"full_name"`
	Position domain.Position `json:"position"`
	Login    string          `json:"login,omitempty"`
	Password string          `json:"password,omitempty"`
}

type CreateContractRequest struct {
	Number        string             `json:"number"`
	ClientName    string             `json:"client_name,omitempty"`
	Address       string             `json:"address,omitempty"`
	ProjectType   domain.ProjectType `json:"project_type" enum:"Individual,Template"`
	Area          float64            `json:"area,omitempty"`
	TotalAmount   float64            `json:"total_amount,omitempty"`
	AdvanceAmount float64            `json:"advance_amount,omitempty"`
}

type CompletionRequest struct {
	Status domain.CompletionStatus `json:"status" enum:"Delivered,Supervision,Terminated"`
	Reason string                  `json:"reason,omitempty"`
}

type MoveCardRequest struct {
	To string `json:"to"`
	// ExecutorID answers executor selection; leave empty to skip it.
	ExecutorID string             `json:"executor_id,omitempty"`
	Deadline   string             `json:"deadline,omitempty" format:"date"`
	Completion *CompletionRequest `json:"completion,omitempty"`
}

type SetRoleRequest struct {
	Role domain.Role `json:"role"`
	// EmployeeID empty clears the slot.
	EmployeeID string `json:"employee_id,omitempty"`
}

type MeasurementRequest struct {
	Date string `json:"date" format:"date"`
}

type DeadlineRequest struct {
	Deadline string `json:"deadline,omitempty" format:"date"`
}

type TagsRequest struct {
	Tags string `json:"tags"`
}

type ApprovedRequest struct {
	Approved bool `json:"approved"`
}

type AssignStageRequest struct {
	Stage      string `json:"stage"`
	ExecutorID string `json:"executor_id"`
	Deadline   string `json:"deadline,omitempty" format:"date"`
}

type StageActionRequest struct {
	Stage      string `json:"stage"`
	ExecutorID string `json:"executor_id,omitempty"`
}

type ManualAmountRequest struct {
	Amount float64 `json:"amount" minimum:"0"`
}

// Responses

type LoginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt string          `json:"expires_at" format:"date-time"`
	Employee  domain.Employee `json:"employee"`
}

type MeResponse struct {
	Employee domain.Employee `json:"employee"`
	Tier     domain.Tier     `json:"tier"`
}

type ContractResponse struct {
	Contract domain.Contract `json:"contract"`
	Card     domain.Card     `json:"card"`
	Archived bool            `json:"archived"`
}

type CardDetail struct {
	Card        domain.Card              `json:"card"`
	Contract    domain.Contract          `json:"contract"`
	Archived    bool                     `json:"archived"`
	Columns     []domain.Column          `json:"columns"`
	Assignments []domain.StageAssignment `json:"assignments"`
	Acceptances []domain.StageAcceptance `json:"acceptances"`
	Approvals   []domain.StageApproval   `json:"approvals"`
	Files       []domain.StageFile       `json:"files"`
}

type MoveResponse struct {
	engine.MoveResult
	Message       string `json:"message,omitempty"`
	ChecklistText string `json:"checklist_text,omitempty"`
}

func moveResponse(res engine.MoveResult) MoveResponse {
	return MoveResponse{
		MoveResult:    res,
		Message:       res.Decision.Message(),
		ChecklistText: res.Decision.ChecklistText(),
	}
}

type SubmitResponse struct {
	Changed bool `json:"changed"`
}

type PreviousExecutorResponse struct {
	EmployeeID string `json:"employee_id,omitempty"`
}

type RemoveFileResponse struct {
	Removed  bool     `json:"removed"`
	Warnings []string `json:"warnings,omitempty"`
}

type paginatedHistory struct {
	Items      []domain.HistoryEntry `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

func optionalDate(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
