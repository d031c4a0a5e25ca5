package domain

type Employee struct {
	ID           string   `json:"id"`
	FullName     string   `json:"full_name"`
	Position     Position `json:"position"`
	Login        string   `json:"login,omitempty"`
	PasswordHash string   `json:"-"`
	Active       bool     `json:"active"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Contract struct {
	ID                string         `json:"id"`
	Number            string         `json:"number"`
	ClientName        string         `json:"client_name,omitempty"`
	Address           string         `json:"address,omitempty"`
	ProjectType       ProjectType    `json:"project_type" enum:"Individual,Template"`
	Status            ContractStatus `json:"status"`
	TerminationReason string         `json:"termination_reason,omitempty"`
	StatusChangedAt   *string        `json:"status_changed_at,omitempty" format:"date-time"`
	Area              float64        `json:"area"`
	TotalAmount       float64        `json:"total_amount"`
	AdvanceAmount     float64        `json:"advance_amount"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
}

// IsArchived reports whether the contract's card belongs to the archive.
func (c Contract) IsArchived() bool {
	return c.Status.IsArchived()
}

type Card struct {
	ID                 string      `json:"id"`
	ContractID         string      `json:"contract_id"`
	Column             Column      `json:"column"`
	ProjectType        ProjectType `json:"project_type" enum:"Individual,Template"`
	SeniorManagerID    *string     `json:"senior_manager_id,omitempty"`
	DesignLeadID       *string     `json:"design_lead_id,omitempty"`
	ArchitectLeadID    *string     `json:"architect_lead_id,omitempty"`
	ManagerID          *string     `json:"manager_id,omitempty"`
	SurveyorID         *string     `json:"surveyor_id,omitempty"`
	DesignerID         *string     `json:"designer_id,omitempty"`
	DraftsmanID        *string     `json:"draftsman_id,omitempty"`
	Tags               string      `json:"tags,omitempty"`
	Deadline           *string     `json:"deadline,omitempty" format:"date"`
	Approved           bool        `json:"approved"`
	DesignerCompleted  bool        `json:"designer_completed"`
	DraftsmanCompleted bool        `json:"draftsman_completed"`
	MeasurementDate    *string     `json:"measurement_date,omitempty" format:"date"`
	CreatedAt          string      `json:"created_at" format:"date-time"`
	UpdatedAt          string      `json:"updated_at" format:"date-time"`
}

// Slot returns the employee held in the card slot for role.
func (c Card) Slot(role Role) *string {
	switch role {
	case RoleSeniorManager:
		return c.SeniorManagerID
	case RoleDesignLead:
		return c.DesignLeadID
	case RoleArchitectLead:
		return c.ArchitectLeadID
	case RoleManager:
		return c.ManagerID
	case RoleSurveyor:
		return c.SurveyorID
	case RoleDesigner:
		return c.DesignerID
	case RoleDraftsman:
		return c.DraftsmanID
	}
	return nil
}

// SetSlot stores employeeID (nil clears) in the card slot for role.
func (c *Card) SetSlot(role Role, employeeID *string) {
	switch role {
	case RoleSeniorManager:
		c.SeniorManagerID = employeeID
	case RoleDesignLead:
		c.DesignLeadID = employeeID
	case RoleArchitectLead:
		c.ArchitectLeadID = employeeID
	case RoleManager:
		c.ManagerID = employeeID
	case RoleSurveyor:
		c.SurveyorID = employeeID
	case RoleDesigner:
		c.DesignerID = employeeID
	case RoleDraftsman:
		c.DraftsmanID = employeeID
	}
}

type StageAssignment struct {
	ID            string  `json:"id"`
	CardID        string  `json:"card_id"`
	Stage         Column  `json:"stage"`
	ExecutorID    string  `json:"executor_id"`
	AssignedByID  string  `json:"assigned_by_id"`
	AssignedDate  string  `json:"assigned_date" format:"date-time"`
	Deadline      *string `json:"deadline,omitempty" format:"date"`
	SubmittedDate *string `json:"submitted_date,omitempty" format:"date-time"`
	Completed     bool    `json:"completed"`
	CompletedDate *string `json:"completed_date,omitempty" format:"date-time"`
}

// State reports where the row sits in assigned -> submitted -> completed.
func (a StageAssignment) State() AssignmentState {
	switch {
	case a.Completed:
		return AssignmentCompleted
	case a.SubmittedDate != nil:
		return AssignmentSubmitted
	default:
		return AssignmentAssigned
	}
}

type StageAcceptance struct {
	ID             string   `json:"id"`
	CardID         string   `json:"card_id"`
	Stage          Column   `json:"stage"`
	ExecutorID     string   `json:"executor_id"`
	AssignmentID   string   `json:"assignment_id"`
	AcceptedByID   string   `json:"accepted_by_id"`
	AcceptedByName string   `json:"accepted_by_name"`
	AcceptedByRole Position `json:"accepted_by_role"`
	AcceptedAt     string   `json:"accepted_at" format:"date-time"`
}

type StageApproval struct {
	CardID       string `json:"card_id"`
	Stage        Column `json:"stage"`
	Approved     bool   `json:"approved"`
	ApprovedByID string `json:"approved_by_id,omitempty"`
	ApprovedAt   string `json:"approved_at,omitempty" format:"date-time"`
}

type PaymentRecord struct {
	ID               string      `json:"id"`
	ContractID       string      `json:"contract_id"`
	EmployeeID       string      `json:"employee_id"`
	Role             Role        `json:"role"`
	Stage            Column      `json:"stage,omitempty"`
	PaymentType      PaymentType `json:"payment_type" enum:"Advance,Balance,Full"`
	CalculatedAmount float64     `json:"calculated_amount"`
	ManualAmount     *float64    `json:"manual_amount,omitempty"`
	FinalAmount      float64     `json:"final_amount"`
	IsManual         bool        `json:"is_manual"`
	ReportMonth      string      `json:"report_month,omitempty"`
	Reassigned       bool        `json:"reassigned"`
	OldEmployeeID    *string     `json:"old_employee_id,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
}

type HistoryEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	ActorID     string `json:"actor_id"`
	ActionType  string `json:"action_type"`
	Description string `json:"description"`
	Payload     string `json:"payload_json"`
}

type StageFile struct {
	ID         string `json:"id"`
	CardID     string `json:"card_id"`
	Stage      Column `json:"stage"`
	FileName   string `json:"file_name"`
	RemotePath string `json:"remote_path"`
	PublicLink string `json:"public_link,omitempty"`
	UploadedBy string `json:"uploaded_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type SupervisionCard struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	SourceCard string `json:"source_card_id"`
	Column     string `json:"column"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// APIKey lets scripted clients act as an employee without a password login.
type APIKey struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
