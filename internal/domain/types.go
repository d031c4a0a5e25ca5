package domain

import "fmt"

// ProjectType selects the pipeline a card moves through.
type ProjectType string

const (
	ProjectIndividual ProjectType = "Individual"
	ProjectTemplate   ProjectType = "Template"
)

func AllProjectTypes() []ProjectType {
	return []ProjectType{ProjectIndividual, ProjectTemplate}
}

func (p ProjectType) IsValid() bool {
	switch p {
	case ProjectIndividual, ProjectTemplate:
		return true
	}
	return false
}

func (p ProjectType) String() string { return string(p) }

func ParseProjectType(s string) (ProjectType, error) {
	p := ProjectType(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid project type: %s", s)
	}
	return p, nil
}

// ContractStatus is the commercial state of a contract. The empty value is a new contract.
type ContractStatus string

const (
	ContractNew         ContractStatus = ""
	ContractInProgress  ContractStatus = "In progress"
	ContractDelivered   ContractStatus = "DELIVERED"
	ContractTerminated  ContractStatus = "TERMINATED"
	ContractSupervision ContractStatus = "SUPERVISION"
)

func AllContractStatuses() []ContractStatus {
	return []ContractStatus{ContractNew, ContractInProgress, ContractDelivered, ContractTerminated, ContractSupervision}
}

func (s ContractStatus) IsValid() bool {
	switch s {
	case ContractNew, ContractInProgress, ContractDelivered, ContractTerminated, ContractSupervision:
		return true
	}
	return false
}

// ArchivedStatuses is the only mapping from contract status to the archive.
func ArchivedStatuses() []ContractStatus {
	return []ContractStatus{ContractDelivered, ContractTerminated, ContractSupervision}
}

func (s ContractStatus) IsArchived() bool {
	for _, archived := range ArchivedStatuses() {
		if s == archived {
			return true
		}
	}
	return false
}

// ClosesPayroll reports whether reaching the status stamps unset report months.
func (s ContractStatus) ClosesPayroll() bool {
	return s == ContractDelivered || s == ContractSupervision
}

func (s ContractStatus) String() string { return string(s) }

func ParseContractStatus(s string) (ContractStatus, error) {
	st := ContractStatus(s)
	if !st.IsValid() {
		return "", fmt.Errorf("invalid contract status: %s", s)
	}
	return st, nil
}

// CompletionStatus is the terminal choice made when a card reaches Completed project.
type CompletionStatus string

const (
	CompletionDelivered   CompletionStatus = "Delivered"
	CompletionSupervision CompletionStatus = "Supervision"
	CompletionTerminated  CompletionStatus = "Terminated"
)

func (c CompletionStatus) IsValid() bool {
	switch c {
	case CompletionDelivered, CompletionSupervision, CompletionTerminated:
		return true
	}
	return false
}

func (c CompletionStatus) ContractStatus() ContractStatus {
	switch c {
	case CompletionDelivered:
		return ContractDelivered
	case CompletionSupervision:
		return ContractSupervision
	case CompletionTerminated:
		return ContractTerminated
	}
	return ContractNew
}

func ParseCompletionStatus(s string) (CompletionStatus, error) {
	c := CompletionStatus(s)
	if !c.IsValid() {
		return "", fmt.Errorf("invalid completion status: %s", s)
	}
	return c, nil
}

// Position is an employee's job title.
type Position string

const (
	PositionStudioHead    Position = "Studio Head"
	PositionSeniorManager Position = "Senior Project Manager"
	PositionArchitectLead Position = "Architecture Lead"
	PositionDesignLead    Position = "Design-Production Lead"
	PositionManager       Position = "Manager"
	PositionSurveyor      Position = "Surveyor"
	PositionDesigner      Position = "Designer"
	PositionDraftsman     Position = "Draftsman"
)

func AllPositions() []Position {
	return []Position{
		PositionStudioHead,
		PositionSeniorManager,
		PositionArchitectLead,
		PositionDesignLead,
		PositionManager,
		PositionSurveyor,
		PositionDesigner,
		PositionDraftsman,
	}
}

func (p Position) IsValid() bool {
	for _, v := range AllPositions() {
		if v == p {
			return true
		}
	}
	return false
}

func (p Position) String() string { return string(p) }

// Tier resolves the permission tier used when moving cards out of a stage.
func (p Position) Tier() Tier {
	switch p {
	case PositionStudioHead, PositionSeniorManager:
		return TierA
	case PositionArchitectLead, PositionDesignLead, PositionManager:
		return TierB
	default:
		return TierC
	}
}

func ParsePosition(s string) (Position, error) {
	p := Position(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid position: %s", s)
	}
	return p, nil
}

type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// Role is a card slot and the role a payment is made for.
type Role string

const (
	RoleSeniorManager Role = "Senior Manager"
	RoleDesignLead    Role = "Design Lead"
	RoleArchitectLead Role = "Architecture Lead"
	RoleManager       Role = "Manager"
	RoleSurveyor      Role = "Surveyor"
	RoleDesigner      Role = "Designer"
	RoleDraftsman     Role = "Draftsman"
)

func AllRoles() []Role {
	return []Role{
		RoleSeniorManager,
		RoleDesignLead,
		RoleArchitectLead,
		RoleManager,
		RoleSurveyor,
		RoleDesigner,
		RoleDraftsman,
	}
}

func (r Role) IsValid() bool {
	for _, v := range AllRoles() {
		if v == r {
			return true
		}
	}
	return false
}

// IsExecutor reports whether the role performs stage work.
func (r Role) IsExecutor() bool {
	return r == RoleDesigner || r == RoleDraftsman
}

// Position returns the job title compatible with the role slot.
func (r Role) Position() Position {
	switch r {
	case RoleSeniorManager:
		return PositionSeniorManager
	case RoleDesignLead:
		return PositionDesignLead
	case RoleArchitectLead:
		return PositionArchitectLead
	case RoleManager:
		return PositionManager
	case RoleSurveyor:
		return PositionSurveyor
	case RoleDesigner:
		return PositionDesigner
	case RoleDraftsman:
		return PositionDraftsman
	}
	return ""
}

func (r Role) String() string { return string(r) }

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("invalid role: %s", s)
	}
	return r, nil
}

// RoleForPosition maps an executor position to its payment role.
func RoleForPosition(p Position) Role {
	switch p {
	case PositionDesigner:
		return RoleDesigner
	case PositionDraftsman:
		return RoleDraftsman
	}
	return ""
}

type PaymentType string

const (
	PaymentAdvance PaymentType = "Advance"
	PaymentBalance PaymentType = "Balance"
	PaymentFull    PaymentType = "Full"
)

func (p PaymentType) IsValid() bool {
	switch p {
	case PaymentAdvance, PaymentBalance, PaymentFull:
		return true
	}
	return false
}

type AssignmentState string

const (
	AssignmentAssigned  AssignmentState = "assigned"
	AssignmentSubmitted AssignmentState = "submitted"
	AssignmentCompleted AssignmentState = "completed"
)
