package auth

import (
	"errors"
	"fmt"

	"studiocrm/internal/domain"
)

// ForbiddenError indicates the actor's tier cannot perform an operation.
type ForbiddenError struct {
	Operation string
	Tier      domain.Tier
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s is not allowed for tier %s", e.Operation, e.Tier)
}

// Actor is the employee performing an operation. It is passed explicitly into
// every workflow call and never stored globally.
type Actor struct {
	EmployeeID string
	Name       string
	Position   domain.Position
}

// FromEmployee builds an actor from an employee row.
func FromEmployee(e domain.Employee) Actor {
	return Actor{EmployeeID: e.ID, Name: e.FullName, Position: e.Position}
}

// System is used for steps no employee triggered, e.g. imports.
func System() Actor {
	return Actor{EmployeeID: "system", Name: "system", Position: domain.PositionStudioHead}
}

func (a Actor) Tier() domain.Tier {
	return a.Position.Tier()
}

func (a Actor) Validate() error {
	if a.EmployeeID == "" {
		return errors.New("actor employee id required")
	}
	if !a.Position.IsValid() {
		return fmt.Errorf("actor %s has invalid position %q", a.EmployeeID, a.Position)
	}
	return nil
}

// Require returns ForbiddenError unless the actor holds one of tiers.
func (a Actor) Require(operation string, tiers ...domain.Tier) error {
	t := a.Tier()
	for _, allowed := range tiers {
		if allowed == t {
			return nil
		}
	}
	return ForbiddenError{Operation: operation, Tier: t}
}
