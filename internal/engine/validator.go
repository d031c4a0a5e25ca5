package engine

import (
	"context"
	"errors"
	"strings"

	"studiocrm/internal/domain"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/repo"
)

const (
	CheckSubmitted = "submitted"
	CheckAccepted  = "accepted"
	CheckApproved  = "approved"

	ReasonNotAccepted = "work not yet accepted"
	ReasonChecklist   = "stage sign-off incomplete"
)

// CheckItem is one precondition of leaving a stage.
type CheckItem struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// MoveDecision is the validator's answer. A rejected move is a value, not an error.
type MoveDecision struct {
	Allowed   bool        `json:"allowed"`
	Reason    string      `json:"reason,omitempty"`
	Checklist []CheckItem `json:"checklist,omitempty"`
	// AutoAccept lists the vacated stage's unfinished rows a leadership move accepts.
	AutoAccept []domain.StageAssignment `json:"auto_accept,omitempty"`
}

// ChecklistText renders the checklist as "submitted: ✓, accepted: ✗".
func (d MoveDecision) ChecklistText() string {
	parts := make([]string, 0, len(d.Checklist))
	for _, item := range d.Checklist {
		mark := "✗"
		if item.Passed {
			mark = "✓"
		}
		parts = append(parts, item.Name+": "+mark)
	}
	return strings.Join(parts, ", ")
}

// Message is the text shown to the user for a rejection.
func (d MoveDecision) Message() string {
	if d.Allowed {
		return ""
	}
	if len(d.Checklist) == 0 {
		return d.Reason
	}
	return d.Reason + ": " + d.ChecklistText()
}

func allowed() MoveDecision {
	return MoveDecision{Allowed: true}
}

// ValidateMove decides whether actor may move card from one column to another.
// Only stage-to-stage moves are checked; moves from or to New order, Waiting
// or Completed project are always allowed and auto-accept nothing.
func (e Engine) ValidateMove(ctx context.Context, actor auth.Actor, card domain.Card, from, to domain.Column) (MoveDecision, error) {
	if err := actor.Validate(); err != nil {
		return MoveDecision{}, err
	}
	if !domain.ValidColumn(card.ProjectType, to) {
		return MoveDecision{}, invalid("%q is not a column of %s projects", to, card.ProjectType)
	}
	if from == to || !domain.ValidStage(card.ProjectType, from) || to.IsBoundary() {
		return allowed(), nil
	}

	// submitted work blocks every tier until someone accepts it
	if from == domain.ColumnDesignConcept && card.DesignerCompleted {
		return MoveDecision{Reason: ReasonNotAccepted}, nil
	}
	if domain.StagePosition(card.ProjectType, from) == domain.PositionDraftsman && card.DraftsmanCompleted {
		return MoveDecision{Reason: ReasonNotAccepted}, nil
	}

	switch actor.Tier() {
	case domain.TierA:
		open, err := e.Repo.OpenAssignments(ctx, nil, card.ID, from)
		if err != nil {
			return MoveDecision{}, err
		}
		d := allowed()
		d.AutoAccept = open
		return d, nil
	case domain.TierB:
		return e.checklist(ctx, card, from, true)
	default:
		return e.checklist(ctx, card, from, false)
	}
}

func (e Engine) checklist(ctx context.Context, card domain.Card, stage domain.Column, needApproval bool) (MoveDecision, error) {
	var submitted, accepted, approved bool
	latest, err := e.Repo.LatestAssignment(ctx, nil, card.ID, stage)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// nobody was assigned, every item fails
	case err != nil:
		return MoveDecision{}, err
	default:
		submitted = latest.SubmittedDate != nil
		accepted = latest.Completed
	}
	items := []CheckItem{
		{Name: CheckSubmitted, Passed: submitted},
		{Name: CheckAccepted, Passed: accepted},
	}
	if needApproval {
		approved, err = e.Repo.StageApproved(ctx, nil, card.ID, stage)
		if err != nil {
			return MoveDecision{}, err
		}
		items = append(items, CheckItem{Name: CheckApproved, Passed: approved})
	}
	d := MoveDecision{Allowed: true, Checklist: items}
	for _, item := range items {
		if !item.Passed {
			d.Allowed = false
			d.Reason = ReasonChecklist
		}
	}
	return d, nil
}
