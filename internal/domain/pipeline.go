package domain

import "fmt"

// Column is a Kanban column label. Stage columns double as stage names.
type Column string

const (
	ColumnNewOrder         Column = "New order"
	ColumnWaiting          Column = "Waiting"
	ColumnPlanning         Column = "Stage 1: planning solutions"
	ColumnDesignConcept    Column = "Stage 2: design concept"
	ColumnWorkingDrawings  Column = "Stage 3: working drawings"
	ColumnTemplateDrawings Column = "Stage 2: working drawings"
	ColumnSpecifications   Column = "Stage 3: specifications"
	ColumnCompleted        Column = "Completed project"
)

var pipelines = map[ProjectType][]Column{
	ProjectIndividual: {
		ColumnNewOrder,
		ColumnWaiting,
		ColumnPlanning,
		ColumnDesignConcept,
		ColumnWorkingDrawings,
		ColumnCompleted,
	},
	ProjectTemplate: {
		ColumnNewOrder,
		ColumnWaiting,
		ColumnPlanning,
		ColumnTemplateDrawings,
		ColumnSpecifications,
		ColumnCompleted,
	},
}

// Columns returns the ordered columns of the project type's pipeline.
func Columns(pt ProjectType) []Column {
	cols := pipelines[pt]
	out := make([]Column, len(cols))
	copy(out, cols)
	return out
}

// ValidColumn reports whether c belongs to the pipeline of pt.
func ValidColumn(pt ProjectType, c Column) bool {
	for _, col := range pipelines[pt] {
		if col == c {
			return true
		}
	}
	return false
}

// ParseColumn validates c against the pipeline of pt.
func ParseColumn(pt ProjectType, s string) (Column, error) {
	c := Column(s)
	if !ValidColumn(pt, c) {
		return "", fmt.Errorf("invalid column %q for %s project", s, pt)
	}
	return c, nil
}

// IsBoundary reports whether moves from or to c skip stage validation.
func (c Column) IsBoundary() bool {
	switch c {
	case ColumnNewOrder, ColumnWaiting, ColumnCompleted:
		return true
	}
	return false
}

// IsStage reports whether c is a work stage of some pipeline.
func (c Column) IsStage() bool {
	if c.IsBoundary() {
		return false
	}
	for _, cols := range pipelines {
		for _, col := range cols {
			if col == c {
				return true
			}
		}
	}
	return false
}

// RequiresExecutor reports whether entering c opens executor selection.
func (c Column) RequiresExecutor() bool {
	return c.IsStage()
}

func (c Column) String() string { return string(c) }

// ValidStage reports whether c is a stage column of the pt pipeline.
func ValidStage(pt ProjectType, c Column) bool {
	return ValidColumn(pt, c) && c.IsStage()
}

// StagePosition is the executor position a stage requires.
func StagePosition(pt ProjectType, c Column) Position {
	if !ValidStage(pt, c) {
		return ""
	}
	if c == ColumnDesignConcept {
		return PositionDesigner
	}
	return PositionDraftsman
}

// StageIndex returns the 1-based index of c among the stage columns of pt, 0 if c is not a stage.
func StageIndex(pt ProjectType, c Column) int {
	idx := 0
	for _, col := range pipelines[pt] {
		if !col.IsStage() {
			continue
		}
		idx++
		if col == c {
			return idx
		}
	}
	return 0
}
