// Package board projects triaged applications into advisor views: a kanban
// board with one column per stage, and a filterable, sortable table.
//
// Projections never classify or mutate. They order what the triage package
// already decided, so the same items always produce the same view.
package board

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/pipeline"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

// Card is one classified application on a board or in a table.
type Card = triage.Item[*application.Application]

// Column is a single stage of the kanban board.
type Column struct {
	Stage       pipeline.Stage `json:"stage"`
	Terminal    bool           `json:"terminal"`
	NeedsAction int            `json:"needs_action"`
	Cards       []Card         `json:"cards"`
}

// KanbanOptions controls which columns Kanban emits.
type KanbanOptions struct {
	IncludeArchived bool
}

// Kanban groups items into one column per stage in pipeline order. The
// archived column only appears when requested; cards in stages without a
// column are dropped. Within a column cards run most urgent first, then by
// nearest next-step date (undated last), then least recently updated,
// then by ID.
func Kanban(items []Card, opts KanbanOptions) []Column {
	cols := make([]Column, 0, len(pipeline.Stages()))
	index := make(map[pipeline.Stage]int)
	for _, st := range pipeline.Stages() {
		if st == pipeline.StageArchived && !opts.IncludeArchived {
			continue
		}
		index[st] = len(cols)
		cols = append(cols, Column{
			Stage:    st,
			Terminal: pipeline.IsTerminal(st),
			Cards:    []Card{},
		})
	}

	for _, it := range items {
		i, ok := index[it.Subject.Stage]
		if !ok {
			continue
		}
		cols[i].Cards = append(cols[i].Cards, it)
		if it.Result.NeedsAction {
			cols[i].NeedsAction++
		}
	}

	for i := range cols {
		slices.SortStableFunc(cols[i].Cards, compareCards)
	}
	return cols
}

func compareCards(a, b Card) int {
	if c := cmp.Compare(b.Result.Urgency, a.Result.Urgency); c != 0 {
		return c
	}
	if c := compareDue(a.Subject.NextStepDate, b.Subject.NextStepDate); c != 0 {
		return c
	}
	if c := a.Subject.UpdatedAt.Compare(b.Subject.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.Subject.ID, b.Subject.ID)
}

// compareDue orders dated before undated, earlier dates first.
func compareDue(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Compare(*b)
	}
}

// SortKey names a table ordering.
type SortKey string

const (
	// SortUrgency puts the most urgent rows first.
	SortUrgency SortKey = "urgency"

	// SortUpdated puts the least recently updated rows first.
	SortUpdated SortKey = "updated"

	// SortNextStep puts the nearest next-step dates first; undated rows
	// always sort last.
	SortNextStep SortKey = "next_step"

	// SortCreated puts the oldest applications first.
	SortCreated SortKey = "created"
)

// ParseSortKey accepts a sort key name. An empty string is SortUrgency.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return SortUrgency, nil
	case SortUrgency, SortUpdated, SortNextStep, SortCreated:
		return k, nil
	default:
		return "", fmt.Errorf("unknown sort key %q", s)
	}
}

// Query filters and orders a table view. Zero values mean no filter.
type Query struct {
	// Stages keeps only rows in these stages. Archived rows are excluded
	// unless listed here.
	Stages []pipeline.Stage

	NeedsActionOnly bool

	// Reason keeps only rows whose triage fired this reason.
	Reason triage.Reason

	// Selection keeps only the selected IDs when non-nil.
	Selection *Selection

	Sort SortKey

	// Desc reverses the sort key's natural direction. Ties still break by
	// ID ascending.
	Desc bool
}

// Row is one line of the table view.
type Row struct {
	ID           string         `json:"id"`
	StudentID    string         `json:"student_id"`
	Company      string         `json:"company"`
	Role         string         `json:"role"`
	Stage        pipeline.Stage `json:"stage"`
	NextStep     string         `json:"next_step,omitempty"`
	NextStepDate *time.Time     `json:"next_step_date,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
	Triage       triage.Result  `json:"triage"`
}

// Table filters items by q and returns rows in q's order.
func Table(items []Card, q Query) []Row {
	keep := stageFilter(q.Stages)

	rows := make([]Row, 0, len(items))
	for _, it := range items {
		a := it.Subject
		switch {
		case !keep(a.Stage):
			continue
		case q.NeedsActionOnly && !it.Result.NeedsAction:
			continue
		case q.Reason != "" && !it.Result.Has(q.Reason):
			continue
		case q.Selection != nil && !q.Selection.Has(a.ID):
			continue
		}
		rows = append(rows, Row{
			ID:           a.ID,
			StudentID:    a.StudentID,
			Company:      a.Company,
			Role:         a.Role,
			Stage:        a.Stage,
			NextStep:     a.NextStep,
			NextStepDate: a.NextStepDate,
			CreatedAt:    a.CreatedAt,
			UpdatedAt:    a.UpdatedAt,
			Version:      a.Version,
			Triage:       it.Result,
		})
	}

	slices.SortStableFunc(rows, rowComparer(q.Sort, q.Desc))
	return rows
}

func stageFilter(stages []pipeline.Stage) func(pipeline.Stage) bool {
	if len(stages) == 0 {
		return func(st pipeline.Stage) bool { return st != pipeline.StageArchived }
	}
	set := make(map[pipeline.Stage]struct{}, len(stages))
	for _, st := range stages {
		set[st] = struct{}{}
	}
	return func(st pipeline.Stage) bool {
		_, ok := set[st]
		return ok
	}
}

func rowComparer(key SortKey, desc bool) func(a, b Row) int {
	var primary func(a, b Row) int
	switch key {
	case SortUpdated:
		primary = func(a, b Row) int { return a.UpdatedAt.Compare(b.UpdatedAt) }
	case SortCreated:
		primary = func(a, b Row) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case SortNextStep:
		primary = func(a, b Row) int {
			// undated rows stay last in both directions
			if (a.NextStepDate == nil) != (b.NextStepDate == nil) {
				return compareDue(a.NextStepDate, b.NextStepDate)
			}
			c := compareDue(a.NextStepDate, b.NextStepDate)
			if desc {
				c = -c
			}
			return c
		}
		return func(a, b Row) int {
			if c := primary(a, b); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		}
	default:
		primary = func(a, b Row) int { return cmp.Compare(b.Triage.Urgency, a.Triage.Urgency) }
	}

	return func(a, b Row) int {
		c := primary(a, b)
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	}
}
