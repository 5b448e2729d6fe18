package application

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/careertrack/internal/pipeline"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

// NoteKind separates free-form advisor notes from stage transition records.
type NoteKind string

const (
	// NoteKindNote is an advisor-written note
	NoteKindNote NoteKind = "note"

	// NoteKindTransition records a stage change and its reason
	NoteKindTransition NoteKind = "transition"
)

// Note is one entry in an application's append-only log.
type Note struct {
	At     time.Time      `json:"at"`
	Author string         `json:"author,omitempty"`
	Kind   NoteKind       `json:"kind"`
	From   pipeline.Stage `json:"from,omitempty"`
	To     pipeline.Stage `json:"to,omitempty"`
	Text   string         `json:"text"`
}

// Application is one student's pursuit of one job opening.
type Application struct {
	ID           string         `json:"id"`
	StudentID    string         `json:"student_id"`
	Company      string         `json:"company"`
	Role         string         `json:"role"`
	Stage        pipeline.Stage `json:"stage"`
	AppliedDate  *time.Time     `json:"applied_date,omitempty"`
	NextStep     string         `json:"next_step,omitempty"`
	NextStepDate *time.Time     `json:"next_step_date,omitempty"`
	Notes        []Note         `json:"notes"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
}

// TriageInput implements triage.Subject.
func (a *Application) TriageInput() triage.Input {
	return triage.Input{
		Stage:        a.Stage,
		NextStep:     a.NextStep,
		NextStepDate: a.NextStepDate,
		UpdatedAt:    a.UpdatedAt,
	}
}

// Clone returns a deep copy, so stores and callers never share notes or
// date pointers.
func (a *Application) Clone() *Application {
	cp := *a
	cp.AppliedDate = cloneTime(a.AppliedDate)
	cp.NextStepDate = cloneTime(a.NextStepDate)
	cp.Notes = make([]Note, len(a.Notes))
	copy(cp.Notes, a.Notes)
	return &cp
}

// ApplyTransition writes a transition that pipeline.ValidateTransition
// already accepted: it sets the stage, appends the reason to the notes
// verbatim (when one was given), stamps AppliedDate on first reaching applied or
// later, and bumps UpdatedAt and Version.
func (a *Application) ApplyTransition(target pipeline.Stage, reason, author string, now time.Time) {
	from := a.Stage
	a.Stage = target

	if a.AppliedDate == nil && countsAsApplied(target) {
		a.AppliedDate = cloneTime(&now)
	}

	if strings.TrimSpace(reason) != "" {
		a.Notes = append(a.Notes, Note{
			At:     now,
			Author: author,
			Kind:   NoteKindTransition,
			From:   from,
			To:     target,
			Text:   reason,
		})
	}
	a.touch(now)
}

// AppendNote adds an advisor note.
func (a *Application) AppendNote(text, author string, now time.Time) {
	a.Notes = append(a.Notes, Note{
		At:     now,
		Author: author,
		Kind:   NoteKindNote,
		Text:   text,
	})
	a.touch(now)
}

// SetNextStep replaces the next step and its due date.
func (a *Application) SetNextStep(step string, due *time.Time, now time.Time) {
	a.NextStep = strings.TrimSpace(step)
	a.NextStepDate = cloneTime(due)
	a.touch(now)
}

// NotesText renders the log as "[timestamp] text" lines, oldest first.
func (a *Application) NotesText() string {
	var b strings.Builder
	for i, n := range a.Notes {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] ", n.At.UTC().Format(time.RFC3339))
		if n.Kind == NoteKindTransition {
			fmt.Fprintf(&b, "%s -> %s: ", n.From, n.To)
		}
		b.WriteString(n.Text)
	}
	return b.String()
}

func (a *Application) touch(now time.Time) {
	a.UpdatedAt = now
	a.Version++
}

// countsAsApplied reports whether reaching s means the application was sent.
func countsAsApplied(s pipeline.Stage) bool {
	switch s {
	case pipeline.StageApplied, pipeline.StageInterview, pipeline.StageOffer, pipeline.StageAccepted:
		return true
	default:
		return false
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
