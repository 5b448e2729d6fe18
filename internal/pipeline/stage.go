// Package pipeline defines the application stage graph: which stages exist,
// which transitions between them are legal, and which terminal transitions
// must carry a written reason.
//
//	prospect ──► applied ──► interview ──► offer ──► accepted
//	                │             │          │
//	                └─────────────┴──────────┴──► rejected
//
// Every active stage may also exit to withdrawn or archived. Terminal stages
// (accepted, rejected, withdrawn, archived) have no outgoing edges.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Stage is where an application sits in the pipeline.
type Stage string

const (
	StageProspect  Stage = "prospect"
	StageApplied   Stage = "applied"
	StageInterview Stage = "interview"
	StageOffer     Stage = "offer"
	StageAccepted  Stage = "accepted"
	StageRejected  Stage = "rejected"
	StageWithdrawn Stage = "withdrawn"
	StageArchived  Stage = "archived"
)

// ErrUnknownStage is returned by ParseStage for values outside the enum.
var ErrUnknownStage = errors.New("unknown application stage")

// allStages is the pipeline display order.
var allStages = []Stage{
	StageProspect,
	StageApplied,
	StageInterview,
	StageOffer,
	StageAccepted,
	StageRejected,
	StageWithdrawn,
	StageArchived,
}

// nextStages is the adjacency table. Terminal stages have no entry.
var nextStages = map[Stage][]Stage{
	StageProspect:  {StageApplied, StageWithdrawn, StageArchived},
	StageApplied:   {StageInterview, StageRejected, StageWithdrawn, StageArchived},
	StageInterview: {StageOffer, StageRejected, StageWithdrawn, StageArchived},
	StageOffer:     {StageAccepted, StageRejected, StageWithdrawn, StageArchived},
}

var terminalStages = map[Stage]struct{}{
	StageAccepted:  {},
	StageRejected:  {},
	StageWithdrawn: {},
	StageArchived:  {},
}

var reasonRequiredStages = map[Stage]struct{}{
	StageRejected:  {},
	StageWithdrawn: {},
	StageArchived:  {},
}

// ParseStage converts a raw string into a Stage. Matching is case-insensitive
// and ignores surrounding whitespace.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownStage, s)
	}
	return st, nil
}

// Valid reports whether s is one of the enumerated stages.
func (s Stage) Valid() bool {
	for _, st := range allStages {
		if s == st {
			return true
		}
	}
	return false
}

func (s Stage) String() string { return string(s) }

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	return append([]Stage(nil), allStages...)
}

// ActiveStages returns the non-terminal stages in pipeline order.
func ActiveStages() []Stage {
	out := make([]Stage, 0, len(nextStages))
	for _, s := range allStages {
		if IsActive(s) {
			out = append(out, s)
		}
	}
	return out
}

// TerminalStages returns the terminal stages in pipeline order.
func TerminalStages() []Stage {
	out := make([]Stage, 0, len(terminalStages))
	for _, s := range allStages {
		if IsTerminal(s) {
			out = append(out, s)
		}
	}
	return out
}

// NextStages returns the stages reachable from current in one transition,
// forward progress first. Terminal and unknown stages yield an empty slice.
func NextStages(current Stage) []Stage {
	next := nextStages[current]
	out := make([]Stage, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether s is a sink.
func IsTerminal(s Stage) bool {
	_, ok := terminalStages[s]
	return ok
}

// IsActive reports whether s is a valid stage that can still transition.
func IsActive(s Stage) bool {
	return s.Valid() && !IsTerminal(s)
}

// RequiresReason reports whether moving into s needs a written reason.
func RequiresReason(s Stage) bool {
	_, ok := reasonRequiredStages[s]
	return ok
}

// CanTransition reports whether target is one step from current.
func CanTransition(current, target Stage) bool {
	for _, s := range nextStages[current] {
		if s == target {
			return true
		}
	}
	return false
}
