package triage

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/careertrack/internal/pipeline"
)

// Reason explains why an application needs action.
type Reason string

const (
	// ReasonNoNextStep means an active application has no next step written down
	ReasonNoNextStep Reason = "no_next_step"

	// ReasonOverdue means the next step date has passed
	ReasonOverdue Reason = "overdue_next_step"

	// ReasonDueSoon means the next step date falls inside the due-soon window
	ReasonDueSoon Reason = "due_soon"

	// ReasonStale means nothing on the record changed for the staleness window
	ReasonStale Reason = "stale_no_activity"
)

// reasonOrder fixes the order reasons are reported in.
var reasonOrder = []Reason{ReasonNoNextStep, ReasonOverdue, ReasonDueSoon, ReasonStale}

// Reasons returns every reason in reporting order.
func Reasons() []Reason {
	return append([]Reason(nil), reasonOrder...)
}

// ParseReason converts a raw string into a Reason.
func ParseReason(s string) (Reason, error) {
	for _, r := range reasonOrder {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown triage reason %q", s)
}

// Urgency ranks how soon an advisor should look at an application.
type Urgency int

const (
	UrgencyNone Urgency = iota
	UrgencyLow
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

var urgencyNames = [...]string{"none", "low", "medium", "high", "critical"}

func (u Urgency) String() string {
	if u < UrgencyNone || u > UrgencyCritical {
		return fmt.Sprintf("urgency(%d)", int(u))
	}
	return urgencyNames[u]
}

// MarshalText renders the urgency by name in JSON.
func (u Urgency) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses an urgency name.
func (u *Urgency) UnmarshalText(b []byte) error {
	for i, name := range urgencyNames {
		if name == string(b) {
			*u = Urgency(i)
			return nil
		}
	}
	return fmt.Errorf("unknown urgency %q", string(b))
}

// urgencyOf maps each reason to the urgency it raises an application to.
func urgencyOf(r Reason) Urgency {
	switch r {
	case ReasonOverdue:
		return UrgencyCritical
	case ReasonDueSoon:
		return UrgencyHigh
	case ReasonStale:
		return UrgencyMedium
	case ReasonNoNextStep:
		return UrgencyLow
	default:
		return UrgencyNone
	}
}

// Input is the part of an application record the classifier reads.
type Input struct {
	Stage        pipeline.Stage
	NextStep     string
	NextStepDate *time.Time
	UpdatedAt    time.Time
}

// Subject is anything that can be triaged.
type Subject interface {
	TriageInput() Input
}

// Result is the outcome of classifying one application.
type Result struct {
	NeedsAction     bool     `json:"needs_action"`
	Reasons         []Reason `json:"reasons"`
	IsOverdue       bool     `json:"is_overdue"`
	IsDueSoon       bool     `json:"is_due_soon"`
	IsStale         bool     `json:"is_stale"`
	DaysSinceUpdate int      `json:"days_since_update"`
	Urgency         Urgency  `json:"urgency"`
}

// Has reports whether r was among the fired reasons.
func (res Result) Has(r Reason) bool {
	for _, got := range res.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

// Item pairs a subject with its classification.
type Item[A Subject] struct {
	Subject A      `json:"application"`
	Result  Result `json:"triage"`
}
