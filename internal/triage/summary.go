package triage

import "github.com/linnemanlabs/careertrack/internal/pipeline"

// Summary holds badge counts over a batch of classified applications.
type Summary struct {
	Total       int                    `json:"total"`
	NeedsAction int                    `json:"needs_action"`
	ByReason    map[Reason]int         `json:"by_reason"`
	ByUrgency   map[Urgency]int        `json:"by_urgency"`
	ByStage     map[pipeline.Stage]int `json:"by_stage"`
}

// Summarize counts items by reason, urgency, and stage. Every known reason
// and urgency appears in the maps, zero or not.
func Summarize[A Subject](items []Item[A]) Summary {
	sum := Summary{
		Total:     len(items),
		ByReason:  make(map[Reason]int, len(reasonOrder)),
		ByUrgency: make(map[Urgency]int, len(urgencyNames)),
		ByStage:   make(map[pipeline.Stage]int),
	}
	for _, r := range reasonOrder {
		sum.ByReason[r] = 0
	}
	for u := UrgencyNone; u <= UrgencyCritical; u++ {
		sum.ByUrgency[u] = 0
	}

	for _, it := range items {
		sum.ByStage[it.Subject.TriageInput().Stage]++
		sum.ByUrgency[it.Result.Urgency]++
		if it.Result.NeedsAction {
			sum.NeedsAction++
		}
		for _, r := range it.Result.Reasons {
			sum.ByReason[r]++
		}
	}
	return sum
}
