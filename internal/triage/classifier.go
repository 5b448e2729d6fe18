package triage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/careertrack/internal/pipeline"
)

const (
	day = 24 * time.Hour

	// DefaultDueSoonWindow is how far ahead a next step counts as due soon.
	DefaultDueSoonWindow = 3 * day

	// DefaultStaleAfter is how long an active application may go untouched.
	DefaultStaleAfter = 14 * day
)

// Config holds the classifier thresholds.
type Config struct {
	DueSoonWindow time.Duration
	StaleAfter    time.Duration
}

// DefaultConfig returns the standard 3 day due-soon and 14 day staleness windows.
func DefaultConfig() Config {
	return Config{
		DueSoonWindow: DefaultDueSoonWindow,
		StaleAfter:    DefaultStaleAfter,
	}
}

// Validate checks that both windows are positive.
func (c Config) Validate() error {
	var errs []error
	if c.DueSoonWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid due-soon window %s (must be > 0)", c.DueSoonWindow))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("invalid stale-after window %s (must be > 0)", c.StaleAfter))
	}
	return errors.Join(errs...)
}

// Classifier applies the needs-action rules. It holds only its thresholds
// and is safe for concurrent use.
type Classifier struct {
	cfg Config
}

// NewClassifier returns a Classifier for cfg.
func NewClassifier(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg}, nil
}

// Config returns the thresholds this classifier was built with.
func (c *Classifier) Config() Config { return c.cfg }

// Classify decides whether s needs attention as of now. Terminal applications
// never need action. Classify panics if the stage is not a known stage: that
// can only happen when a caller bypassed pipeline.ParseStage.
func (c *Classifier) Classify(s Subject, now time.Time) Result {
	in := s.TriageInput()
	if !in.Stage.Valid() {
		panic(fmt.Sprintf("triage: classify called with unknown stage %q", in.Stage))
	}

	res := Result{
		Reasons:         []Reason{},
		DaysSinceUpdate: daysBetween(in.UpdatedAt, now),
	}
	if pipeline.IsTerminal(in.Stage) {
		return res
	}

	fired := make(map[Reason]bool, len(reasonOrder))

	if strings.TrimSpace(in.NextStep) == "" {
		fired[ReasonNoNextStep] = true
	}

	if in.NextStepDate != nil {
		due := *in.NextStepDate
		switch {
		case due.Before(now):
			res.IsOverdue = true
			fired[ReasonOverdue] = true
		case due.Sub(now) <= c.cfg.DueSoonWindow:
			res.IsDueSoon = true
			fired[ReasonDueSoon] = true
		}
	}

	if res.DaysSinceUpdate >= c.staleDays() {
		res.IsStale = true
		fired[ReasonStale] = true
	}

	for _, r := range reasonOrder {
		if !fired[r] {
			continue
		}
		res.Reasons = append(res.Reasons, r)
		if u := urgencyOf(r); u > res.Urgency {
			res.Urgency = u
		}
	}
	res.NeedsAction = len(res.Reasons) > 0
	return res
}

// staleDays is StaleAfter in whole days, never less than one.
func (c *Classifier) staleDays() int {
	if d := int(c.cfg.StaleAfter / day); d > 1 {
		return d
	}
	return 1
}

// ClassifyAll classifies every subject against the same clock, preserving
// input order.
func ClassifyAll[A Subject](c *Classifier, subjects []A, now time.Time) []Item[A] {
	out := make([]Item[A], len(subjects))
	for i, s := range subjects {
		out[i] = Item[A]{Subject: s, Result: c.Classify(s, now)}
	}
	return out
}

// daysBetween returns whole days from then to now, floored and never negative.
func daysBetween(then, now time.Time) int {
	d := now.Sub(then)
	if d <= 0 {
		return 0
	}
	return int(d / day)
}
