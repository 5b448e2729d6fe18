package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIllegalTransition means the target is not reachable from the current stage.
	ErrIllegalTransition = errors.New("illegal stage transition")

	// ErrMissingReason means a reason-required stage was requested without a reason.
	ErrMissingReason = errors.New("reason required for stage transition")
)

// TransitionError describes a rejected transition. It matches
// ErrIllegalTransition or ErrMissingReason under errors.Is.
type TransitionError struct {
	From Stage
	To   Stage
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", e.Err, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// ValidateTransition checks that current -> target is legal and that a
// reason is present when target requires one. It never mutates anything;
// on success the caller writes the new stage and appends the reason.
func ValidateTransition(current, target Stage, reason string) error {
	if !CanTransition(current, target) {
		return &TransitionError{From: current, To: target, Err: ErrIllegalTransition}
	}
	if RequiresReason(target) && strings.TrimSpace(reason) == "" {
		return &TransitionError{From: current, To: target, Err: ErrMissingReason}
	}
	return nil
}
