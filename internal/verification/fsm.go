// Package verification drives the confirmation sequence a user completes
// before a deletion and issues the single-use token that authorises it.
package verification

import (
	"errors"
	"fmt"

	"github.com/developingchet/cascade-guard/internal/security"
)

// StepID names one confirmation step.
type StepID string

const (
	StepPassword  StepID = "password"
	StepTypedName StepID = "typed_name"
	StepImpact    StepID = "impact_acknowledgment"
	StepBiometric StepID = "biometric"
)

// AllSteps is the canonical step order before filtering.
var AllSteps = []StepID{StepPassword, StepTypedName, StepImpact, StepBiometric}

// Steps filters AllSteps for kind. Cleanup skips the typed name; biometric
// is included only when requested.
func Steps(kind security.OperationKind, requiresBiometric bool) []StepID {
	out := make([]StepID, 0, len(AllSteps))
	for _, s := range AllSteps {
		if requiredFor(s, kind, requiresBiometric) {
			out = append(out, s)
		}
	}
	return out
}

func requiredFor(s StepID, kind security.OperationKind, biometric bool) bool {
	switch s {
	case StepTypedName:
		return kind != security.Cleanup
	case StepBiometric:
		return biometric
	default:
		return true
	}
}

// Phase is the coarse workflow state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStep
	PhaseApproved
	PhaseExpired
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStep:
		return "step"
	case PhaseApproved:
		return "approved"
	case PhaseExpired:
		return "expired"
	case PhaseCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further transitions are accepted.
func (p Phase) Terminal() bool {
	return p == PhaseApproved || p == PhaseExpired || p == PhaseCancelled
}

// Reason codes attached to terminal failures.
const (
	ReasonCancelled = "VERIFICATION_CANCELLED"
	ReasonExpired   = "VERIFICATION_EXPIRED"
)

var (
	ErrPasswordRejected  = errors.New("verification: password rejected")
	ErrNameMismatch      = errors.New("verification: typed name does not match")
	ErrImpactIncomplete  = errors.New("verification: not every impact item acknowledged")
	ErrBiometricRejected = errors.New("verification: biometric scan rejected")
	ErrWrongStep         = errors.New("verification: step is not current")
	ErrExpired           = errors.New("verification: workflow expired")
	ErrCancelled         = errors.New("verification: workflow cancelled")
	ErrApproved          = errors.New("verification: workflow already approved")
	ErrStaleResult       = errors.New("verification: result arrived after workflow changed")
)

// State is the immutable value the transition function operates on.
type State struct {
	Phase Phase
	Steps []StepID
	Index int // current step while Phase == PhaseStep
}

// Current returns the step awaiting input, or "" outside PhaseStep.
func (s State) Current() StepID {
	if s.Phase != PhaseStep || s.Index >= len(s.Steps) {
		return ""
	}
	return s.Steps[s.Index]
}

// Event drives Transition.
type Event interface{ event() }

// Start enters the first step.
type Start struct{ Steps []StepID }

// StepPassed completes the named step.
type StepPassed struct{ Step StepID }

// StepFailed reports a failed attempt at the named step. State does not move.
type StepFailed struct {
	Step StepID
	Err  error
}

// Expire is delivered by the countdown.
type Expire struct{}

// Cancel is an explicit user cancellation.
type Cancel struct{}

func (Start) event()      {}
func (StepPassed) event() {}
func (StepFailed) event() {}
func (Expire) event()     {}
func (Cancel) event()     {}

// Transition is the pure workflow function. On error the returned state is
// the input state.
func Transition(s State, e Event) (State, error) {
	if err := terminalErr(s.Phase); err != nil {
		return s, err
	}
	switch ev := e.(type) {
	case Start:
		if s.Phase != PhaseIdle {
			return s, fmt.Errorf("%w: already started", ErrWrongStep)
		}
		next := State{Phase: PhaseStep, Steps: append([]StepID(nil), ev.Steps...)}
		if len(next.Steps) == 0 {
			next.Phase = PhaseApproved
		}
		return next, nil

	case StepPassed:
		if s.Phase != PhaseStep || s.Current() != ev.Step {
			return s, fmt.Errorf("%w: got %s, want %s", ErrWrongStep, ev.Step, s.Current())
		}
		next := s
		next.Index++
		if next.Index == len(next.Steps) {
			next.Phase = PhaseApproved
		}
		return next, nil

	case StepFailed:
		if s.Phase != PhaseStep || s.Current() != ev.Step {
			return s, fmt.Errorf("%w: got %s, want %s", ErrWrongStep, ev.Step, s.Current())
		}
		return s, ev.Err

	case Expire:
		next := s
		next.Phase = PhaseExpired
		return next, nil

	case Cancel:
		next := s
		next.Phase = PhaseCancelled
		return next, nil
	}
	return s, fmt.Errorf("verification: unknown event %T", e)
}

func terminalErr(p Phase) error {
	switch p {
	case PhaseApproved:
		return ErrApproved
	case PhaseExpired:
		return ErrExpired
	case PhaseCancelled:
		return ErrCancelled
	}
	return nil
}
