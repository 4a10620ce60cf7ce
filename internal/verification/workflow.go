package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/metrics"
	"github.com/developingchet/cascade-guard/internal/security"
	"github.com/rs/zerolog"
)

// DefaultTimeout is the hard wall-clock limit for a whole workflow.
const DefaultTimeout = 300 * time.Second

// Request describes the operation being confirmed.
type Request struct {
	SubjectID         string
	Kind              security.OperationKind
	EntityID          string
	DisplayName       string   // canonical name the user must type
	ImpactItems       []string // every item must be acknowledged
	RequiresBiometric bool
}

// Deps are the collaborators a Workflow needs.
type Deps struct {
	Passwords  PasswordVerifier
	Biometrics BiometricScanner
	Tokens     *TokenStore
	Sink       audit.Sink
	Clock      clock.Clock
	Log        zerolog.Logger
	Timeout    time.Duration
}

// Workflow is one running verification. It is safe for concurrent use.
type Workflow struct {
	req  Request
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc
	timer  clock.Timer
	done   chan struct{}

	mu      sync.Mutex
	state   State
	gen     uint64
	started time.Time
	token   *Token
}

// Begin starts a workflow for req. Tokens previously issued to the subject
// are revoked.
func Begin(deps Deps, req Request) (*Workflow, error) {
	if req.SubjectID == "" {
		return nil, errors.New("verification: subject id required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("verification: token store required")
	}
	if deps.Sink == nil {
		deps.Sink = audit.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultTimeout
	}

	if n := deps.Tokens.RevokeSubject(req.SubjectID); n > 0 {
		deps.Log.Debug().Str("subject", req.SubjectID).Int("revoked", n).Msg("revoked earlier verification tokens")
	}

	state, err := Transition(State{}, Start{Steps: Steps(req.Kind, req.RequiresBiometric)})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Workflow{
		req:     req,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   state,
		started: deps.Clock.Now(),
	}
	w.record(audit.VerificationStarted, "", map[string]string{"steps": fmt.Sprint(state.Steps)})
	w.mu.Lock()
	w.timer = deps.Clock.AfterFunc(deps.Timeout, w.expire)
	w.mu.Unlock()
	return w, nil
}

// State returns the current machine state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.state
	s.Steps = append([]StepID(nil), s.Steps...)
	return s
}

// Done is closed when the workflow reaches a terminal phase.
func (w *Workflow) Done() <-chan struct{} { return w.done }

// Remaining returns the time left on the countdown.
func (w *Workflow) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Phase.Terminal() {
		return 0
	}
	left := w.deps.Timeout - w.deps.Clock.Now().Sub(w.started)
	if left < 0 {
		return 0
	}
	return left
}

// Token returns the issued token once approved.
func (w *Workflow) Token() (Token, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token == nil {
		return Token{}, false
	}
	return *w.token, true
}

// Request returns the request the workflow was started with.
func (w *Workflow) Request() Request { return w.req }

// SubmitPassword checks the password through the external verifier.
func (w *Workflow) SubmitPassword(ctx context.Context, password string) error {
	gen, err := w.expect(StepPassword)
	if err != nil {
		return err
	}
	if password == "" {
		return w.fail(gen, StepPassword, fmt.Errorf("%w: empty password", ErrPasswordRejected))
	}
	if w.deps.Passwords == nil {
		return w.fail(gen, StepPassword, fmt.Errorf("%w: no verifier configured", ErrPasswordRejected))
	}
	callCtx, stop := w.callContext(ctx)
	defer stop()
	ok, err := w.deps.Passwords.VerifyPassword(callCtx, w.req.SubjectID, password)
	if err != nil {
		return w.fail(gen, StepPassword, fmt.Errorf("%w: %v", ErrPasswordRejected, err))
	}
	if !ok {
		return w.fail(gen, StepPassword, ErrPasswordRejected)
	}
	return w.pass(gen, StepPassword)
}

// SubmitTypedName compares typed with the canonical display name exactly.
func (w *Workflow) SubmitTypedName(typed string) error {
	gen, err := w.expect(StepTypedName)
	if err != nil {
		return err
	}
	if typed != w.req.DisplayName {
		return w.fail(gen, StepTypedName, ErrNameMismatch)
	}
	return w.pass(gen, StepTypedName)
}

// Acknowledge requires every impact item to appear in checked.
func (w *Workflow) Acknowledge(checked []string) error {
	gen, err := w.expect(StepImpact)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(checked))
	for _, c := range checked {
		seen[c] = struct{}{}
	}
	for _, item := range w.req.ImpactItems {
		if _, ok := seen[item]; !ok {
			return w.fail(gen, StepImpact, fmt.Errorf("%w: %q unchecked", ErrImpactIncomplete, item))
		}
	}
	return w.pass(gen, StepImpact)
}

// SubmitBiometric runs the external scanner.
func (w *Workflow) SubmitBiometric(ctx context.Context) error {
	gen, err := w.expect(StepBiometric)
	if err != nil {
		return err
	}
	if w.deps.Biometrics == nil {
		return w.fail(gen, StepBiometric, fmt.Errorf("%w: no scanner configured", ErrBiometricRejected))
	}
	callCtx, stop := w.callContext(ctx)
	defer stop()
	ok, err := w.deps.Biometrics.Scan(callCtx, w.req.SubjectID)
	if err != nil {
		return w.fail(gen, StepBiometric, fmt.Errorf("%w: %v", ErrBiometricRejected, err))
	}
	if !ok {
		return w.fail(gen, StepBiometric, ErrBiometricRejected)
	}
	return w.pass(gen, StepBiometric)
}

// Cancel moves a non-terminal workflow to Cancelled and aborts in-flight
// verifier calls.
func (w *Workflow) Cancel() error {
	w.mu.Lock()
	next, err := Transition(w.state, Cancel{})
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.enterTerminalLocked(next)
	w.mu.Unlock()

	metrics.VerificationOutcomes.WithLabelValues(string(w.req.Kind), "cancelled").Inc()
	w.record(audit.VerificationFailed, ReasonCancelled, nil)
	w.deps.Log.Info().Str("subject", w.req.SubjectID).Msg("verification cancelled")
	return nil
}

func (w *Workflow) expire() {
	w.mu.Lock()
	next, err := Transition(w.state, Expire{})
	if err != nil {
		w.mu.Unlock()
		return
	}
	w.enterTerminalLocked(next)
	w.mu.Unlock()

	metrics.VerificationOutcomes.WithLabelValues(string(w.req.Kind), "expired").Inc()
	w.record(audit.VerificationFailed, ReasonExpired, nil)
	w.deps.Log.Info().Str("subject", w.req.SubjectID).Msg("verification expired")
}

// enterTerminalLocked bumps the generation so late results are discarded.
func (w *Workflow) enterTerminalLocked(next State) {
	w.state = next
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel()
	close(w.done)
}

// expect checks that step is current and returns the generation to carry
// through any asynchronous call.
func (w *Workflow) expect(step StepID) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := terminalErr(w.state.Phase); err != nil {
		return 0, err
	}
	if w.state.Current() != step {
		return 0, fmt.Errorf("%w: got %s, want %s", ErrWrongStep, step, w.state.Current())
	}
	return w.gen, nil
}

func (w *Workflow) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(w.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// staleLocked reports whether the machine moved since gen was taken.
func (w *Workflow) staleLocked(gen uint64) error {
	if w.gen == gen {
		return nil
	}
	if err := terminalErr(w.state.Phase); err != nil {
		return fmt.Errorf("%w: %w", ErrStaleResult, err)
	}
	return ErrStaleResult
}

func (w *Workflow) fail(gen uint64, step StepID, cause error) error {
	w.mu.Lock()
	if err := w.staleLocked(gen); err != nil {
		w.mu.Unlock()
		return err
	}
	_, err := Transition(w.state, StepFailed{Step: step, Err: cause})
	w.mu.Unlock()

	metrics.VerificationStepFailures.WithLabelValues(string(step)).Inc()
	w.record(audit.VerificationFailed, "", map[string]string{"step": string(step), "error": cause.Error()})
	return err
}

func (w *Workflow) pass(gen uint64, step StepID) error {
	w.mu.Lock()
	if err := w.staleLocked(gen); err != nil {
		w.mu.Unlock()
		return err
	}
	next, err := Transition(w.state, StepPassed{Step: step})
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.state = next
	w.gen++
	approved := next.Phase == PhaseApproved
	var tok Token
	if approved {
		tok = w.deps.Tokens.Issue(w.req.SubjectID, w.req.Kind, w.req.EntityID)
		w.token = &tok
		w.enterTerminalLocked(next)
	}
	w.mu.Unlock()

	w.record(audit.VerificationStepCompleted, "", map[string]string{"step": string(step)})
	if approved {
		metrics.VerificationOutcomes.WithLabelValues(string(w.req.Kind), "approved").Inc()
		w.record(audit.VerificationCompleted, "", map[string]string{"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339)})
		w.deps.Log.Info().Str("subject", w.req.SubjectID).Str("kind", string(w.req.Kind)).
			Str("entity_id", w.req.EntityID).Msg("verification approved")
	}
	return nil
}

func (w *Workflow) record(typ, reason string, details map[string]string) {
	evt := audit.New(typ, w.req.SubjectID, string(w.req.Kind), w.req.EntityID, w.deps.Clock.Now())
	evt.ReasonCode = reason
	evt.Details = details
	w.deps.Sink.Record(evt)
}
