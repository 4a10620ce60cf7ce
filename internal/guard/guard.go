// Package guard wires the policy store, verification workflow, optimistic
// cache engine and realtime transport into the end-to-end flow of one
// deletion.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/backend"
	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/metrics"
	"github.com/developingchet/cascade-guard/internal/optimistic"
	"github.com/developingchet/cascade-guard/internal/progress"
	"github.com/developingchet/cascade-guard/internal/realtime"
	"github.com/developingchet/cascade-guard/internal/security"
	"github.com/developingchet/cascade-guard/internal/storage"
	"github.com/developingchet/cascade-guard/internal/verification"
	"github.com/rs/zerolog"
)

// Operation statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	// StatusSubmitted is terminal for operations accepted by the backend
	// while no realtime transport is configured to follow them.
	StatusSubmitted = "submitted"
)

const (
	// revertTimeout bounds the cache rollback run when an operation fails.
	revertTimeout = 10 * time.Second
	// statusTimeout bounds one backend status lookup during reconciliation.
	statusTimeout = 10 * time.Second
)

// DeniedError reports a policy refusal.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("deletion denied: %s", e.Reason)
}

// Deps are the collaborators of a Coordinator. Store, Transport and
// Biometrics are optional.
type Deps struct {
	API        backend.API
	Policy     *security.Store
	Tokens     *verification.TokenStore
	Engine     *optimistic.Engine
	Tracker    *progress.Tracker
	Transport  *realtime.Client
	Store      storage.Store
	Passwords  verification.PasswordVerifier
	Biometrics verification.BiometricScanner
	Sink       audit.Sink
	Clock      clock.Clock
	Log        zerolog.Logger
}

// Options tune verification.
type Options struct {
	VerificationTimeout time.Duration
	RequireBiometric    bool
}

// Coordinator runs deletions end to end. It is safe for concurrent use.
type Coordinator struct {
	api        backend.API
	policy     *security.Store
	tokens     *verification.TokenStore
	engine     *optimistic.Engine
	tracker    *progress.Tracker
	transport  *realtime.Client
	store      storage.Store
	passwords  verification.PasswordVerifier
	biometrics verification.BiometricScanner
	sink       audit.Sink
	clock      clock.Clock
	log        zerolog.Logger
	opts       Options

	mu  sync.Mutex
	ops map[string]*Operation
}

// New validates deps and returns a Coordinator.
func New(deps Deps, opts Options) (*Coordinator, error) {
	switch {
	case deps.API == nil:
		return nil, errors.New("guard: backend API required")
	case deps.Policy == nil:
		return nil, errors.New("guard: policy store required")
	case deps.Tokens == nil:
		return nil, errors.New("guard: token store required")
	case deps.Engine == nil:
		return nil, errors.New("guard: optimistic engine required")
	case deps.Tracker == nil:
		return nil, errors.New("guard: progress tracker required")
	}
	if deps.Passwords == nil {
		deps.Passwords = deps.API
	}
	if deps.Sink == nil {
		deps.Sink = audit.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Coordinator{
		api:        deps.API,
		policy:     deps.Policy,
		tokens:     deps.Tokens,
		engine:     deps.Engine,
		tracker:    deps.Tracker,
		transport:  deps.Transport,
		store:      deps.Store,
		passwords:  deps.Passwords,
		biometrics: deps.Biometrics,
		sink:       deps.Sink,
		clock:      deps.Clock,
		log:        deps.Log,
		opts:       opts,
		ops:        make(map[string]*Operation),
	}, nil
}

// Policy exposes the session store for status reporting and admin unlock.
func (c *Coordinator) Policy() *security.Store { return c.policy }

// Engine exposes the optimistic engine.
func (c *Coordinator) Engine() *optimistic.Engine { return c.engine }

// Tracker exposes progress analytics.
func (c *Coordinator) Tracker() *progress.Tracker { return c.tracker }

// Transport returns the realtime client, or nil when none is configured.
func (c *Coordinator) Transport() *realtime.Client { return c.transport }

// Authenticate fetches the backend session and opens the policy session.
func (c *Coordinator) Authenticate(ctx context.Context) error {
	g, err := sessionSource{api: c.api}.RefreshSession(ctx)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	c.policy.Login(g)
	c.log.Info().Str("user_id", g.UserID).Str("role", string(g.Role)).Msg("session opened")
	return nil
}

// Check evaluates the policy for kind on entityID. A refusal is returned as
// *DeniedError.
func (c *Coordinator) Check(kind security.OperationKind, entityID string) error {
	d := c.policy.Evaluate(kind, entityID)
	if !d.Allowed {
		return &DeniedError{Reason: d.ReasonCode}
	}
	return nil
}

// Preview proxies the backend impact summary.
func (c *Coordinator) Preview(ctx context.Context, entityID string) (backend.Preview, error) {
	p, err := c.api.PreviewDeletion(ctx, entityID)
	if err != nil {
		return backend.Preview{}, fmt.Errorf("preview %s: %w", entityID, err)
	}
	return p, nil
}

// BeginVerification starts the confirmation workflow for an allowed
// operation. The typed-name target and impact items come from the backend
// preview.
func (c *Coordinator) BeginVerification(ctx context.Context, kind security.OperationKind, entityID string) (*verification.Workflow, error) {
	if err := c.Check(kind, entityID); err != nil {
		return nil, err
	}

	preview := backend.Preview{EntityID: entityID}
	if entityID != "" {
		p, err := c.Preview(ctx, entityID)
		if err != nil {
			return nil, err
		}
		preview = p
	}
	name := preview.DisplayName
	if name == "" {
		name = entityID
	}

	biometric := c.opts.RequireBiometric
	if !biometric && c.biometrics != nil {
		ok, err := c.api.HasFeature(ctx, backend.FeatureBiometric)
		if err != nil {
			c.log.Warn().Err(err).Msg("feature lookup failed; biometric step not requested")
		}
		biometric = ok
	}

	return verification.Begin(verification.Deps{
		Passwords:  c.passwords,
		Biometrics: c.biometrics,
		Tokens:     c.tokens,
		Sink:       c.sink,
		Clock:      c.clock,
		Log:        c.log,
		Timeout:    c.opts.VerificationTimeout,
	}, verification.Request{
		SubjectID:         c.policy.UserID(),
		Kind:              kind,
		EntityID:          entityID,
		DisplayName:       name,
		ImpactItems:       preview.ImpactItems(),
		RequiresBiometric: biometric,
	})
}

// ExecuteRequest describes an approved deletion.
type ExecuteRequest struct {
	Kind      security.OperationKind
	EntityID  string
	Reason    string
	DryRun    bool
	Mutations []optimistic.Mutation // OperationID is filled in

	// OnProgress is called for every progress event, after the tracker has
	// observed it.
	OnProgress func(realtime.ProgressEvent, progress.Analytics)
}

// Result is the terminal state of an Operation.
type Result struct {
	Status  string
	Error   string
	Summary map[string]any
	Revert  *optimistic.RevertReport
}

// Operation is a deletion accepted by the backend.
type Operation struct {
	ID       string
	Kind     security.OperationKind
	EntityID string
	UserID   string
	Started  time.Time

	onProgress func(realtime.ProgressEvent, progress.Analytics)
	done       chan struct{}

	mu          sync.Mutex
	finished    bool
	unsubscribe func()
	result      Result
}

// Done is closed once the operation reaches a terminal status.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Result returns the terminal result; Status is "running" until Done.
func (o *Operation) Result() Result {
	select {
	case <-o.done:
	default:
		return Result{Status: StatusRunning}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Wait blocks until the operation finishes or ctx is done.
func (o *Operation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-o.done:
		return o.Result(), nil
	case <-ctx.Done():
		return Result{Status: StatusRunning}, ctx.Err()
	}
}

// Execute consumes the verification token, records the attempt, submits
// the deletion and follows it until the backend reports an outcome.
// Optimistic mutations are committed on success and reverted on failure.
func (c *Coordinator) Execute(ctx context.Context, token string, req ExecuteRequest) (*Operation, error) {
	userID := c.policy.UserID()
	tok, err := c.tokens.Consume(token, userID, req.Kind, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("verification token: %w", err)
	}
	if err := c.Check(req.Kind, req.EntityID); err != nil {
		return nil, err
	}
	if _, ok := c.policy.RecordAttempt(req.Kind); !ok {
		return nil, &DeniedError{Reason: security.ReasonRateLimited}
	}

	opID, err := c.api.ExecuteDeletion(ctx, req.EntityID, backend.ExecuteOptions{
		Kind:              string(req.Kind),
		VerificationToken: tok.Value,
		Reason:            req.Reason,
		DryRun:            req.DryRun,
	})
	if err != nil {
		evt := audit.New(audit.OperationFailed, userID, string(req.Kind), req.EntityID, c.clock.Now())
		evt.Details = map[string]string{"error": err.Error(), "stage": "submit"}
		c.sink.Record(evt)
		return nil, fmt.Errorf("execute deletion: %w", err)
	}

	op := &Operation{
		ID:         opID,
		Kind:       req.Kind,
		EntityID:   req.EntityID,
		UserID:     userID,
		Started:    c.clock.Now(),
		onProgress: req.OnProgress,
		done:       make(chan struct{}),
	}
	c.mu.Lock()
	c.ops[opID] = op
	c.mu.Unlock()
	metrics.ActiveOperations.Inc()

	c.persist(op, StatusRunning, "", time.Time{})
	evt := audit.New(audit.OperationStarted, userID, string(req.Kind), req.EntityID, op.Started)
	evt.OperationID = opID
	c.sink.Record(evt)
	c.log.Info().Str("operation_id", opID).Str("kind", string(req.Kind)).Str("entity_id", req.EntityID).
		Bool("dry_run", req.DryRun).Msg("deletion submitted")

	if !req.DryRun {
		for _, m := range req.Mutations {
			m.OperationID = opID
			if _, err := c.engine.Apply(ctx, m); err != nil {
				c.log.Warn().Err(err).Str("operation_id", opID).Str("entity_type", m.EntityType).
					Msg("optimistic update not applied")
			}
		}
	}

	if c.transport == nil {
		c.finish(op, Result{Status: StatusSubmitted})
		return op, nil
	}

	c.follow(ctx, op)
	return op, nil
}

// Watch follows an operation submitted elsewhere, such as by another
// process. Its outcome is persisted and audited like any other operation;
// no optimistic updates are attached.
func (c *Coordinator) Watch(ctx context.Context, opID string, onProgress func(realtime.ProgressEvent, progress.Analytics)) (*Operation, error) {
	if c.transport == nil {
		return nil, errors.New("guard: no realtime transport configured")
	}
	c.mu.Lock()
	if op, ok := c.ops[opID]; ok {
		c.mu.Unlock()
		return op, nil
	}
	op := &Operation{
		ID:         opID,
		UserID:     c.policy.UserID(),
		Started:    c.clock.Now(),
		onProgress: onProgress,
		done:       make(chan struct{}),
	}
	if c.store != nil {
		if rec, err := c.store.GetOperation(opID); err == nil && rec != nil {
			op.Kind = security.OperationKind(rec.Kind)
			op.EntityID = rec.EntityID
			op.Started = rec.StartedAt
		}
	}
	c.ops[opID] = op
	c.mu.Unlock()
	metrics.ActiveOperations.Inc()

	c.log.Info().Str("operation_id", opID).Msg("watching operation")
	c.follow(ctx, op)
	return op, nil
}

// follow subscribes to transport events for op until it finishes, then
// reconciles once so an outcome broadcast before the subscription is not
// missed.
func (c *Coordinator) follow(ctx context.Context, op *Operation) {
	c.tracker.Start(op.ID)
	unsub := c.transport.Subscribe(op.ID, realtime.Handlers{
		OnProgress: func(ev realtime.ProgressEvent) { c.progress(op, ev) },
		OnComplete: func(ev realtime.CompleteEvent) {
			r := Result{Status: StatusCompleted, Summary: ev.Summary}
			if !ev.Success {
				r = Result{Status: StatusFailed, Error: "backend reported unsuccessful completion", Summary: ev.Summary}
			}
			c.finish(op, r)
		},
		OnError: func(ev realtime.ErrorEvent) {
			c.finish(op, Result{Status: StatusFailed, Error: ev.Error})
		},
	})

	op.mu.Lock()
	if op.finished {
		op.mu.Unlock()
		unsub()
		return
	}
	op.unsubscribe = unsub
	op.mu.Unlock()

	c.reconcile(ctx, op)
}

// reconcile asks the backend for op's status and finishes op if the
// deletion has already ended. A running or unreachable operation is left
// to the transport.
func (c *Coordinator) reconcile(ctx context.Context, op *Operation) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	st, err := c.api.DeletionStatus(ctx, op.ID)
	if err != nil {
		c.log.Debug().Err(err).Str("operation_id", op.ID).Msg("deletion status lookup failed")
		return
	}
	switch st.Status {
	case backend.DeletionCompleted:
		c.finish(op, Result{Status: StatusCompleted, Summary: st.Summary})
	case backend.DeletionFailed:
		msg := st.Error
		if msg == "" {
			msg = "backend reported failure"
		}
		c.finish(op, Result{Status: StatusFailed, Error: msg, Summary: st.Summary})
	case backend.DeletionCancelled:
		c.finish(op, Result{Status: StatusCancelled, Error: "cancelled by backend"})
	}
}

// Reconcile checks every followed operation against the backend. It is run
// after the transport reconnects, since events sent while disconnected are
// not replayed.
func (c *Coordinator) Reconcile(ctx context.Context) {
	c.mu.Lock()
	ops := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.mu.Unlock()
	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		c.reconcile(ctx, op)
	}
}

func (c *Coordinator) progress(op *Operation, ev realtime.ProgressEvent) {
	at := ev.Timestamp
	if at.IsZero() {
		at = c.clock.Now()
	}
	c.tracker.Observe(op.ID, progress.Progress{
		Percentage:        ev.Percentage,
		ProcessedEntities: ev.ProcessedEntities,
		Errors:            ev.Errors,
		Warnings:          ev.Warnings,
		StartedAt:         op.Started,
	}, at)
	if op.onProgress != nil {
		a, _ := c.tracker.Analytics(op.ID)
		op.onProgress(ev, a)
	}
}

// Cancel asks the backend to stop opID and rolls back its optimistic
// updates.
func (c *Coordinator) Cancel(ctx context.Context, opID string) error {
	if err := c.api.CancelDeletion(ctx, opID); err != nil {
		return fmt.Errorf("cancel %s: %w", opID, err)
	}

	c.mu.Lock()
	op := c.ops[opID]
	c.mu.Unlock()
	if op != nil {
		c.finish(op, Result{Status: StatusCancelled, Error: "cancelled by user"})
		return nil
	}

	// Not followed by this process; still undo anything applied locally.
	if _, err := c.engine.Revert(ctx, opID); err != nil && !errors.Is(err, optimistic.ErrUnknownOperation) {
		return fmt.Errorf("revert %s: %w", opID, err)
	}
	return nil
}

// Operation returns the in-flight operation with id, if any.
func (c *Coordinator) Operation(id string) (*Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[id]
	return op, ok
}

// Active returns the number of operations being followed.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

func (c *Coordinator) finish(op *Operation, r Result) {
	op.mu.Lock()
	if op.finished {
		op.mu.Unlock()
		return
	}
	op.finished = true
	unsub := op.unsubscribe
	op.unsubscribe = nil
	op.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.tracker.Stop(op.ID)

	switch r.Status {
	case StatusCompleted, StatusSubmitted:
		if err := c.engine.Commit(op.ID); err != nil && !errors.Is(err, optimistic.ErrUnknownOperation) {
			c.log.Warn().Err(err).Str("operation_id", op.ID).Msg("commit optimistic updates")
		}
	default:
		ctx, cancel := context.WithTimeout(context.Background(), revertTimeout)
		report, err := c.engine.Revert(ctx, op.ID)
		cancel()
		switch {
		case errors.Is(err, optimistic.ErrUnknownOperation):
		case err != nil:
			c.log.Warn().Err(err).Str("operation_id", op.ID).Msg("revert optimistic updates")
		default:
			r.Revert = &report
		}
	}

	now := c.clock.Now()
	c.mu.Lock()
	delete(c.ops, op.ID)
	c.mu.Unlock()
	metrics.ActiveOperations.Dec()
	metrics.OperationDuration.WithLabelValues(r.Status).Observe(now.Sub(op.Started).Seconds())

	c.persist(op, r.Status, r.Error, now)
	evtType := audit.OperationCompleted
	switch r.Status {
	case StatusFailed:
		evtType = audit.OperationFailed
	case StatusCancelled:
		evtType = audit.OperationCancelled
	}
	evt := audit.New(evtType, op.UserID, string(op.Kind), op.EntityID, now)
	evt.OperationID = op.ID
	if r.Error != "" {
		evt.Details = map[string]string{"error": r.Error}
	}
	c.sink.Record(evt)

	l := c.log.Info()
	if r.Status == StatusFailed {
		l = c.log.Warn()
	}
	l.Str("operation_id", op.ID).Str("status", r.Status).Str("error", r.Error).Msg("deletion finished")

	op.mu.Lock()
	op.result = r
	op.mu.Unlock()
	close(op.done)
}

func (c *Coordinator) persist(op *Operation, status, errMsg string, finishedAt time.Time) {
	if c.store == nil {
		return
	}
	err := c.store.PutOperation(storage.OperationRecord{
		OperationID: op.ID,
		UserID:      op.UserID,
		Kind:        string(op.Kind),
		EntityID:    op.EntityID,
		Status:      status,
		StartedAt:   op.Started,
		FinishedAt:  finishedAt,
		Error:       errMsg,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("operation_id", op.ID).Msg("persist operation record")
	}
}
