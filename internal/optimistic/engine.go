// Package optimistic applies speculative deletion effects to cached query
// results and rolls them back, in strict reverse order, when the backend
// reports failure.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action is the kind of speculative change.
type Action string

const (
	ActionDelete  Action = "delete"
	ActionUpdate  Action = "update"
	ActionNullify Action = "nullify"
)

var (
	ErrOutOfOrder       = errors.New("optimistic: update is not the most recent for its operation")
	ErrUnknownOperation = errors.New("optimistic: no pending updates for operation")
	ErrUnknownUpdate    = errors.New("optimistic: unknown update")
	ErrInvalidMutation  = errors.New("optimistic: invalid mutation")
)

// Mutation describes one logical speculative change.
type Mutation struct {
	OperationID string
	EntityType  string
	EntityID    string
	Action      Action
	Speculative map[string]any // fields merged by ActionUpdate
	Keys        []string       // affected cache keys
}

// Update is the record of an applied Mutation.
type Update struct {
	ID               string
	OperationID      string
	EntityType       string
	EntityID         string
	Action           Action
	AppliedAt        time.Time
	OriginalSnapshot any
	SpeculativeValue map[string]any
	Keys             []string // keys actually changed
	Applied          bool
	Reverted         bool
	Committed        bool

	undo map[string]undo
}

// Notice is a user-facing message about cache state.
type Notice struct {
	OperationID string
	Level       string // "info" or "warning"
	Message     string
	Persistent  bool
}

const (
	MsgReverted           = "changes reverted"
	MsgRefreshRecommended = "some changes could not be reverted; refresh recommended"
)

// Notifier receives notices.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// KeyFailure is one cache key a revert could not restore.
type KeyFailure struct {
	Key string
	Err error
}

// RevertReport summarises a revert.
type RevertReport struct {
	OperationID string
	Updates     int
	Keys        []string
	FailedKeys  []KeyFailure
}

// Partial reports whether any key failed to revert.
func (r RevertReport) Partial() bool { return len(r.FailedKeys) > 0 }

// Engine owns every speculative update and the per-operation rollback
// stacks. Cache I/O is serialised under the engine mutex.
type Engine struct {
	cache    Cache
	clock    clock.Clock
	notifier Notifier
	log      zerolog.Logger

	mu           sync.Mutex
	updates      map[string]*Update
	stacks       map[string][]string
	needsRefresh bool
}

// NewEngine returns an Engine writing to cache.
func NewEngine(cache Cache, notifier Notifier, clk clock.Clock, log zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(Notice) {})
	}
	return &Engine{
		cache:    cache,
		clock:    clk,
		notifier: notifier,
		log:      log,
		updates:  make(map[string]*Update),
		stacks:   make(map[string][]string),
	}
}

func (m Mutation) validate() error {
	switch {
	case m.OperationID == "":
		return fmt.Errorf("%w: operation id required", ErrInvalidMutation)
	case m.EntityID == "":
		return fmt.Errorf("%w: entity id required", ErrInvalidMutation)
	case len(m.Keys) == 0:
		return fmt.Errorf("%w: no cache keys", ErrInvalidMutation)
	}
	switch m.Action {
	case ActionDelete:
	case ActionUpdate:
		if len(m.Speculative) == 0 {
			return fmt.Errorf("%w: update without fields", ErrInvalidMutation)
		}
	case ActionNullify:
		if m.EntityType == "" {
			return fmt.Errorf("%w: nullify needs an entity type", ErrInvalidMutation)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidMutation, m.Action)
	}
	return nil
}

func (m Mutation) transform(v any) (any, undo, bool) {
	switch m.Action {
	case ActionDelete:
		return applyDelete(v, m.EntityID)
	case ActionUpdate:
		return applyUpdate(v, m.EntityID, m.Speculative)
	default:
		return applyNullify(v, m.EntityType, m.EntityID)
	}
}

// Apply runs m against every key and registers the resulting update on the
// operation's rollback stack. If a write fails, keys already written for
// this update are restored and the error is returned.
func (e *Engine) Apply(ctx context.Context, m Mutation) (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var spec map[string]any
	if m.Speculative != nil {
		spec = deepCopy(m.Speculative).(map[string]any)
	}
	u := &Update{
		ID:               uuid.NewString(),
		OperationID:      m.OperationID,
		EntityType:       m.EntityType,
		EntityID:         m.EntityID,
		Action:           m.Action,
		AppliedAt:        e.clock.Now(),
		SpeculativeValue: spec,
		undo:             make(map[string]undo),
	}

	written := make(map[string]any) // key -> pre-apply value
	var order []string
	first := true
	for _, key := range m.Keys {
		if _, dup := u.undo[key]; dup {
			continue
		}
		cur, ok, err := e.cache.Read(ctx, key)
		if err != nil {
			e.restoreLocked(ctx, order, written)
			return "", fmt.Errorf("read cache key %s: %w", key, err)
		}
		if first {
			u.OriginalSnapshot = deepCopy(cur)
			first = false
		}
		if !ok {
			continue
		}
		next, un, changed := m.transform(cur)
		if !changed {
			continue
		}
		if err := e.cache.Write(ctx, key, next); err != nil {
			e.restoreLocked(ctx, order, written)
			return "", fmt.Errorf("write cache key %s: %w", key, err)
		}
		written[key] = cur
		order = append(order, key)
		u.undo[key] = un
	}

	u.Keys = order
	u.Applied = true
	e.updates[u.ID] = u
	e.stacks[m.OperationID] = append(e.stacks[m.OperationID], u.ID)
	metrics.OptimisticUpdates.WithLabelValues(string(m.Action)).Inc()
	e.log.Debug().Str("operation_id", m.OperationID).Str("update_id", u.ID).
		Str("action", string(m.Action)).Strs("keys", order).Msg("optimistic update applied")
	return u.ID, nil
}

func (e *Engine) restoreLocked(ctx context.Context, order []string, before map[string]any) {
	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		if err := e.cache.Write(ctx, key, before[key]); err != nil {
			e.needsRefresh = true
			e.log.Error().Err(err).Str("key", key).Msg("restore after failed apply")
		}
	}
}

// Commit marks the operation's updates non-revertible and drops its stack.
func (e *Engine) Commit(opID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids, ok := e.stacks[opID]
	if !ok {
		return ErrUnknownOperation
	}
	for _, id := range ids {
		if u := e.updates[id]; u != nil {
			u.Committed = true
		}
	}
	delete(e.stacks, opID)
	e.log.Debug().Str("operation_id", opID).Int("updates", len(ids)).Msg("optimistic updates committed")
	return nil
}

// Revert undoes every pending update of opID in LIFO order. Work is grouped
// per cache key so each key is read and written once. Keys that cannot be
// restored are reported, raise the refresh flag and a persistent warning;
// they are not returned as an error.
func (e *Engine) Revert(ctx context.Context, opID string) (RevertReport, error) {
	e.mu.Lock()
	ids, ok := e.stacks[opID]
	if !ok {
		e.mu.Unlock()
		return RevertReport{OperationID: opID}, ErrUnknownOperation
	}
	lifo := make([]*Update, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if u := e.updates[ids[i]]; u != nil {
			lifo = append(lifo, u)
		}
	}
	report := e.revertLocked(ctx, opID, lifo)
	delete(e.stacks, opID)
	e.mu.Unlock()

	e.announce(report)
	return report, nil
}

// RevertUpdate undoes a single update, which must be the top of its stack.
func (e *Engine) RevertUpdate(ctx context.Context, opID, updateID string) (RevertReport, error) {
	e.mu.Lock()
	ids, ok := e.stacks[opID]
	if !ok || len(ids) == 0 {
		e.mu.Unlock()
		return RevertReport{OperationID: opID}, ErrUnknownOperation
	}
	if _, known := e.updates[updateID]; !known {
		e.mu.Unlock()
		return RevertReport{OperationID: opID}, ErrUnknownUpdate
	}
	if ids[len(ids)-1] != updateID {
		e.mu.Unlock()
		return RevertReport{OperationID: opID}, ErrOutOfOrder
	}
	report := e.revertLocked(ctx, opID, []*Update{e.updates[updateID]})
	if rest := ids[:len(ids)-1]; len(rest) > 0 {
		e.stacks[opID] = rest
	} else {
		delete(e.stacks, opID)
	}
	e.mu.Unlock()

	e.announce(report)
	return report, nil
}

// revertLocked applies undos for updates, given newest first.
func (e *Engine) revertLocked(ctx context.Context, opID string, lifo []*Update) RevertReport {
	report := RevertReport{OperationID: opID, Updates: len(lifo)}

	var keys []string
	perKey := make(map[string][]undo)
	for _, u := range lifo {
		for _, k := range u.Keys {
			if _, seen := perKey[k]; !seen {
				keys = append(keys, k)
			}
			perKey[k] = append(perKey[k], u.undo[k])
		}
	}

	for _, k := range keys {
		if err := e.revertKey(ctx, k, perKey[k]); err != nil {
			report.FailedKeys = append(report.FailedKeys, KeyFailure{Key: k, Err: err})
			e.log.Error().Err(err).Str("operation_id", opID).Str("key", k).Msg("revert failed for cache key")
			continue
		}
		report.Keys = append(report.Keys, k)
	}

	for _, u := range lifo {
		u.Reverted = true
	}
	if report.Partial() {
		e.needsRefresh = true
		metrics.Rollbacks.WithLabelValues("partial").Inc()
	} else {
		metrics.Rollbacks.WithLabelValues("ok").Inc()
	}
	return report
}

func (e *Engine) revertKey(ctx context.Context, key string, undos []undo) error {
	cur, _, err := e.cache.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	for _, un := range undos {
		if cur, err = un.revert(cur); err != nil {
			return err
		}
	}
	if err := e.cache.Write(ctx, key, cur); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (e *Engine) announce(r RevertReport) {
	if r.Partial() {
		e.notifier.Notify(Notice{OperationID: r.OperationID, Level: "warning", Message: MsgRefreshRecommended, Persistent: true})
		e.log.Warn().Str("operation_id", r.OperationID).Int("failed_keys", len(r.FailedKeys)).
			Msg("partial rollback; refresh recommended")
		return
	}
	e.notifier.Notify(Notice{OperationID: r.OperationID, Level: "info", Message: MsgReverted})
	e.log.Info().Str("operation_id", r.OperationID).Int("updates", r.Updates).Msg("optimistic updates reverted")
}

// NeedsRefresh reports whether a rollback left the cache indeterminate.
func (e *Engine) NeedsRefresh() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsRefresh
}

// ClearRefresh resets the flag after the caller reloaded its data.
func (e *Engine) ClearRefresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.needsRefresh = false
}

// Stack returns the pending update ids for opID, oldest first.
func (e *Engine) Stack(opID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stacks[opID]...)
}

// Update returns a copy of the update record.
func (e *Engine) Update(id string) (Update, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.updates[id]
	if !ok {
		return Update{}, false
	}
	out := *u
	out.undo = nil
	out.OriginalSnapshot = deepCopy(u.OriginalSnapshot)
	out.Keys = append([]string(nil), u.Keys...)
	return out, true
}

// Pending returns the number of operations with a live rollback stack.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stacks)
}

// Prune forgets settled updates applied before olderThan.
func (e *Engine) Prune(olderThan time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, u := range e.updates {
		if (u.Committed || u.Reverted) && u.AppliedAt.Before(olderThan) {
			delete(e.updates, id)
			n++
		}
	}
	return n
}
