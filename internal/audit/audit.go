// Package audit defines the structured events emitted around deletion
// attempts and the sinks that receive them.
package audit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Event types.
const (
	VerificationStarted       = "verification_started"
	VerificationStepCompleted = "verification_step_completed"
	VerificationCompleted     = "verification_completed"
	VerificationFailed        = "verification_failed"
	PermissionCheck           = "permission_check"
	RateLimitHit              = "rate_limit_hit"
	SuspiciousActivity        = "suspicious_activity"
	OperationStarted          = "operation_started"
	OperationCompleted        = "operation_completed"
	OperationFailed           = "operation_failed"
	OperationCancelled        = "operation_cancelled"
)

// Event is one audit record.
type Event struct {
	ID            string            `json:"id" msgpack:"id"`
	Type          string            `json:"type" msgpack:"type"`
	UserID        string            `json:"userId" msgpack:"user_id"`
	OperationKind string            `json:"operationKind" msgpack:"operation_kind"`
	EntityID      string            `json:"entityId,omitempty" msgpack:"entity_id,omitempty"`
	OperationID   string            `json:"operationId,omitempty" msgpack:"operation_id,omitempty"`
	ReasonCode    string            `json:"reasonCode,omitempty" msgpack:"reason_code,omitempty"`
	Details       map[string]string `json:"details,omitempty" msgpack:"details,omitempty"`
	Timestamp     time.Time         `json:"timestamp" msgpack:"timestamp"`
}

// New returns an Event stamped with a time-sortable id.
func New(eventType, userID, kind, entityID string, at time.Time) Event {
	return Event{
		ID:            ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Type:          eventType,
		UserID:        userID,
		OperationKind: kind,
		EntityID:      entityID,
		Timestamp:     at.UTC(),
	}
}

// Sink receives audit events. Record must not block on I/O for long;
// implementations that deliver remotely queue internally.
type Sink interface {
	Record(evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}

// LogSink writes events as structured log lines.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Record(evt Event) {
	e := s.Log.Info().
		Str("audit_id", evt.ID).
		Str("audit_type", evt.Type).
		Str("user_id", evt.UserID).
		Str("operation_kind", evt.OperationKind).
		Time("at", evt.Timestamp)
	if evt.EntityID != "" {
		e = e.Str("entity_id", evt.EntityID)
	}
	if evt.OperationID != "" {
		e = e.Str("operation_id", evt.OperationID)
	}
	if evt.ReasonCode != "" {
		e = e.Str("reason_code", evt.ReasonCode)
	}
	for k, v := range evt.Details {
		e = e.Str(k, v)
	}
	e.Msg("audit")
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Record(evt Event) {
	for _, s := range m {
		if s != nil {
			s.Record(evt)
		}
	}
}

// Recorder keeps events in memory. Tests use it to assert emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
