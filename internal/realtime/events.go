package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Inbound and outbound message types.
const (
	TypeProgress     = "cascade.progress"
	TypeComplete     = "cascade.complete"
	TypeError        = "cascade.error"
	TypeIntegrity    = "integrity.issue"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat.ack"
)

// Envelope is the wire frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// SubscriptionRequest is the payload of subscribe and unsubscribe.
type SubscriptionRequest struct {
	Operation string `json:"operation"`
	ID        string `json:"id"`
}

// ProgressEvent reports incremental progress. StudentID is accepted as the
// operation id when OperationID is absent.
type ProgressEvent struct {
	OperationID       string         `json:"operationId,omitempty"`
	StudentID         string         `json:"studentId,omitempty"`
	Step              string         `json:"step,omitempty"`
	Percentage        float64        `json:"percentage"`
	ProcessedEntities int            `json:"processedEntities,omitempty"`
	Errors            int            `json:"errors,omitempty"`
	Warnings          int            `json:"warnings,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// CompleteEvent reports the end of an operation.
type CompleteEvent struct {
	OperationID string         `json:"operationId"`
	Summary     map[string]any `json:"summary,omitempty"`
	DurationMs  int64          `json:"duration"`
	Success     bool           `json:"success"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ErrorEvent reports a server-side failure of an operation.
type ErrorEvent struct {
	OperationID string         `json:"operationId"`
	Error       string         `json:"error"`
	Code        string         `json:"code,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// IntegrityIssue is broadcast to integrity listeners.
type IntegrityIssue struct {
	Severity   string         `json:"severity"`
	Collection string         `json:"collection"`
	Count      int            `json:"count"`
	Fixable    bool           `json:"fixable"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// routing extracts the operation id from any cascade.* payload.
type routing struct {
	OperationID string `json:"operationId"`
	StudentID   string `json:"studentId"`
}

func (r routing) id() string {
	if r.OperationID != "" {
		return r.OperationID
	}
	return r.StudentID
}

// Handlers receive events for one subscribed operation. Nil fields are skipped.
type Handlers struct {
	OnProgress func(ProgressEvent)
	OnComplete func(CompleteEvent)
	OnError    func(ErrorEvent)
}

// Conn is one established duplex connection.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
