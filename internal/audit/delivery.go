package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/developingchet/cascade-guard/internal/pool"
	"github.com/rs/zerolog"
)

// Journal persists events locally.
type Journal interface {
	AppendAudit(evt Event) error
}

// JournalSink writes every event to a local Journal. Write failures are
// logged and otherwise ignored so auditing never blocks a deletion flow.
type JournalSink struct {
	Journal Journal
	Log     zerolog.Logger
}

func (s JournalSink) Record(evt Event) {
	if err := s.Journal.AppendAudit(evt); err != nil {
		s.Log.Warn().Err(err).Str("audit_id", evt.ID).Msg("audit journal append failed")
	}
}

// Poster delivers events to the remote audit endpoint.
type Poster interface {
	PostAuditEvents(ctx context.Context, events []Event) error
}

// Shipper queues events on a worker pool for remote delivery with retry.
type Shipper struct {
	pool *pool.Pool
	log  zerolog.Logger
}

// NewShipper builds the delivery pool. Call Start before recording.
func NewShipper(poster Poster, cfg pool.Config, log zerolog.Logger) (*Shipper, error) {
	handler := func(ctx context.Context, job pool.Job) error {
		var evt Event
		if err := json.Unmarshal(job.Payload, &evt); err != nil {
			// Undecodable payloads will never succeed; drop without retry.
			log.Error().Err(err).Str("key", job.Key).Msg("audit payload undecodable")
			return nil
		}
		if err := poster.PostAuditEvents(ctx, []Event{evt}); err != nil {
			return fmt.Errorf("post audit event %s: %w", evt.ID, err)
		}
		return nil
	}
	p, err := pool.New(cfg, handler, log)
	if err != nil {
		return nil, fmt.Errorf("create audit pool: %w", err)
	}
	return &Shipper{pool: p, log: log}, nil
}

// Start launches delivery workers bound to ctx.
func (s *Shipper) Start(ctx context.Context) { s.pool.Start(ctx) }

// Stop drains queued events.
func (s *Shipper) Stop() { s.pool.Stop() }

// Depth reports queued, undelivered events.
func (s *Shipper) Depth() int { return s.pool.Depth() }

func (s *Shipper) Record(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.log.Error().Err(err).Str("audit_id", evt.ID).Msg("marshal audit event")
		return
	}
	s.pool.Enqueue(pool.Job{Kind: "audit", Key: evt.ID, Payload: payload})
}
