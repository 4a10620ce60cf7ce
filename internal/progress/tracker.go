// Package progress keeps a bounded history of progress snapshots per
// operation and derives rate, velocity and ETA from it. It is read-only
// with respect to the rest of the system.
package progress

import (
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/rs/zerolog"
)

const (
	DefaultCapacity       = 50
	DefaultSampleInterval = 2 * time.Second
)

// Progress is the server-reported state of an operation.
type Progress struct {
	Percentage        float64   `json:"percentage"`
	ProcessedEntities int       `json:"processedEntities"`
	Errors            int       `json:"errors"`
	Warnings          int       `json:"warnings"`
	StartedAt         time.Time `json:"startedAt"`
}

// Snapshot is one sampled point.
type Snapshot struct {
	OperationID         string    `json:"operationId"`
	Timestamp           time.Time `json:"timestamp"`
	Progress            Progress  `json:"progress"`
	EstimatedCompletion time.Time `json:"estimatedCompletion,omitempty"`
}

// Analytics are projections over an operation's history.
type Analytics struct {
	Samples       int
	Latest        Snapshot
	RatePerMs     float64 // percentage points per millisecond
	VelocityPerMs float64 // entities per millisecond
	ETA           time.Time
	Remaining     time.Duration
	OutOfOrder    int
	HasEstimate   bool
}

type ring struct {
	buf   []Snapshot
	start int
	n     int
}

func (r *ring) push(s Snapshot) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) first() Snapshot { return r.buf[r.start] }
func (r *ring) last() Snapshot  { return r.buf[(r.start+r.n-1)%len(r.buf)] }

func (r *ring) items() []Snapshot {
	out := make([]Snapshot, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

type tracked struct {
	history    ring
	latest     *Snapshot // most recent observation, not yet sampled
	latestAt   time.Time
	outOfOrder int
	timer      clock.Timer
}

// Tracker samples the most recent observation of every active operation
// into a ring buffer on a fixed interval.
type Tracker struct {
	capacity int
	interval time.Duration
	clock    clock.Clock
	log      zerolog.Logger

	mu  sync.Mutex
	ops map[string]*tracked
}

// NewTracker returns a Tracker. Zero capacity or interval take defaults.
func NewTracker(capacity int, interval time.Duration, clk clock.Clock, log zerolog.Logger) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{capacity: capacity, interval: interval, clock: clk, log: log, ops: make(map[string]*tracked)}
}

// Start begins tracking opID. Starting an active operation is a no-op.
func (t *Tracker) Start(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ops[opID]; ok {
		return
	}
	tr := &tracked{history: ring{buf: make([]Snapshot, t.capacity)}}
	t.ops[opID] = tr
	t.scheduleLocked(opID, tr)
}

func (t *Tracker) scheduleLocked(opID string, tr *tracked) {
	tr.timer = t.clock.AfterFunc(t.interval, func() { t.sample(opID, tr) })
}

func (t *Tracker) sample(opID string, tr *tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ops[opID] != tr {
		return
	}
	t.takeLocked(tr)
	t.scheduleLocked(opID, tr)
}

// takeLocked moves the pending observation into history.
func (t *Tracker) takeLocked(tr *tracked) {
	if tr.latest == nil {
		return
	}
	s := *tr.latest
	tr.latest = nil
	if tr.history.n > 0 {
		first := tr.history.first()
		if eta, ok := project(first, s); ok {
			s.EstimatedCompletion = eta
		}
	}
	tr.history.push(s)
}

// Observe records a progress event for opID. The first observation is
// sampled immediately; later ones replace the pending value until the next
// tick. Observations older than the newest seen are dropped and counted.
func (t *Tracker) Observe(opID string, p Progress, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.ops[opID]
	if !ok {
		return false
	}
	if !tr.latestAt.IsZero() && at.Before(tr.latestAt) {
		tr.outOfOrder++
		t.log.Debug().Str("operation_id", opID).Time("at", at).Time("latest", tr.latestAt).
			Msg("dropping out-of-order progress event")
		return false
	}
	tr.latestAt = at
	tr.latest = &Snapshot{OperationID: opID, Timestamp: at, Progress: p}
	if tr.history.n == 0 {
		t.takeLocked(tr)
	}
	return true
}

// Analytics projects the history of opID. The pending observation, if any,
// counts as the latest point.
func (t *Tracker) Analytics(opID string) (Analytics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.ops[opID]
	if !ok || (tr.history.n == 0 && tr.latest == nil) {
		return Analytics{}, false
	}
	var latest Snapshot
	if tr.latest != nil {
		latest = *tr.latest
	} else {
		latest = tr.history.last()
	}
	a := Analytics{Samples: tr.history.n, Latest: latest, OutOfOrder: tr.outOfOrder}
	if tr.history.n == 0 {
		return a, true
	}
	first := tr.history.first()
	dt := float64(latest.Timestamp.Sub(first.Timestamp).Milliseconds())
	if dt > 0 {
		a.RatePerMs = (latest.Progress.Percentage - first.Progress.Percentage) / dt
		a.VelocityPerMs = float64(latest.Progress.ProcessedEntities-first.Progress.ProcessedEntities) / dt
	}
	if eta, ok := project(first, latest); ok {
		a.ETA = eta
		a.HasEstimate = true
		a.Remaining = eta.Sub(latest.Timestamp)
		a.Latest.EstimatedCompletion = eta
	}
	return a, true
}

// project extrapolates linearly from first to latest to 100%.
func project(first, latest Snapshot) (time.Time, bool) {
	dp := latest.Progress.Percentage - first.Progress.Percentage
	dt := latest.Timestamp.Sub(first.Timestamp)
	if dp <= 0 || dt <= 0 {
		return time.Time{}, false
	}
	left := 100 - latest.Progress.Percentage
	if left <= 0 {
		return latest.Timestamp, true
	}
	return latest.Timestamp.Add(time.Duration(float64(dt) * left / dp)), true
}

// History returns the sampled snapshots of opID, oldest first.
func (t *Tracker) History(opID string) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.ops[opID]
	if !ok {
		return nil
	}
	return tr.history.items()
}

// Stop discards the history of opID.
func (t *Tracker) Stop(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.ops[opID]
	if !ok {
		return
	}
	if tr.timer != nil {
		tr.timer.Stop()
	}
	delete(t.ops, opID)
}

// Active returns the number of tracked operations.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}
