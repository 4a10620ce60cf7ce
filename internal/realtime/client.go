// Package realtime is the long-lived duplex connection that delivers
// progress, completion and error events for in-flight deletions.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/metrics"
	"github.com/developingchet/cascade-guard/internal/pool"
	"github.com/rs/zerolog"
)

// Config tunes the client. Zero fields take DefaultConfig values.
type Config struct {
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	QueueSize         int
	QueueMaxAge       time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns the stock transport settings.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
		MaxAttempts:       10,
		HeartbeatInterval: 30 * time.Second,
		QueueSize:         100,
		QueueMaxAge:       60 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.QueueMaxAge <= 0 {
		c.QueueMaxAge = d.QueueMaxAge
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// SubscriptionOperation is the operation name sent with subscribe frames.
const SubscriptionOperation = "cascade"

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("realtime: client closed")

type queued struct {
	env Envelope
	at  time.Time
}

type subscriber struct {
	id uint64
	h  Handlers
}

// Client multiplexes every operation subscription over one connection.
type Client struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	log    zerolog.Logger

	life       context.Context
	lifeCancel context.CancelFunc

	// writeMu orders every frame written to the connection, including the
	// post-connect flush, ahead of concurrent sends.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	stats      Stats
	conn       Conn
	connGen    uint64
	manual     bool
	closed     bool
	everOpened bool
	retryTimer clock.Timer
	hbTimer    clock.Timer
	queue      []queued

	nextID    uint64
	subs      map[string][]subscriber
	status    map[uint64]func(State, Stats)
	integrity map[uint64]func(IntegrityIssue)
}

// NewClient returns a disconnected client.
func NewClient(cfg Config, dialer Dialer, clk clock.Clock, log zerolog.Logger) *Client {
	if clk == nil {
		clk = clock.Real()
	}
	life, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		clock:      clk,
		log:        log,
		life:       life,
		lifeCancel: cancel,
		state:      StateDisconnected,
		subs:       make(map[string][]subscriber),
		status:     make(map[uint64]func(State, Stats)),
		integrity:  make(map[uint64]func(IntegrityIssue)),
	}
	publishState(StateDisconnected)
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the connection counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Client) statsLocked() Stats {
	s := c.stats
	s.QueueDepth = len(c.queue)
	return s
}

// moveLocked applies t and returns a notification to deliver after unlock.
func (c *Client) moveLocked(t trigger) (func(), bool) {
	n, ok := next(c.state, t)
	if !ok {
		c.log.Debug().Str("state", string(c.state)).Str("trigger", string(t)).Msg("ignored transition")
		return func() {}, false
	}
	c.state = n
	publishState(n)
	return c.notifyLocked(), true
}

func (c *Client) notifyLocked() func() {
	state, stats := c.state, c.statsLocked()
	ids := make([]uint64, 0, len(c.status))
	for id := range c.status {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(State, Stats), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.status[id])
	}
	return func() {
		for _, fn := range fns {
			fn(state, stats)
		}
	}
}

// Connect dials once. On failure the client moves to Reconnecting and keeps
// retrying in the background; the dial error is still returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.stats.Attempt = 0
	notify, _ := c.moveLocked(trConnect)
	c.mu.Unlock()
	notify()

	conn, err := c.dial(ctx)
	if err != nil {
		c.dialFailed(err)
		return err
	}
	if !c.opened(conn, StateConnecting) {
		conn.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return c.dialer.Dial(dctx)
}

// dialFailed records err and schedules the next attempt.
func (c *Client) dialFailed(err error) {
	c.mu.Lock()
	if c.manual || (c.state != StateConnecting && c.state != StateReconnecting) {
		c.mu.Unlock()
		return
	}
	c.stats.TotalErrors++
	c.stats.LastError = err.Error()
	if c.state == StateReconnecting {
		metrics.TransportReconnects.WithLabelValues("failure").Inc()
	}
	notify, _ := c.moveLocked(trDialFailed)
	more := c.scheduleRetryLocked()
	c.mu.Unlock()
	c.log.Warn().Err(err).Msg("realtime dial failed")
	notify()
	more()
}

// scheduleRetryLocked arms the backoff timer or gives up.
func (c *Client) scheduleRetryLocked() func() {
	c.stats.Attempt++
	if c.stats.Attempt > c.cfg.MaxAttempts {
		metrics.TransportReconnects.WithLabelValues("exhausted").Inc()
		notify, _ := c.moveLocked(trExhausted)
		c.log.Error().Int("attempts", c.cfg.MaxAttempts).Msg("realtime reconnect attempts exhausted")
		return notify
	}
	delay := Backoff(c.cfg.ReconnectBase, c.cfg.ReconnectMax, c.stats.Attempt)
	c.log.Info().Int("attempt", c.stats.Attempt).Dur("delay", delay).Msg("realtime reconnect scheduled")
	c.retryTimer = c.clock.AfterFunc(delay, c.retry)
	return func() {}
}

// Backoff is the reconnect delay for attempt (1-based).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	return pool.Backoff(base, max, attempt)
}

func (c *Client) retry() {
	c.mu.Lock()
	if c.manual || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	conn, err := c.dial(c.life)
	if err != nil {
		c.dialFailed(err)
		return
	}
	if !c.opened(conn, StateReconnecting) {
		conn.Close()
		return
	}
	metrics.TransportReconnects.WithLabelValues("success").Inc()
}

// opened installs conn if the client is still in from. It resubscribes
// every active operation and flushes the queue before any other write.
func (c *Client) opened(conn Conn, from State) bool {
	c.writeMu.Lock()

	c.mu.Lock()
	if c.manual || c.state != from {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return false
	}
	now := c.clock.Now()
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.stats.TotalConnections++
	if c.everOpened {
		c.stats.TotalReconnects++
	}
	c.everOpened = true
	c.stats.LastConnected = now
	c.stats.Attempt = 0
	c.stats.LastError = ""

	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	pending := c.drainQueueLocked(now)
	notify, _ := c.moveLocked(trOpen)
	c.hbTimer = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeat(gen) })
	c.mu.Unlock()

	c.log.Info().Uint64("generation", gen).Int("subscriptions", len(ids)).Int("flushed", len(pending)).
		Msg("realtime connected")
	go c.readLoop(conn, gen)
	c.flush(conn, ids, pending)
	c.writeMu.Unlock()
	notify()
	return true
}

// flush resubscribes ids then replays pending. Frames not written are put
// back at the head of the queue for the next connection. Caller holds
// writeMu.
func (c *Client) flush(conn Conn, ids []string, pending []queued) {
	for _, id := range ids {
		env, _ := NewEnvelope(TypeSubscribe, SubscriptionRequest{Operation: SubscriptionOperation, ID: id})
		if err := c.writeLocked(conn, env); err != nil {
			c.requeue(pending)
			return
		}
	}
	for i, q := range pending {
		if err := c.writeLocked(conn, q.env); err != nil {
			c.requeue(pending[i:])
			return
		}
	}
}

// requeue puts unsent ahead of anything queued since the drain, keeping
// their original enqueue times.
func (c *Client) requeue(unsent []queued) {
	if len(unsent) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := make([]queued, 0, len(unsent)+len(c.queue))
	q = append(q, unsent...)
	c.queue = append(q, c.queue...)
	if over := len(c.queue) - c.cfg.QueueSize; over > 0 {
		c.queue = append(c.queue[:0], c.queue[over:]...)
		metrics.JobsDropped.WithLabelValues("queue_overflow").Add(float64(over))
	}
	metrics.TransportQueueDepth.Set(float64(len(c.queue)))
}

// drainQueueLocked empties the queue, dropping entries older than the age cap.
func (c *Client) drainQueueLocked(now time.Time) []queued {
	out := make([]queued, 0, len(c.queue))
	for _, q := range c.queue {
		if now.Sub(q.at) > c.cfg.QueueMaxAge {
			metrics.JobsDropped.WithLabelValues("stale_frame").Inc()
			continue
		}
		out = append(out, q)
	}
	c.queue = nil
	metrics.TransportQueueDepth.Set(0)
	return out
}

// writeLocked writes env on conn. Caller holds writeMu.
func (c *Client) writeLocked(conn Conn, env Envelope) error {
	ctx, cancel := context.WithTimeout(c.life, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, env); err != nil {
		c.mu.Lock()
		c.stats.TotalErrors++
		c.stats.LastError = err.Error()
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("type", env.Type).Msg("realtime write failed")
		return err
	}
	metrics.TransportMessages.WithLabelValues("out", env.Type).Inc()
	return nil
}

// Send writes env now when connected, otherwise queues it. The queue keeps
// the newest QueueSize frames. It is the path for application frames that
// must reach the server once; subscriptions and heartbeats bypass it because
// they are rebuilt on every connection.
func (c *Client) Send(env Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		if err := c.writeLocked(conn, env); err != nil {
			c.enqueue(env)
		}
		return
	}
	c.enqueueLocked(env)
	c.mu.Unlock()
}

func (c *Client) enqueue(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(env)
}

func (c *Client) enqueueLocked(env Envelope) {
	c.queue = append(c.queue, queued{env: env, at: c.clock.Now()})
	if over := len(c.queue) - c.cfg.QueueSize; over > 0 {
		c.queue = append(c.queue[:0], c.queue[over:]...)
		metrics.JobsDropped.WithLabelValues("queue_overflow").Add(float64(over))
	}
	metrics.TransportQueueDepth.Set(float64(len(c.queue)))
}

// sendIfConnected writes control frames that are meaningless to replay.
func (c *Client) sendIfConnected(env Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	ok := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if ok {
		_ = c.writeLocked(conn, env)
	}
}

func (c *Client) heartbeat(gen uint64) {
	c.mu.Lock()
	if c.connGen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.hbTimer = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeat(gen) })
	c.mu.Unlock()
	c.sendIfConnected(Envelope{Type: TypeHeartbeat})
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		env, err := conn.Read(c.life)
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		c.dispatch(env)
	}
}

// connectionLost handles the end of connection gen. Manual disconnects
// have already bumped the generation, so they never reconnect here.
func (c *Client) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if c.connGen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stats.LastDisconnected = c.clock.Now()
	c.stats.TotalErrors++
	c.stats.LastError = cause.Error()
	if c.hbTimer != nil {
		c.hbTimer.Stop()
	}
	notify, _ := c.moveLocked(trClose)
	more := c.scheduleRetryLocked()
	c.mu.Unlock()
	c.log.Warn().Err(cause).Msg("realtime connection lost")
	notify()
	more()
}

func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	c.stats.TotalMessages++
	c.mu.Unlock()
	metrics.TransportMessages.WithLabelValues("in", env.Type).Inc()

	switch env.Type {
	case TypeHeartbeat:
		c.sendIfConnected(Envelope{Type: TypeHeartbeatAck})
	case TypeHeartbeatAck:
	case TypeProgress, TypeComplete, TypeError:
		c.dispatchOperation(env)
	case TypeIntegrity:
		var issue IntegrityIssue
		if err := json.Unmarshal(env.Payload, &issue); err != nil {
			c.decodeFailed(env, err)
			return
		}
		for _, fn := range c.integrityListeners() {
			fn(issue)
		}
	default:
		c.log.Debug().Str("type", env.Type).Msg("ignoring unknown realtime message")
	}
}

func (c *Client) decodeFailed(env Envelope, err error) {
	c.mu.Lock()
	c.stats.TotalErrors++
	c.stats.LastError = fmt.Sprintf("decode %s: %v", env.Type, err)
	c.mu.Unlock()
	c.log.Warn().Err(err).Str("type", env.Type).Msg("undecodable realtime payload")
}

func (c *Client) dispatchOperation(env Envelope) {
	var r routing
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		c.decodeFailed(env, err)
		return
	}
	subs := c.subscribers(r.id())
	if len(subs) == 0 {
		return
	}
	switch env.Type {
	case TypeProgress:
		var ev ProgressEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			c.decodeFailed(env, err)
			return
		}
		if ev.OperationID == "" {
			ev.OperationID = ev.StudentID
		}
		for _, s := range subs {
			if s.h.OnProgress != nil {
				s.h.OnProgress(ev)
			}
		}
	case TypeComplete:
		var ev CompleteEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			c.decodeFailed(env, err)
			return
		}
		ev.OperationID = r.id()
		for _, s := range subs {
			if s.h.OnComplete != nil {
				s.h.OnComplete(ev)
			}
		}
	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			c.decodeFailed(env, err)
			return
		}
		ev.OperationID = r.id()
		for _, s := range subs {
			if s.h.OnError != nil {
				s.h.OnError(ev)
			}
		}
	}
}

func (c *Client) subscribers(opID string) []subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]subscriber(nil), c.subs[opID]...)
}

func (c *Client) integrityListeners() []func(IntegrityIssue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.integrity))
	for id := range c.integrity {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(IntegrityIssue), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.integrity[id])
	}
	return out
}

// Subscribe registers h for opID and returns an idempotent unsubscribe.
// The server is told to forward opID when the first subscriber arrives and
// to stop when the last one leaves.
func (c *Client) Subscribe(opID string, h Handlers) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.subs[opID]) == 0
	c.subs[opID] = append(c.subs[opID], subscriber{id: id, h: h})
	c.mu.Unlock()

	if first {
		env, _ := NewEnvelope(TypeSubscribe, SubscriptionRequest{Operation: SubscriptionOperation, ID: opID})
		c.sendIfConnected(env)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(opID, id) })
	}
}

func (c *Client) unsubscribe(opID string, id uint64) {
	c.mu.Lock()
	list := c.subs[opID]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(c.subs, opID)
	} else {
		c.subs[opID] = list
	}
	c.mu.Unlock()

	if last {
		env, _ := NewEnvelope(TypeUnsubscribe, SubscriptionRequest{Operation: SubscriptionOperation, ID: opID})
		c.sendIfConnected(env)
	}
}

// Subscriptions returns the operation ids with at least one subscriber.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OnStatus registers fn for every state transition.
func (c *Client) OnStatus(fn func(State, Stats)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.status[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.status, id)
			c.mu.Unlock()
		})
	}
}

// OnIntegrityIssue registers fn for integrity.issue broadcasts.
func (c *Client) OnIntegrityIssue(fn func(IntegrityIssue)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.integrity[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.integrity, id)
			c.mu.Unlock()
		})
	}
}

// Disconnect closes the connection and suppresses automatic reconnection
// until the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	if c.hbTimer != nil {
		c.hbTimer.Stop()
	}
	conn := c.conn
	c.conn = nil
	c.connGen++
	if conn != nil {
		c.stats.LastDisconnected = c.clock.Now()
	}
	notify, _ := c.moveLocked(trDisconnect)
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("realtime close")
		}
	}
	notify()
}

// Close disconnects and releases the client. It cannot be reconnected.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	c.lifeCancel()
}

// QueueDepth returns the number of frames waiting for a connection.
func (c *Client) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
