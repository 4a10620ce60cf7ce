// Package security holds the per-user policy state that gates deletion
// attempts: permission scope, rate-limit windows, session validity and the
// sticky suspicious-activity flag.
package security

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// Reason codes, listed in evaluation priority order.
const (
	ReasonNoAuth                  = "NO_AUTH"
	ReasonSessionExpired          = "SESSION_EXPIRED"
	ReasonSuspiciousActivity      = "SUSPICIOUS_ACTIVITY"
	ReasonRateLimited             = "RATE_LIMITED"
	ReasonInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	ReasonEntityAccessDenied      = "ENTITY_ACCESS_DENIED"
	ReasonOffHours                = "OFF_HOURS"
)

// Decision is the result of Evaluate.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	ReasonCode string `json:"reasonCode,omitempty"`
}

// Grant describes an authenticated session as returned by login or refresh.
type Grant struct {
	UserID        string
	Role          Role
	ValidUntil    time.Time // zero means now + Config.SessionTTL
	OwnedEntities []string
}

// SessionRefresher extends the backend session.
type SessionRefresher interface {
	RefreshSession(ctx context.Context) (Grant, error)
}

// Config tunes the store. Zero durations, a nil role map and a nil location
// take DefaultConfig values; zero counts disable the matching check.
type Config struct {
	SessionTTL       time.Duration
	RateWindow       time.Duration
	RolePerMinute    map[Role]int
	BulkPerMinute    int
	CleanupPerMinute int

	OffHoursEnabled bool
	OffHoursStart   int // hour of day, inclusive
	OffHoursEnd     int // hour of day, exclusive
	Location        *time.Location

	ActivityLogSize int

	AnomalyRateLimitHits   int
	AnomalyRateLimitWindow time.Duration
	AnomalyBurstAttempts   int
	AnomalyBurstWindow     time.Duration
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		SessionTTL: 30 * time.Minute,
		RateWindow: time.Minute,
		RolePerMinute: map[Role]int{
			RoleAdmin:   20,
			RoleManager: 10,
			RoleStaff:   5,
			RoleViewer:  0,
		},
		BulkPerMinute:          2,
		CleanupPerMinute:       1,
		OffHoursEnabled:        true,
		OffHoursStart:          22,
		OffHoursEnd:            6,
		Location:               time.Local,
		ActivityLogSize:        100,
		AnomalyRateLimitHits:   3,
		AnomalyRateLimitWindow: 5 * time.Minute,
		AnomalyBurstAttempts:   10,
		AnomalyBurstWindow:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.RolePerMinute == nil {
		c.RolePerMinute = d.RolePerMinute
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.ActivityLogSize <= 0 {
		c.ActivityLogSize = d.ActivityLogSize
	}
	if c.AnomalyRateLimitWindow <= 0 {
		c.AnomalyRateLimitWindow = d.AnomalyRateLimitWindow
	}
	if c.AnomalyBurstWindow <= 0 {
		c.AnomalyBurstWindow = d.AnomalyBurstWindow
	}
	return c
}

// Activity actions recorded in the log.
const (
	ActivityAttempt       = "attempt"
	ActivityRateLimitHit  = "rate_limit_hit"
	ActivityDenied        = "denied"
	ActivitySuspicious    = "suspicious"
	ActivitySessionExpire = "session_expired"
)

// Activity is one entry of the capped activity log.
type Activity struct {
	At     time.Time     `json:"at"`
	Action string        `json:"action"`
	Kind   OperationKind `json:"kind,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

// State is a point-in-time copy of the session.
type State struct {
	Authenticated              bool
	UserID                     string
	Role                       Role
	Scope                      PermissionScope
	SessionValidUntil          time.Time
	SuspiciousActivityDetected bool
	SuspiciousReason           string
	RateLimits                 map[Counter]RateLimitStatus
	Activity                   []Activity
}

// Store is the policy state for one user session. It is safe for
// concurrent use; every mutation happens under a single mutex.
type Store struct {
	cfg       Config
	refresher SessionRefresher
	sink      audit.Sink
	clock     clock.Clock
	log       zerolog.Logger

	mu         sync.Mutex
	authed     bool
	userID     string
	role       Role
	scope      PermissionScope
	validUntil time.Time
	suspicious bool
	suspReason string
	limits     map[Counter]*RateLimitStatus
	activity   []Activity
}

// New builds an unauthenticated store. Call Login to open a session.
func New(cfg Config, refresher SessionRefresher, sink audit.Sink, clk clock.Clock, log zerolog.Logger) *Store {
	if sink == nil {
		sink = audit.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		cfg:       cfg.withDefaults(),
		refresher: refresher,
		sink:      sink,
		clock:     clk,
		log:       log,
		limits:    newLimits(),
	}
}

func newLimits() map[Counter]*RateLimitStatus {
	return map[Counter]*RateLimitStatus{
		CounterSingle:  {},
		CounterBulk:    {},
		CounterCleanup: {},
	}
}

// Login opens a session from grant, replacing any existing one.
func (s *Store) Login(g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.authed = true
	s.userID = g.UserID
	s.suspicious = false
	s.suspReason = ""
	s.limits = newLimits()
	s.activity = nil
	s.applyGrantLocked(g, now)
	s.log.Info().Str("user_id", g.UserID).Str("role", string(g.Role)).
		Time("valid_until", s.validUntil).Msg("session opened")
}

// Logout disposes the session.
func (s *Store) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authed {
		s.log.Info().Str("user_id", s.userID).Msg("session closed")
	}
	s.authed = false
	s.userID = ""
	s.role = ""
	s.scope = PermissionScope{}
	s.validUntil = time.Time{}
	s.suspicious = false
	s.suspReason = ""
	s.limits = newLimits()
	s.activity = nil
}

func (s *Store) applyGrantLocked(g Grant, now time.Time) {
	s.role = g.Role
	s.scope = ScopeForRole(g.Role, s.cfg.RolePerMinute, g.OwnedEntities)
	if g.ValidUntil.IsZero() {
		s.validUntil = now.Add(s.cfg.SessionTTL)
	} else {
		s.validUntil = g.ValidUntil
	}
}

// UserID returns the authenticated user, or "" when logged out.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Evaluate answers whether kind may proceed against entityID. The first
// failing check wins. Evaluate never mutates rate-limit counters.
func (s *Store) Evaluate(kind OperationKind, entityID string) Decision {
	s.mu.Lock()
	now := s.clock.Now()
	reason := s.reasonLocked(kind, entityID, now)
	userID := s.userID
	if reason != "" {
		s.appendActivityLocked(Activity{At: now, Action: ActivityDenied, Kind: kind, Detail: reason})
	}
	s.mu.Unlock()

	d := Decision{Allowed: reason == "", ReasonCode: reason}
	label := reason
	if label == "" {
		label = "ALLOWED"
	}
	metrics.PolicyEvaluations.WithLabelValues(string(kind), label).Inc()

	evt := audit.New(audit.PermissionCheck, userID, string(kind), entityID, now)
	evt.ReasonCode = reason
	evt.Details = map[string]string{"allowed": strconv.FormatBool(d.Allowed)}
	s.sink.Record(evt)
	return d
}

func (s *Store) reasonLocked(kind OperationKind, entityID string, now time.Time) string {
	switch {
	case !s.authed:
		return ReasonNoAuth
	case !now.Before(s.validUntil):
		return ReasonSessionExpired
	case s.suspicious:
		return ReasonSuspiciousActivity
	case s.limits[CounterFor(kind)].lockedAt(now):
		return ReasonRateLimited
	case !s.scope.Allows(kind):
		return ReasonInsufficientPermissions
	case !s.scope.CoversEntity(entityID):
		return ReasonEntityAccessDenied
	case s.offHoursLocked(kind, now):
		return ReasonOffHours
	}
	return ""
}

func (s *Store) offHoursLocked(kind OperationKind, now time.Time) bool {
	if !s.cfg.OffHoursEnabled || s.scope.TopTier {
		return false
	}
	if kind != Bulk && kind != Cascade {
		return false
	}
	return InWindow(now.In(s.cfg.Location).Hour(), s.cfg.OffHoursStart, s.cfg.OffHoursEnd)
}

// InWindow reports whether hour lies in [start, end), wrapping past
// midnight when start > end.
func InWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (s *Store) maxForLocked(c Counter) int {
	switch c {
	case CounterBulk:
		return s.cfg.BulkPerMinute
	case CounterCleanup:
		return s.cfg.CleanupPerMinute
	default:
		return s.scope.MaxDeletionsPerMinute
	}
}

// RecordAttempt counts one attempt of kind. An elapsed window is reset
// before counting. A locked window refuses the attempt without counting it
// and reports false.
func (s *Store) RecordAttempt(kind OperationKind) (RateLimitStatus, bool) {
	counter := CounterFor(kind)

	s.mu.Lock()
	now := s.clock.Now()
	st := s.limits[counter]
	if st.elapsed(now) {
		st.reset(now, s.cfg.RateWindow)
	}
	max := s.maxForLocked(counter)
	if st.IsLocked || max <= 0 {
		if max <= 0 {
			st.IsLocked = true
		}
		s.appendActivityLocked(Activity{At: now, Action: ActivityRateLimitHit, Kind: kind})
		flagged := s.detectAnomalyLocked(now)
		out, userID := *st, s.userID
		s.mu.Unlock()

		metrics.RateLimitHits.WithLabelValues(string(counter)).Inc()
		evt := audit.New(audit.RateLimitHit, userID, string(kind), "", now)
		evt.ReasonCode = ReasonRateLimited
		evt.Details = map[string]string{"count": strconv.Itoa(out.Count), "reset_time": out.ResetTime.UTC().Format(time.RFC3339)}
		s.sink.Record(evt)
		s.log.Warn().Str("counter", string(counter)).Int("count", out.Count).
			Time("reset_time", out.ResetTime).Msg("rate limit hit")
		s.emitSuspicious(flagged, userID, kind, now)
		return out, false
	}
	st.increment(max)
	s.appendActivityLocked(Activity{At: now, Action: ActivityAttempt, Kind: kind})
	flagged := s.detectAnomalyLocked(now)
	out, userID := *st, s.userID
	s.mu.Unlock()

	s.emitSuspicious(flagged, userID, kind, now)
	return out, true
}

// detectAnomalyLocked flags the session when the activity log crosses a
// heuristic threshold. It returns the reason when the flag was newly set.
func (s *Store) detectAnomalyLocked(now time.Time) string {
	if s.suspicious {
		return ""
	}
	hits, attempts := 0, 0
	for _, a := range s.activity {
		switch a.Action {
		case ActivityRateLimitHit:
			if now.Sub(a.At) <= s.cfg.AnomalyRateLimitWindow {
				hits++
			}
		case ActivityAttempt:
			if now.Sub(a.At) <= s.cfg.AnomalyBurstWindow {
				attempts++
			}
		}
	}
	var reason string
	switch {
	case s.cfg.AnomalyRateLimitHits > 0 && hits >= s.cfg.AnomalyRateLimitHits:
		reason = "repeated rate limit hits"
	case s.cfg.AnomalyBurstAttempts > 0 && attempts >= s.cfg.AnomalyBurstAttempts:
		reason = "attempt burst"
	default:
		return ""
	}
	s.setSuspiciousLocked(reason, now)
	return reason
}

func (s *Store) emitSuspicious(reason, userID string, kind OperationKind, now time.Time) {
	if reason == "" {
		return
	}
	metrics.SuspiciousFlags.WithLabelValues("heuristic").Inc()
	evt := audit.New(audit.SuspiciousActivity, userID, string(kind), "", now)
	evt.ReasonCode = ReasonSuspiciousActivity
	evt.Details = map[string]string{"reason": reason}
	s.sink.Record(evt)
	s.log.Warn().Str("user_id", userID).Str("reason", reason).Msg("suspicious activity detected")
}

// FlagSuspicious marks the session suspicious until AdminUnlock.
func (s *Store) FlagSuspicious(reason string) {
	s.mu.Lock()
	now := s.clock.Now()
	already := s.suspicious
	s.setSuspiciousLocked(reason, now)
	userID := s.userID
	s.mu.Unlock()
	if already {
		return
	}
	metrics.SuspiciousFlags.WithLabelValues("manual").Inc()
	evt := audit.New(audit.SuspiciousActivity, userID, "", "", now)
	evt.ReasonCode = ReasonSuspiciousActivity
	evt.Details = map[string]string{"reason": reason}
	s.sink.Record(evt)
	s.log.Warn().Str("user_id", userID).Str("reason", reason).Msg("session flagged suspicious")
}

func (s *Store) setSuspiciousLocked(reason string, now time.Time) {
	if s.suspicious {
		return
	}
	s.suspicious = true
	s.suspReason = reason
	s.appendActivityLocked(Activity{At: now, Action: ActivitySuspicious, Detail: reason})
}

// ErrAdminRequired is returned by AdminUnlock without an administrator id.
var ErrAdminRequired = errors.New("security: admin id required for unlock")

// AdminUnlock clears the suspicious flag and any locked rate-limit windows.
func (s *Store) AdminUnlock(adminID string) error {
	if adminID == "" {
		return ErrAdminRequired
	}
	s.mu.Lock()
	was := s.suspicious
	s.suspicious = false
	s.suspReason = ""
	for _, st := range s.limits {
		st.IsLocked = false
	}
	// Drop counted history so the heuristics do not re-flag immediately.
	s.activity = nil
	userID := s.userID
	s.mu.Unlock()
	s.log.Info().Str("admin_id", adminID).Str("user_id", userID).Bool("was_suspicious", was).
		Msg("session unlocked")
	return nil
}

// RefreshSession extends the session through the refresher. A rejected
// refresh leaves the session expired and returns false.
func (s *Store) RefreshSession(ctx context.Context) bool {
	s.mu.Lock()
	authed := s.authed
	s.mu.Unlock()
	if !authed || s.refresher == nil {
		metrics.SessionRefreshes.WithLabelValues("skipped").Inc()
		return false
	}

	g, err := s.refresher.RefreshSession(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if !s.authed {
		// Logged out while the refresh was in flight.
		return false
	}
	if err != nil {
		if s.validUntil.After(now) {
			s.validUntil = now
		}
		s.appendActivityLocked(Activity{At: now, Action: ActivitySessionExpire, Detail: err.Error()})
		metrics.SessionRefreshes.WithLabelValues("rejected").Inc()
		s.log.Warn().Err(err).Str("user_id", s.userID).Msg("session refresh rejected")
		return false
	}
	if g.UserID != "" {
		s.userID = g.UserID
	}
	s.applyGrantLocked(g, now)
	metrics.SessionRefreshes.WithLabelValues("ok").Inc()
	s.log.Debug().Str("user_id", s.userID).Time("valid_until", s.validUntil).Msg("session refreshed")
	return true
}

// SessionValidUntil returns the current expiry.
func (s *Store) SessionValidUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validUntil
}

// Snapshot returns a copy of the session state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Authenticated:              s.authed,
		UserID:                     s.userID,
		Role:                       s.role,
		Scope:                      s.scope.clone(),
		SessionValidUntil:          s.validUntil,
		SuspiciousActivityDetected: s.suspicious,
		SuspiciousReason:           s.suspReason,
		RateLimits:                 make(map[Counter]RateLimitStatus, len(s.limits)),
		Activity:                   make([]Activity, len(s.activity)),
	}
	for c, r := range s.limits {
		st.RateLimits[c] = *r
	}
	copy(st.Activity, s.activity)
	return st
}

func (s *Store) appendActivityLocked(a Activity) {
	s.activity = append(s.activity, a)
	if over := len(s.activity) - s.cfg.ActivityLogSize; over > 0 {
		s.activity = append(s.activity[:0], s.activity[over:]...)
	}
}
