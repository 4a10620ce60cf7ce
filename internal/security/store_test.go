package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/rs/zerolog"
)

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type stubRefresher struct {
	grant Grant
	err   error
	calls int
}

func (r *stubRefresher) RefreshSession(context.Context) (Grant, error) {
	r.calls++
	return r.grant, r.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return cfg
}

func newTestStore(t *testing.T, cfg Config, start time.Time) (*Store, *clock.Fake, *audit.Recorder, *stubRefresher) {
	t.Helper()
	clk := clock.NewFake(start)
	rec := &audit.Recorder{}
	ref := &stubRefresher{}
	return New(cfg, ref, rec, clk, zerolog.Nop()), clk, rec, ref
}

func TestEvaluateNoAuth(t *testing.T) {
	s, _, rec, _ := newTestStore(t, testConfig(), noon)
	d := s.Evaluate(Single, "s-1")
	if d.Allowed || d.ReasonCode != ReasonNoAuth {
		t.Fatalf("got %+v, want NO_AUTH", d)
	}
	evts := rec.Events()
	if len(evts) != 1 || evts[0].Type != audit.PermissionCheck || evts[0].ReasonCode != ReasonNoAuth {
		t.Errorf("expected one permission_check event, got %+v", evts)
	}
}

// TestEvaluatePriority stacks every failing condition and peels them off one
// at a time; each step must surface the next code in order.
func TestEvaluatePriority(t *testing.T) {
	cfg := testConfig()
	cfg.RolePerMinute = map[Role]int{RoleStaff: 1}
	s, clk, _, ref := newTestStore(t, cfg, time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC))

	s.Login(Grant{UserID: "u1", Role: RoleStaff, ValidUntil: clk.Now().Add(time.Hour), OwnedEntities: []string{"mine"}})
	if _, ok := s.RecordAttempt(Single); !ok {
		t.Fatal("first attempt should be accepted")
	}
	s.FlagSuspicious("test")
	clk.Advance(59 * time.Minute)
	s.mu.Lock()
	s.validUntil = clk.Now()
	s.limits[CounterSingle].ResetTime = clk.Now().Add(time.Hour)
	s.mu.Unlock()

	if got := s.Evaluate(Cascade, "other").ReasonCode; got != ReasonSessionExpired {
		t.Fatalf("step 1: got %s, want SESSION_EXPIRED", got)
	}

	ref.grant = Grant{Role: RoleStaff, ValidUntil: clk.Now().Add(time.Hour), OwnedEntities: []string{"mine"}}
	if !s.RefreshSession(context.Background()) {
		t.Fatal("refresh should succeed")
	}
	if got := s.Evaluate(Cascade, "other").ReasonCode; got != ReasonSuspiciousActivity {
		t.Fatalf("step 2: got %s, want SUSPICIOUS_ACTIVITY", got)
	}

	if err := s.AdminUnlock("admin-1"); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.limits[CounterSingle].IsLocked = true
	s.mu.Unlock()
	if got := s.Evaluate(Cascade, "other").ReasonCode; got != ReasonRateLimited {
		t.Fatalf("step 3: got %s, want RATE_LIMITED", got)
	}

	s.mu.Lock()
	s.limits[CounterSingle].IsLocked = false
	s.mu.Unlock()
	if got := s.Evaluate(Cascade, "other").ReasonCode; got != ReasonInsufficientPermissions {
		t.Fatalf("step 4: got %s, want INSUFFICIENT_PERMISSIONS", got)
	}
	if got := s.Evaluate(Single, "other").ReasonCode; got != ReasonEntityAccessDenied {
		t.Fatalf("step 5: got %s, want ENTITY_ACCESS_DENIED", got)
	}
	if d := s.Evaluate(Single, "mine"); !d.Allowed {
		t.Fatalf("step 6: got %+v, want allowed", d)
	}
}

func TestEvaluateBulkInsufficientWithoutTouchingRateLimits(t *testing.T) {
	s, _, _, _ := newTestStore(t, testConfig(), noon)
	s.Login(Grant{UserID: "u1", Role: RoleStaff})

	before := s.Snapshot().RateLimits
	d := s.Evaluate(Bulk, "")
	if d.Allowed || d.ReasonCode != ReasonInsufficientPermissions {
		t.Fatalf("got %+v, want INSUFFICIENT_PERMISSIONS", d)
	}
	after := s.Snapshot().RateLimits
	for c, st := range after {
		if st != before[c] {
			t.Errorf("counter %s changed: %+v -> %+v", c, before[c], st)
		}
	}
}

func TestOffHours(t *testing.T) {
	cases := []struct {
		name   string
		hour   int
		role   Role
		kind   OperationKind
		reason string
	}{
		{"manager cascade at night", 23, RoleManager, Cascade, ReasonOffHours},
		{"manager bulk early morning", 5, RoleManager, Bulk, ReasonOffHours},
		{"manager cascade at six", 6, RoleManager, Cascade, ""},
		{"manager single at night", 23, RoleManager, Single, ""},
		{"admin cascade at night", 23, RoleAdmin, Cascade, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _, _ := newTestStore(t, testConfig(), time.Date(2026, 3, 2, tc.hour, 0, 0, 0, time.UTC))
			s.Login(Grant{UserID: "u1", Role: tc.role})
			if got := s.Evaluate(tc.kind, "").ReasonCode; got != tc.reason {
				t.Errorf("got %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestInWindow(t *testing.T) {
	cases := []struct {
		hour, start, end int
		want             bool
	}{
		{22, 22, 6, true},
		{0, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
		{9, 9, 17, true},
		{17, 9, 17, false},
		{3, 4, 4, false},
	}
	for _, tc := range cases {
		if got := InWindow(tc.hour, tc.start, tc.end); got != tc.want {
			t.Errorf("InWindow(%d, %d, %d) = %v, want %v", tc.hour, tc.start, tc.end, got, tc.want)
		}
	}
}

func TestRecordAttemptLocksAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.RolePerMinute = map[Role]int{RoleManager: 3}
	cfg.AnomalyRateLimitHits = 0
	s, _, rec, _ := newTestStore(t, cfg, noon)
	s.Login(Grant{UserID: "u1", Role: RoleManager})

	for i := 1; i <= 3; i++ {
		st, ok := s.RecordAttempt(Single)
		if !ok {
			t.Fatalf("attempt %d refused", i)
		}
		if st.Count != i {
			t.Fatalf("attempt %d: count %d", i, st.Count)
		}
		if st.IsLocked != (i == 3) {
			t.Fatalf("attempt %d: IsLocked=%v", i, st.IsLocked)
		}
	}

	st, ok := s.RecordAttempt(Cascade)
	if ok {
		t.Fatal("expected cascade attempt refused by the shared single counter")
	}
	if st.Count != 3 {
		t.Errorf("refused attempt must not count, got %d", st.Count)
	}
	if got := s.Evaluate(Single, "").ReasonCode; got != ReasonRateLimited {
		t.Errorf("Evaluate: got %s, want RATE_LIMITED", got)
	}
	var hits int
	for _, typ := range rec.Types() {
		if typ == audit.RateLimitHit {
			hits++
		}
	}
	if hits != 1 {
		t.Errorf("expected 1 rate_limit_hit event, got %d", hits)
	}
}

func TestRecordAttemptResetsAfterWindow(t *testing.T) {
	cfg := testConfig()
	cfg.AnomalyRateLimitHits = 0
	s, clk, _, _ := newTestStore(t, cfg, noon)
	s.Login(Grant{UserID: "u1", Role: RoleManager})

	for i := 0; i < 2; i++ {
		s.RecordAttempt(Bulk)
	}
	if _, ok := s.RecordAttempt(Bulk); ok {
		t.Fatal("third bulk attempt should be refused")
	}

	clk.Advance(time.Minute)
	st, ok := s.RecordAttempt(Bulk)
	if !ok {
		t.Fatal("attempt after reset refused")
	}
	if st.Count != 1 {
		t.Errorf("count after reset: got %d, want 1", st.Count)
	}
	if !st.WindowStart.Equal(clk.Now()) || !st.ResetTime.Equal(clk.Now().Add(time.Minute)) {
		t.Errorf("window not restarted: %+v", st)
	}
}

func TestRecordAttemptZeroMaxRefuses(t *testing.T) {
	s, _, _, _ := newTestStore(t, testConfig(), noon)
	s.Login(Grant{UserID: "u1", Role: RoleViewer})
	st, ok := s.RecordAttempt(Single)
	if ok || st.Count != 0 || !st.IsLocked {
		t.Errorf("got %+v ok=%v, want locked refusal with count 0", st, ok)
	}
}

func TestRepeatedRateLimitHitsFlagSuspicious(t *testing.T) {
	s, clk, rec, _ := newTestStore(t, testConfig(), noon)
	s.Login(Grant{UserID: "u1", Role: RoleManager})
	s.RecordAttempt(Cleanup) // cleanup max defaults to 1
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		s.RecordAttempt(Cleanup)
	}
	snap := s.Snapshot()
	if !snap.SuspiciousActivityDetected {
		t.Fatal("expected session flagged after three rate limit hits")
	}
	if snap.SuspiciousReason != "repeated rate limit hits" {
		t.Errorf("reason: got %q", snap.SuspiciousReason)
	}
	found := false
	for _, typ := range rec.Types() {
		if typ == audit.SuspiciousActivity {
			found = true
		}
	}
	if !found {
		t.Error("expected suspicious_activity audit event")
	}
}

func TestAttemptBurstFlagsSuspicious(t *testing.T) {
	cfg := testConfig()
	cfg.RolePerMinute = map[Role]int{RoleAdmin: 100}
	s, _, _, _ := newTestStore(t, cfg, noon)
	s.Login(Grant{UserID: "u1", Role: RoleAdmin})
	for i := 0; i < 10; i++ {
		s.RecordAttempt(Single)
	}
	if got := s.Evaluate(Single, "").ReasonCode; got != ReasonSuspiciousActivity {
		t.Errorf("got %s, want SUSPICIOUS_ACTIVITY", got)
	}
}

func TestSuspiciousIsSticky(t *testing.T) {
	s, clk, _, _ := newTestStore(t, testConfig(), noon)
	s.Login(Grant{UserID: "u1", Role: RoleAdmin, ValidUntil: noon.Add(48 * time.Hour)})
	s.FlagSuspicious("manual review")
	clk.Advance(24 * time.Hour)
	if got := s.Evaluate(Single, "").ReasonCode; got != ReasonSuspiciousActivity {
		t.Fatalf("flag cleared by time: got %s", got)
	}
	if err := s.AdminUnlock(""); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected ErrAdminRequired, got %v", err)
	}
	if err := s.AdminUnlock("admin-1"); err != nil {
		t.Fatal(err)
	}
	if d := s.Evaluate(Single, ""); !d.Allowed {
		t.Errorf("expected allowed after unlock, got %+v", d)
	}
}

func TestRefreshSessionRejectedLeavesExpired(t *testing.T) {
	s, _, _, ref := newTestStore(t, testConfig(), noon)
	s.Login(Grant{UserID: "u1", Role: RoleAdmin})
	ref.err = errors.New("401")
	if s.RefreshSession(context.Background()) {
		t.Fatal("expected refresh failure")
	}
	if got := s.Evaluate(Single, "").ReasonCode; got != ReasonSessionExpired {
		t.Errorf("got %s, want SESSION_EXPIRED", got)
	}
}

func TestRefreshSessionRederivesScope(t *testing.T) {
	s, clk, _, ref := newTestStore(t, testConfig(), noon)
	s.Login(Grant{UserID: "u1", Role: RoleStaff})
	ref.grant = Grant{Role: RoleManager}
	if !s.RefreshSession(context.Background()) {
		t.Fatal("refresh failed")
	}
	snap := s.Snapshot()
	if !snap.Scope.CanBulkDelete || snap.Role != RoleManager {
		t.Errorf("scope not re-derived: %+v", snap.Scope)
	}
	if want := clk.Now().Add(30 * time.Minute); !snap.SessionValidUntil.Equal(want) {
		t.Errorf("valid until: got %v, want %v", snap.SessionValidUntil, want)
	}
}

func TestRefreshSessionWithoutLogin(t *testing.T) {
	s, _, _, ref := newTestStore(t, testConfig(), noon)
	if s.RefreshSession(context.Background()) {
		t.Error("refresh without a session must fail")
	}
	if ref.calls != 0 {
		t.Errorf("refresher called %d times", ref.calls)
	}
}

func TestLogoutDisposes(t *testing.T) {
	s, _, _, _ := newTestStore(t, testConfig(), noon)
	s.Login(Grant{UserID: "u1", Role: RoleAdmin})
	s.RecordAttempt(Single)
	s.Logout()
	snap := s.Snapshot()
	if snap.Authenticated || snap.UserID != "" || snap.RateLimits[CounterSingle].Count != 0 {
		t.Errorf("state not cleared: %+v", snap)
	}
}

func TestActivityLogCapped(t *testing.T) {
	cfg := testConfig()
	cfg.ActivityLogSize = 5
	s, _, _, _ := newTestStore(t, cfg, noon)
	for i := 0; i < 12; i++ {
		s.Evaluate(Single, "")
	}
	if n := len(s.Snapshot().Activity); n != 5 {
		t.Errorf("activity log length: got %d, want 5", n)
	}
}

func TestScopeForRole(t *testing.T) {
	admin := ScopeForRole(RoleAdmin, DefaultConfig().RolePerMinute, []string{"x"})
	if !admin.TopTier || !admin.Allows(Cleanup) || len(admin.EntityRestrictions) != 0 {
		t.Errorf("admin scope: %+v", admin)
	}
	staff := ScopeForRole(RoleStaff, DefaultConfig().RolePerMinute, []string{"a", "b"})
	if staff.Allows(Bulk) || !staff.Allows(Single) || !staff.CoversEntity("a") || staff.CoversEntity("c") {
		t.Errorf("staff scope: %+v", staff)
	}
	if staff.MaxDeletionsPerMinute != 5 {
		t.Errorf("staff max: %d", staff.MaxDeletionsPerMinute)
	}
	viewer := ScopeForRole(RoleViewer, nil, nil)
	for _, k := range []OperationKind{Single, Bulk, Cascade, Cleanup} {
		if viewer.Allows(k) {
			t.Errorf("viewer allows %s", k)
		}
	}
}

func TestEvaluateStaffWithoutOwnedEntities(t *testing.T) {
	s, clk, _, _ := newTestStore(t, testConfig(), noon)
	s.Login(Grant{UserID: "u1", Role: RoleStaff, ValidUntil: clk.Now().Add(time.Hour)})

	if d := s.Evaluate(Single, "someone-elses-student"); d.Allowed || d.ReasonCode != ReasonEntityAccessDenied {
		t.Fatalf("got %+v, want ENTITY_ACCESS_DENIED", d)
	}
}

func TestScopeOwnOnly(t *testing.T) {
	tests := []struct {
		name   string
		role   Role
		owned  []string
		entity string
		want   bool
	}{
		{"staff owns nothing", RoleStaff, nil, "s-1", false},
		{"staff owned entity", RoleStaff, []string{"s-1"}, "s-1", true},
		{"staff other entity", RoleStaff, []string{"s-1"}, "s-2", false},
		{"staff no entity", RoleStaff, nil, "", true},
		{"manager unrestricted", RoleManager, nil, "s-2", true},
		{"admin ignores owned list", RoleAdmin, []string{"s-1"}, "s-2", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sc := ScopeForRole(tc.role, nil, tc.owned)
			if got := sc.CoversEntity(tc.entity); got != tc.want {
				t.Errorf("CoversEntity(%q) = %v, want %v", tc.entity, got, tc.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Cascade "); err != nil || k != Cascade {
		t.Errorf("got %q, %v", k, err)
	}
	if _, err := ParseKind("purge"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
