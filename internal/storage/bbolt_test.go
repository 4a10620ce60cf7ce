package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCachePutGetDelete(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetCache("students")
	if err != nil || got != nil {
		t.Fatalf("GetCache before put: err=%v, got=%v", err, got)
	}

	if err := s.PutCache("students", []byte(`{"total":1}`)); err != nil {
		t.Fatalf("PutCache: %v", err)
	}
	if err := s.PutCache("students", []byte(`{"total":2}`)); err != nil {
		t.Fatalf("PutCache: %v", err)
	}
	got, err = s.GetCache("students")
	if err != nil || got == nil {
		t.Fatalf("GetCache: err=%v, got=%v", err, got)
	}
	if string(got.Value) != `{"total":2}` || got.Version != 2 {
		t.Errorf("entry: value=%s version=%d", got.Value, got.Version)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	if err := s.DeleteCache("students"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCache("students")
	if got != nil {
		t.Error("entry should be deleted")
	}
}

func TestCacheEmptyKeyRejected(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutCache("", []byte("{}")); err != ErrEmptyKey {
		t.Errorf("got %v, want ErrEmptyKey", err)
	}
}

func TestPruneCache(t *testing.T) {
	s := newTestStore(t)
	_ = s.PutCache("a", []byte("1"))
	_ = s.PutCache("b", []byte("2"))

	pruned, err := s.PruneCache(time.Now().Add(-time.Hour))
	if err != nil || pruned != 0 {
		t.Fatalf("fresh entries pruned: n=%d err=%v", pruned, err)
	}
	pruned, err = s.PruneCache(time.Now().Add(time.Hour))
	if err != nil || pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d (err=%v)", pruned, err)
	}
	keys, _ := s.ListCacheKeys()
	if len(keys) != 0 {
		t.Errorf("keys left: %v", keys)
	}
}

func TestBoltCacheRoundTrip(t *testing.T) {
	c := BoltCache{Store: newTestStore(t)}
	ctx := context.Background()
	tree := map[string]any{
		"total": float64(2),
		"data":  []any{map[string]any{"id": "s-1"}, map[string]any{"id": "s-2"}},
	}
	if err := c.Write(ctx, "students", tree); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Read(ctx, "students")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, tree) {
		t.Errorf("round trip: got %#v", got)
	}

	// Reads never alias the stored tree.
	got.(map[string]any)["total"] = float64(99)
	again, _, _ := c.Read(ctx, "students")
	if again.(map[string]any)["total"] != float64(2) {
		t.Error("mutation of read value leaked into the store")
	}

	if _, ok, _ := c.Read(ctx, "missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestBoltCacheHonoursContext(t *testing.T) {
	c := BoltCache{Store: newTestStore(t)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Write(ctx, "k", 1); err == nil {
		t.Error("write with cancelled context succeeded")
	}
}

func TestAuditAppendListPrune(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		evt := audit.New(audit.PermissionCheck, "u-1", "single", "s-1", base.Add(time.Duration(i)*time.Minute))
		evt.Details = map[string]string{"n": string(rune('0' + i))}
		if err := s.AppendAudit(evt); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	all, err := s.ListAudit(time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || all[0].Details["n"] != "0" || all[4].Details["n"] != "4" {
		t.Fatalf("ListAudit order: %+v", all)
	}

	since, _ := s.ListAudit(base.Add(2*time.Minute), 0)
	if len(since) != 3 || since[0].Details["n"] != "2" {
		t.Errorf("ListAudit since: %d events", len(since))
	}
	newest, _ := s.ListAudit(time.Time{}, 2)
	if len(newest) != 2 || newest[1].Details["n"] != "4" {
		t.Errorf("ListAudit limit: %+v", newest)
	}

	pruned, err := s.PruneAudit(base.Add(3 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 3 {
		t.Errorf("expected 3 pruned, got %d", pruned)
	}
	left, _ := s.ListAudit(time.Time{}, 0)
	if len(left) != 2 {
		t.Errorf("expected 2 left, got %d", len(left))
	}
}

func TestAuditAppendAssignsMissingID(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendAudit(audit.Event{Type: audit.RateLimitHit, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.ListAudit(time.Time{}, 0)
	if len(got) != 1 || got[0].ID == "" {
		t.Errorf("events: %+v", got)
	}
}

func TestOperationsCRUDAndPrune(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	running := OperationRecord{OperationID: "op-1", Kind: "cascade", EntityID: "s-1", Status: "running", StartedAt: now.Add(-2 * time.Hour)}
	done := OperationRecord{OperationID: "op-2", Kind: "single", EntityID: "s-2", Status: "completed", StartedAt: now.Add(-time.Hour), FinishedAt: now.Add(-time.Hour)}
	for _, rec := range []OperationRecord{running, done} {
		if err := s.PutOperation(rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetOperation("op-2")
	if err != nil || got == nil || got.Status != "completed" {
		t.Fatalf("GetOperation: err=%v got=%+v", err, got)
	}
	list, _ := s.ListOperations()
	if len(list) != 2 || list[0].OperationID != "op-2" {
		t.Errorf("ListOperations order: %+v", list)
	}

	pruned, err := s.PruneOperations(now)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned, got %d", pruned)
	}
	if rec, _ := s.GetOperation("op-1"); rec == nil {
		t.Error("running operation pruned")
	}
	if err := s.PutOperation(OperationRecord{}); err != ErrEmptyKey {
		t.Errorf("empty id: got %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := "k" + string(rune('0'+id))
			_ = s.PutCache(key, []byte("{}"))
			_, _ = s.GetCache(key)
			_ = s.AppendAudit(audit.New(audit.PermissionCheck, key, "single", "", time.Now()))
			_ = s.DeleteCache(key)
		}(i)
	}
	wg.Wait()
	events, _ := s.ListAudit(time.Time{}, 0)
	if len(events) != 8 {
		t.Errorf("expected 8 audit events, got %d", len(events))
	}
}

func TestSizeBytes(t *testing.T) {
	s := newTestStore(t)
	size, err := s.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size == 0 {
		t.Error("expected non-zero db size")
	}
}

func TestFileCreated(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := os.Stat(filepath.Join(dir, "cascade-guard.db")); err != nil {
		t.Errorf("db file not created: %v", err)
	}
}
