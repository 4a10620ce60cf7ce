package testutil_test

import (
	"context"
	"errors"
	"testing"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/backend"
	"github.com/developingchet/cascade-guard/internal/realtime"
	"github.com/developingchet/cascade-guard/internal/testutil"
)

var (
	_ backend.API     = (*testutil.MockBackend)(nil)
	_ realtime.Dialer = (*testutil.FakeDialer)(nil)
	_ realtime.Conn   = (*testutil.FakeConn)(nil)
	_ audit.Poster    = (*testutil.MockBackend)(nil)
)

func TestMockBackend_Preview(t *testing.T) {
	ctx := context.Background()
	m := testutil.NewMockBackend()

	_, err := m.PreviewDeletion(ctx, "s-1")
	var nf *backend.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected *ErrNotFound for unknown entity, got %v", err)
	}

	m.SetPreview(backend.Preview{EntityID: "s-1", DisplayName: "Ada"})
	p, err := m.PreviewDeletion(ctx, "s-1")
	if err != nil || p.DisplayName != "Ada" {
		t.Fatalf("PreviewDeletion: %+v, %v", p, err)
	}
	if m.Calls("PreviewDeletion") != 2 {
		t.Errorf("calls: %d", m.Calls("PreviewDeletion"))
	}
}

func TestMockBackend_ExecuteAssignsIDs(t *testing.T) {
	ctx := context.Background()
	m := testutil.NewMockBackend()

	id1, _ := m.ExecuteDeletion(ctx, "s-1", backend.ExecuteOptions{Kind: "single"})
	id2, _ := m.ExecuteDeletion(ctx, "s-2", backend.ExecuteOptions{Kind: "cascade"})
	if id1 != "op-1" || id2 != "op-2" {
		t.Fatalf("ids: %q %q", id1, id2)
	}
	calls := m.Executed()
	if len(calls) != 2 || calls[1].EntityID != "s-2" || calls[1].Options.Kind != "cascade" {
		t.Fatalf("executed: %+v", calls)
	}
}

func TestMockBackend_ErrorConsumedOnce(t *testing.T) {
	ctx := context.Background()
	m := testutil.NewMockBackend()
	m.SetError("CancelDeletion", &backend.ErrConflict{Msg: "finished"})

	if err := m.CancelDeletion(ctx, "op-1"); err == nil {
		t.Fatal("expected injected error")
	}
	if err := m.CancelDeletion(ctx, "op-1"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := m.Cancelled(); len(got) != 1 || got[0] != "op-1" {
		t.Errorf("cancelled: %v", got)
	}
}

func TestMockBackend_VerifyPassword(t *testing.T) {
	ctx := context.Background()
	m := testutil.NewMockBackend()
	m.SetPassword("u-1", "hunter2")

	if ok, _ := m.VerifyPassword(ctx, "u-1", "hunter2"); !ok {
		t.Error("correct password rejected")
	}
	if ok, _ := m.VerifyPassword(ctx, "u-1", "wrong"); ok {
		t.Error("wrong password accepted")
	}
	if ok, _ := m.VerifyPassword(ctx, "u-2", "hunter2"); ok {
		t.Error("unknown subject accepted")
	}
}

func TestFakeDialer_PushAndDrop(t *testing.T) {
	ctx := context.Background()
	d := &testutil.FakeDialer{}
	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	fc := d.Last()
	if err := fc.Push(realtime.TypeHeartbeat, nil); err != nil {
		t.Fatal(err)
	}
	env, err := conn.Read(ctx)
	if err != nil || env.Type != realtime.TypeHeartbeat {
		t.Fatalf("Read: %+v, %v", env, err)
	}
	_ = conn.Write(ctx, realtime.Envelope{Type: realtime.TypeHeartbeatAck})
	if got := fc.WrittenTypes(); len(got) != 1 || got[0] != realtime.TypeHeartbeatAck {
		t.Fatalf("written: %v", got)
	}

	fc.Drop()
	if _, err := conn.Read(ctx); err == nil {
		t.Error("expected EOF after drop")
	}

	d.SetFail(true)
	if _, err := d.Dial(ctx); err == nil {
		t.Error("expected dial failure")
	}
	if d.Dials() != 2 {
		t.Errorf("dials: %d", d.Dials())
	}
}
