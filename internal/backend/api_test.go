package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/rs/zerolog"
)

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func TestPreviewDeletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/entities/s-1/deletion-preview" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Error("missing api key")
		}
		writeData(w, map[string]any{
			"displayName":         "Ada Lovelace",
			"impactedCollections": []string{"enrollments", "grades"},
			"counts":              map[string]int{"enrollments": 3, "grades": 12},
		})
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL, "k").PreviewDeletion(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("PreviewDeletion: %v", err)
	}
	if p.EntityID != "s-1" || p.DisplayName != "Ada Lovelace" || p.Counts["grades"] != 12 {
		t.Errorf("preview: %+v", p)
	}
	items := p.ImpactItems()
	if len(items) != 2 || items[0] != "enrollments (3)" || items[1] != "grades (12)" {
		t.Errorf("ImpactItems: %v", items)
	}
}

func TestPreviewDeletionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "k").PreviewDeletion(context.Background(), "missing")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("expected *ErrNotFound, got %v", err)
	}
}

func TestExecuteDeletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != pathDeletions {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["entityId"] != "s-1" || body["kind"] != "cascade" || body["verificationToken"] != "tok" {
			t.Errorf("body: %v", body)
		}
		writeData(w, map[string]string{"operationId": "op-42"})
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL, "k").ExecuteDeletion(context.Background(), "s-1",
		ExecuteOptions{Kind: "cascade", VerificationToken: "tok"})
	if err != nil {
		t.Fatalf("ExecuteDeletion: %v", err)
	}
	if id != "op-42" {
		t.Errorf("operation id: %q", id)
	}
}

func TestExecuteDeletionRejectsMissingOperationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]string{})
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL, "k").ExecuteDeletion(context.Background(), "s-1", ExecuteOptions{}); err == nil {
		t.Error("expected error for empty operation id")
	}
}

func TestExecuteDeletionRetriesBodyAfterReauth(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathLogin:
			_, _ = w.Write([]byte(`{"token":"t2"}`))
		case pathDeletions:
			n := atomic.AddInt32(&attempts, 1)
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["entityId"] != "s-9" {
				t.Errorf("attempt %d lost its body: %v", n, body)
			}
			if n == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeData(w, map[string]string{"operationId": "op-9"})
		}
	}))
	defer srv.Close()

	c := newHTTPClient(ClientConfig{BaseURL: srv.URL, Username: "u", Password: "p"}, srv.Client(), zerolog.Nop())
	id, err := c.ExecuteDeletion(context.Background(), "s-9", ExecuteOptions{Kind: "single"})
	if err != nil || id != "op-9" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestCancelDeletion(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/deletions/op-1/cancel" {
			hit = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL, "k").CancelDeletion(context.Background(), "op-1"); err != nil {
		t.Fatalf("CancelDeletion: %v", err)
	}
	if !hit {
		t.Error("cancel endpoint not called")
	}
}

func TestDeletionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/deletions/op-7" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeData(w, map[string]any{"status": "failed", "error": "constraint violation"})
	}))
	defer srv.Close()

	st, err := newTestClient(srv.URL, "k").DeletionStatus(context.Background(), "op-7")
	if err != nil {
		t.Fatalf("DeletionStatus: %v", err)
	}
	if st.OperationID != "op-7" || st.Status != DeletionFailed || st.Error != "constraint violation" {
		t.Errorf("status: %+v", st)
	}
}

func TestRefreshSession(t *testing.T) {
	until := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, Session{UserID: "u-1", Role: "manager", ValidUntil: until, OwnedEntities: []string{"s-1"}})
	}))
	defer srv.Close()

	s, err := newTestClient(srv.URL, "k").RefreshSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.UserID != "u-1" || s.Role != "manager" || !s.ValidUntil.Equal(until) || len(s.OwnedEntities) != 1 {
		t.Errorf("session: %+v", s)
	}
}

func TestVerifyPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body["password"] {
		case "right":
			writeData(w, map[string]bool{"valid": true})
		case "wrong":
			writeData(w, map[string]bool{"valid": false})
		case "locked":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "k")
	cases := []struct {
		pw      string
		want    bool
		wantErr bool
	}{
		{"right", true, false},
		{"wrong", false, false},
		{"locked", false, false},
		{"boom", false, true},
	}
	for _, tc := range cases {
		got, err := c.VerifyPassword(context.Background(), "u-1", tc.pw)
		if got != tc.want || (err != nil) != tc.wantErr {
			t.Errorf("%s: got %v, %v", tc.pw, got, err)
		}
	}
}

func TestPostAuditEvents(t *testing.T) {
	var received []audit.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []audit.Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		received = body.Events
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "k")
	evt := audit.New(audit.PermissionCheck, "u-1", "single", "s-1", time.Now())
	if err := c.PostAuditEvents(context.Background(), []audit.Event{evt}); err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 || received[0].ID != evt.ID {
		t.Errorf("received: %+v", received)
	}
	if err := c.PostAuditEvents(context.Background(), nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func TestHasFeatureCachesList(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeData(w, map[string][]string{"features": {FeatureBiometric}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "k")
	for i := 0; i < 3; i++ {
		ok, err := c.HasFeature(context.Background(), FeatureBiometric)
		if err != nil || !ok {
			t.Fatalf("HasFeature biometric: %v %v", ok, err)
		}
	}
	if ok, _ := c.HasFeature(context.Background(), FeatureCancellation); ok {
		t.Error("cancellation reported without being advertised")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("feature endpoint called %d times", n)
	}
}

func TestHasFeatureMissingEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ok, err := newTestClient(srv.URL, "k").HasFeature(context.Background(), FeatureBiometric)
	if err != nil || ok {
		t.Errorf("got %v, %v", ok, err)
	}
}
