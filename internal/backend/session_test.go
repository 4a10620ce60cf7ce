package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func tokenServer(t *testing.T, logins *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathLogin {
			atomic.AddInt32(logins, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token":"tok-1","expiresAt":"2026-03-02T13:00:00Z"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureAuthConcurrentCallersLoginOnce(t *testing.T) {
	var logins int32
	srv := tokenServer(t, &logins)
	sm := newSessionManager(AuthConfig{
		BaseURL:       srv.URL,
		Username:      "admin",
		Password:      "secret",
		ReauthTimeout: 5 * time.Second,
		ReauthMinGap:  time.Minute,
	}, srv.Client(), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sm.EnsureAuth(context.Background())
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&logins); n != 1 {
		t.Errorf("expected exactly one login, got %d", n)
	}
	want := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	if !sm.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt: %v", sm.ExpiresAt())
	}
}

func TestEnsureAuthSetsBearer(t *testing.T) {
	var logins int32
	srv := tokenServer(t, &logins)
	sm := newSessionManager(AuthConfig{BaseURL: srv.URL, Username: "a", Password: "b"}, srv.Client(), zerolog.Nop())
	if err := sm.EnsureAuth(context.Background()); err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/x", nil)
	sm.SetAuthHeader(req)
	if got := req.Header.Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("Authorization: %q", got)
	}
}

func TestReauthFailurePropagated(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sm := newSessionManager(AuthConfig{
		BaseURL:       srv.URL,
		Username:      "bad",
		Password:      "creds",
		ReauthTimeout: 5 * time.Second,
	}, srv.Client(), zerolog.Nop())
	if err := sm.EnsureAuth(context.Background()); err == nil {
		t.Error("expected error on failed login")
	}
}

func TestLoginWithoutTokenRejected(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sm := newSessionManager(AuthConfig{BaseURL: srv.URL, Username: "a", Password: "b"}, srv.Client(), zerolog.Nop())
	if err := sm.EnsureAuth(context.Background()); err == nil {
		t.Error("expected error for login response without token")
	}
}

func TestReauthTimeout(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sm := newSessionManager(AuthConfig{
		BaseURL:       srv.URL,
		Username:      "admin",
		Password:      "pw",
		ReauthTimeout: 100 * time.Millisecond,
	}, srv.Client(), zerolog.Nop())
	if err := sm.EnsureAuth(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestSetAuthHeaderAPIKey(t *testing.T) {
	sm := newSessionManager(AuthConfig{
		BaseURL: "https://example.com",
		APIKey:  "my-api-key-12345",
	}, http.DefaultClient, zerolog.Nop())

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/api/test", nil)
	sm.SetAuthHeader(req)

	if got := req.Header.Get("X-API-Key"); got != "my-api-key-12345" {
		t.Errorf("expected X-API-Key header, got %q", got)
	}
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("unexpected Authorization header %q", got)
	}
}
